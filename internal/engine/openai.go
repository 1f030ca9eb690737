package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/language"
	openai "github.com/sashabaranov/go-openai"
)

// openaiEngine talks to an OpenAI compatible /audio/transcriptions endpoint,
// e.g. a local mlx or vLLM server hosting the model.
type openaiEngine struct {
	client *openai.Client
	cfg    config.EngineConfig
	logger *slog.Logger
}

type openaiHandle struct {
	engine  *openaiEngine
	modelID string
}

func NewOpenAIEngine(cfg config.EngineConfig, logger *slog.Logger) Engine {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &openaiEngine{client: openai.NewClientWithConfig(clientCfg), cfg: cfg, logger: logger}
}

func (e *openaiEngine) Load(ctx context.Context, modelID string) (Handle, error) {
	if e.cfg.VerifyModel {
		if _, err := e.client.GetModel(ctx, modelID); err != nil {
			return nil, &LoadError{ModelID: modelID, Err: err}
		}
	}
	e.logger.Info("openai engine ready", slog.String("model", modelID), slog.String("base_url", e.cfg.BaseURL))
	return &openaiHandle{engine: e, modelID: modelID}, nil
}

func (h *openaiHandle) Transcribe(ctx context.Context, req TranscribeRequest) (Result, error) {
	lang := req.Language
	if code, ok := language.Code(lang); ok {
		lang = code
	}
	resp, err := h.engine.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    h.modelID,
		FilePath: req.AudioPath,
		Prompt:   req.promptBuilder().SystemPrompt(),
		Language: lang,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Result{}, &InferenceError{AudioPath: req.AudioPath, Err: err}
	}
	return Result{Mode: ResultSingle, Text: strings.TrimSpace(resp.Text), Language: detectedLanguage(resp.Language)}, nil
}

func (h *openaiHandle) Close() error { return nil }

// detectedLanguage maps the server's report, either an ISO code or a lower
// case English name, onto the canonical display name.
func detectedLanguage(reported string) string {
	if reported == "" {
		return ""
	}
	if code, ok := language.Code(reported); ok {
		return language.Normalize(code)
	}
	return language.Normalize(reported)
}
