// Package sidecar implements the request loop that sits between a host process
// and the speech recognition model.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/engine"
	"github.com/loqalabs/loqa-asr-sidecar/internal/language"
	"github.com/loqalabs/loqa-asr-sidecar/internal/protocol"
	"github.com/loqalabs/loqa-asr-sidecar/internal/session"
)

// ValidationError rejects a request before the engine is contacted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Outcome is the result of dispatching one request line.
type Outcome struct {
	Command  string
	Response protocol.Response
	// Err is the failure behind a non-ok response, kept for logs and audit.
	Err error
	// Stop ends the request loop after the response is written.
	Stop bool
	// Transcript is set for successful transcriptions.
	Transcript *protocol.Transcript
}

// Dispatcher routes decoded requests to their handlers. It never panics.
type Dispatcher struct {
	cfg     config.SidecarConfig
	session *session.Session
	prompts *session.PromptSlot
	logger  *slog.Logger
}

func NewDispatcher(cfg config.SidecarConfig, sess *session.Session, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		session: sess,
		prompts: session.NewPromptSlot(),
		logger:  logger,
	}
}

// Prompts exposes the prompt slot so callers can observe that overrides do
// not outlive their call.
func (d *Dispatcher) Prompts() *session.PromptSlot {
	return d.prompts
}

// Dispatch handles one request line.
func (d *Dispatcher) Dispatch(ctx context.Context, line []byte) (out Outcome) {
	defer func() {
		if v := recover(); v != nil {
			d.logger.Error("request handler panicked",
				slog.String("command", out.Command),
				slog.Any("panic", v),
				slog.String("stack", string(debug.Stack())))
			out = Outcome{
				Command:  out.Command,
				Response: protocol.Fail(fmt.Sprintf("Internal error: %v", v)),
				Err:      fmt.Errorf("panic: %v", v),
			}
		}
	}()

	req, err := protocol.DecodeRequest(line)
	if err != nil {
		return Outcome{Response: protocol.Fail(err.Error()), Err: err}
	}
	out.Command = req.Command

	if raw, ok := req.Mistyped("command"); ok {
		out.Command = raw
		out.Err = fmt.Errorf("unknown command %s", raw)
		out.Response = protocol.Fail("Unknown command: " + raw)
		return out
	}

	switch req.Command {
	case "":
		out.Err = &ValidationError{Field: "command", Message: "Unknown command: null"}
		out.Response = protocol.Fail(out.Err.Error())
	case protocol.CommandLoadModel:
		out.Response, out.Err = d.handleLoadModel(ctx)
	case protocol.CommandTranscribe:
		out.Response, out.Transcript, out.Err = d.handleTranscribe(ctx, req)
	case protocol.CommandHealth:
		out.Response = protocol.Health(d.session.Ready())
	case protocol.CommandShutdown:
		out.Response = protocol.WithStatus(protocol.StatusShuttingDown)
		out.Stop = true
	default:
		out.Err = fmt.Errorf("unknown command %q", req.Command)
		out.Response = protocol.Fail("Unknown command: " + req.Command)
	}
	return out
}

func (d *Dispatcher) handleLoadModel(ctx context.Context) (protocol.Response, error) {
	if _, err := d.session.Load(ctx, d.cfg.ModelID, d.cfg.ReloadOnRepeatLoad); err != nil {
		return protocol.Fail(LoadFailureMessage(err)), err
	}
	return protocol.OK(), nil
}

// LoadFailureMessage renders a load error for the wire.
func LoadFailureMessage(err error) string {
	var loadErr *engine.LoadError
	if errors.As(err, &loadErr) {
		return "Failed to load model: " + loadErr.Err.Error()
	}
	return "Failed to load model: " + err.Error()
}

func (d *Dispatcher) handleTranscribe(ctx context.Context, req protocol.Request) (protocol.Response, *protocol.Transcript, error) {
	if !d.session.Ready() {
		return protocol.Fail("Model not loaded"), nil, session.ErrNotReady
	}
	if err := validateMembers(req); err != nil {
		return protocol.Fail(err.Error()), nil, err
	}
	if err := validateAudioPath(req.AudioPath); err != nil {
		return protocol.Fail(err.Error()), nil, err
	}

	lang := d.resolveLanguage(req.Language)
	var override engine.PromptBuilder
	if strings.TrimSpace(req.SystemPrompt) != "" {
		override = engine.SystemPromptBuilder{Prompt: req.SystemPrompt}
	}

	var text, detected string
	err := d.prompts.With(override, func(builder engine.PromptBuilder) error {
		res, err := d.session.Transcribe(ctx, engine.TranscribeRequest{
			AudioPath: req.AudioPath,
			Language:  lang,
			Prompt:    builder,
		})
		if err != nil {
			return err
		}
		text, detected, err = res.Collect()
		return err
	})
	if errors.Is(err, session.ErrNotReady) {
		return protocol.Fail("Model not loaded"), nil, err
	}
	if err != nil {
		var infErr *engine.InferenceError
		if errors.As(err, &infErr) && infErr.Detail != "" {
			d.logger.Warn("engine diagnostics", slog.String("audio_path", req.AudioPath), slog.String("detail", infErr.Detail))
		}
		return protocol.Fail("Transcription failed: " + failureCause(err)), nil, err
	}

	text = strings.TrimSpace(text)
	resolved := lang
	if detected != "" {
		resolved = language.Normalize(detected)
	}
	transcript := &protocol.Transcript{
		ModelID:   d.session.ModelID(),
		AudioPath: req.AudioPath,
		Text:      text,
		Language:  resolved,
		Prompted:  override != nil,
		Timestamp: time.Now().UTC(),
	}
	return protocol.Transcription(text, resolved), transcript, nil
}

// resolveLanguage applies the configured policy to a missing or "auto" hint.
func (d *Dispatcher) resolveLanguage(raw string) string {
	if !language.IsAuto(raw) {
		return language.Normalize(strings.TrimSpace(raw))
	}
	if d.cfg.LanguagePolicy == config.LanguagePolicyAutoDetect {
		return ""
	}
	return language.Normalize(d.cfg.FallbackLanguage)
}

// validateMembers rejects transcribe fields the host sent with a non-string
// value.
func validateMembers(req protocol.Request) error {
	if raw, ok := req.Mistyped("audio_path"); ok {
		return &ValidationError{Field: "audio_path", Message: "Audio file not found: " + raw}
	}
	for _, member := range []string{"language", "system_prompt"} {
		if raw, ok := req.Mistyped(member); ok {
			return &ValidationError{Field: member, Message: fmt.Sprintf("Invalid %s: %s", member, raw)}
		}
	}
	return nil
}

func validateAudioPath(path string) error {
	info, err := os.Stat(path)
	if path == "" || err != nil || !info.Mode().IsRegular() {
		return &ValidationError{Field: "audio_path", Message: "Audio file not found: " + path}
	}
	return nil
}

func failureCause(err error) string {
	var infErr *engine.InferenceError
	if errors.As(err, &infErr) && infErr.Err != nil {
		return infErr.Err.Error()
	}
	return err.Error()
}
