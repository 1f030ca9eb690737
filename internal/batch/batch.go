// Package batch runs a single transcription from one JSON document on stdin.
package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-asr-sidecar/internal/audio"
	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/engine"
	"github.com/loqalabs/loqa-asr-sidecar/internal/language"
	"github.com/xeipuuv/gojsonschema"
)

// nominalConfidence is reported for successful runs; the engines expose no
// per-utterance score.
const nominalConfidence = 0.95

const documentSchema = `{
  "type": "object",
  "required": ["audio"],
  "properties": {
    "audio": {"type": "array", "items": {"type": "number"}},
    "params": {"type": ["object", "string", "null"]}
  }
}`

const paramsSchema = `{
  "type": "object",
  "properties": {
    "sample_rate": {"type": "integer", "minimum": 1},
    "language": {"type": "string"},
    "system_prompt": {"type": "string"}
  }
}`

var (
	documentLoader = gojsonschema.NewStringLoader(documentSchema)
	paramsLoader   = gojsonschema.NewStringLoader(paramsSchema)
)

// Params tune one batch run.
type Params struct {
	SampleRate   int    `json:"sample_rate"`
	Language     string `json:"language"`
	SystemPrompt string `json:"system_prompt"`
}

// Document is the batch input.
type Document struct {
	Audio  []float32
	Params Params
}

// Response is the batch output. Error is set on failure, with empty Text and
// zero Confidence.
type Response struct {
	Error      string  `json:"error,omitempty"`
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// Decode validates data against the document schema and decodes it. params
// may be an object or a string holding JSON.
func Decode(data []byte) (Document, error) {
	if err := validate(documentLoader, gojsonschema.NewBytesLoader(data)); err != nil {
		return Document{}, err
	}
	var raw struct {
		Audio  []float32       `json:"audio"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	doc := Document{Audio: raw.Audio}

	params := bytes.TrimSpace(raw.Params)
	if len(params) > 0 && params[0] == '"' {
		var encoded string
		if err := json.Unmarshal(params, &encoded); err != nil {
			return Document{}, fmt.Errorf("decode params: %w", err)
		}
		params = []byte(encoded)
	}
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return doc, nil
	}
	if err := validate(paramsLoader, gojsonschema.NewBytesLoader(params)); err != nil {
		return Document{}, fmt.Errorf("params: %w", err)
	}
	if err := json.Unmarshal(params, &doc.Params); err != nil {
		return Document{}, fmt.Errorf("decode params: %w", err)
	}
	return doc, nil
}

func validate(schema, document gojsonschema.JSONLoader) error {
	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return fmt.Errorf("invalid document: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// Runner loads the model, transcribes one document and exits.
type Runner struct {
	engine  engine.Engine
	modelID string
	cfg     config.BatchConfig
	tempDir string
	logger  *slog.Logger
}

func NewRunner(eng engine.Engine, modelID string, cfg config.BatchConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{engine: eng, modelID: modelID, cfg: cfg, logger: logger}
}

// Run reads the document from in and writes exactly one response to out. The
// returned error is non-nil whenever the response carries one.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lang := r.resolveLanguage("")
	resp, err := r.run(ctx, in, &lang)
	if err != nil {
		resp = Response{Error: err.Error(), Language: lang}
	}
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	if werr := enc.Encode(resp); werr != nil {
		return errors.Join(err, fmt.Errorf("write response: %w", werr))
	}
	return err
}

func (r *Runner) run(ctx context.Context, in io.Reader, lang *string) (Response, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return Response{}, fmt.Errorf("read input: %w", err)
	}
	doc, err := Decode(data)
	if err != nil {
		return Response{}, err
	}
	*lang = r.resolveLanguage(doc.Params.Language)

	rate := doc.Params.SampleRate
	if rate == 0 {
		rate = r.cfg.SampleRate
	}
	if len(doc.Audio) == 0 {
		return Response{Text: "", Language: *lang, Confidence: nominalConfidence}, nil
	}

	handle, err := r.engine.Load(ctx, r.modelID)
	if err != nil {
		return Response{}, err
	}
	defer handle.Close()

	path, err := audio.WriteTempWAV(r.tempDir, doc.Audio, rate)
	if err != nil {
		return Response{}, err
	}
	defer os.Remove(path)

	r.logger.Info("transcribing batch",
		slog.Int("samples", len(doc.Audio)),
		slog.Int("sample_rate", rate),
		slog.String("language", *lang))

	var prompt engine.PromptBuilder
	if doc.Params.SystemPrompt != "" {
		prompt = engine.SystemPromptBuilder{Prompt: doc.Params.SystemPrompt}
	}
	res, err := handle.Transcribe(ctx, engine.TranscribeRequest{AudioPath: path, Language: *lang, Prompt: prompt})
	if err != nil {
		return Response{}, err
	}
	text, detected, err := res.Collect()
	if err != nil {
		return Response{}, err
	}
	if detected != "" {
		*lang = language.Normalize(detected)
	}
	return Response{Text: strings.TrimSpace(text), Language: *lang, Confidence: nominalConfidence}, nil
}

func (r *Runner) resolveLanguage(raw string) string {
	if language.IsAuto(raw) {
		return language.Normalize(r.cfg.DefaultLanguage)
	}
	return language.Normalize(strings.TrimSpace(raw))
}
