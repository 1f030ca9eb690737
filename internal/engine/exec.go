package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-asr-sidecar/internal/audio"
	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/mattn/go-shellwords"
)

// maxSegmentLine bounds one NDJSON line emitted by the engine command.
const maxSegmentLine = 4 << 20

type execEngine struct {
	cmd    []string
	cfg    config.EngineConfig
	logger *slog.Logger
}

type execHandle struct {
	engine  *execEngine
	modelID string
}

type execRequest struct {
	Model        string `json:"model"`
	AudioPath    string `json:"audio_path"`
	Language     string `json:"language,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Prompt       string `json:"prompt"`
}

type execSegment struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Final    bool   `json:"final,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewExecEngine runs cfg.Command once per transcription. The command receives
// one JSON request on stdin and answers with newline delimited segments.
func NewExecEngine(cfg config.EngineConfig, logger *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &execEngine{cmd: args, cfg: cfg, logger: logger}, nil
}

func (e *execEngine) Load(ctx context.Context, modelID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LoadError{ModelID: modelID, Err: err}
	}
	if _, err := exec.LookPath(e.cmd[0]); err != nil {
		return nil, &LoadError{ModelID: modelID, Err: err}
	}
	if isLocalModel(modelID) {
		if _, err := os.Stat(modelID); err != nil {
			return nil, &LoadError{ModelID: modelID, Err: err}
		}
	}
	e.logger.Info("exec engine ready", slog.String("model", modelID), slog.String("command", e.cmd[0]))
	return &execHandle{engine: e, modelID: modelID}, nil
}

// isLocalModel reports whether id names a filesystem path rather than a hub
// repository such as "org/name".
func isLocalModel(id string) bool {
	return filepath.IsAbs(id) || strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../") || strings.HasPrefix(id, "~")
}

func (h *execHandle) Transcribe(ctx context.Context, req TranscribeRequest) (Result, error) {
	e := h.engine
	builder := req.promptBuilder()
	payload := execRequest{
		Model:        h.modelID,
		AudioPath:    req.AudioPath,
		Language:     CanonicalLanguage(req.Language, e.cfg.SupportedLanguages),
		SystemPrompt: builder.SystemPrompt(),
		Prompt: builder.BuildPrompt(PromptInput{
			AudioTokens: h.audioTokens(req.AudioPath),
			Language:    req.Language,
			Supported:   e.cfg.SupportedLanguages,
		}),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, &InferenceError{AudioPath: req.AudioPath, Err: err}
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, &InferenceError{AudioPath: req.AudioPath, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return Result{}, &InferenceError{AudioPath: req.AudioPath, Err: fmt.Errorf("start engine command: %w", err)}
	}
	return Result{Mode: ResultStream, Segments: readSegments(cmd, stdout, &stderr, req.AudioPath)}, nil
}

func (h *execHandle) audioTokens(path string) int {
	rate := h.engine.cfg.AudioTokensPerSecond
	if rate <= 0 {
		return 0
	}
	d, err := audio.Duration(path)
	if err != nil {
		h.engine.logger.Debug("audio duration unavailable", slog.String("path", path), slog.String("error", err.Error()))
		return 0
	}
	tokens := int(math.Round(d.Seconds() * rate))
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func (h *execHandle) Close() error { return nil }

func readSegments(cmd *exec.Cmd, stdout io.ReadCloser, stderr *bytes.Buffer, audioPath string) iter.Seq2[Segment, error] {
	fail := func(err error) error {
		return &InferenceError{AudioPath: audioPath, Detail: strings.TrimSpace(stderr.String()), Err: err}
	}
	abort := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	return func(yield func(Segment, error) bool) {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSegmentLine)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var seg execSegment
			if err := json.Unmarshal(line, &seg); err != nil {
				abort()
				yield(Segment{}, fail(fmt.Errorf("decode engine segment: %w", err)))
				return
			}
			if seg.Error != "" {
				abort()
				yield(Segment{}, fail(errors.New(seg.Error)))
				return
			}
			if !yield(Segment{Text: seg.Text, Language: seg.Language}, nil) {
				abort()
				return
			}
			if seg.Final {
				break
			}
		}
		scanErr := scanner.Err()
		_, _ = io.Copy(io.Discard, stdout)
		waitErr := cmd.Wait()
		if scanErr != nil {
			yield(Segment{}, fail(fmt.Errorf("read engine output: %w", scanErr)))
			return
		}
		if waitErr != nil {
			yield(Segment{}, fail(fmt.Errorf("engine command failed: %w", waitErr)))
		}
	}
}
