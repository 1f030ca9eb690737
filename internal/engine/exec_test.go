package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-asr-sidecar/internal/audio"
	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
)

func configFor(mode string) config.EngineConfig {
	cfg := config.Default().Engine
	cfg.Mode = mode
	return cfg
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func execHandleFor(t *testing.T, script string, args ...string) Handle {
	t.Helper()
	cfg := configFor("exec")
	cfg.Command = strings.Join(append([]string{"sh", script}, args...), " ")
	eng, err := NewExecEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	h, err := eng.Load(context.Background(), "org/model")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return h
}

func TestExecEngineStreamsSegments(t *testing.T) {
	reqPath := filepath.Join(t.TempDir(), "request.json")
	script := writeScript(t, `cat > "$1"
printf '{"text":"hello "}\n\n{"text":"world","language":"English","final":true}\n'`)
	h := execHandleFor(t, script, reqPath)

	clip, err := audio.WriteTempWAV(t.TempDir(), make([]float32, audio.DefaultSampleRate), audio.DefaultSampleRate)
	if err != nil {
		t.Fatalf("write wav: %v", err)
	}
	res, err := h.Transcribe(context.Background(), TranscribeRequest{
		AudioPath: clip,
		Language:  "english",
		Prompt:    SystemPromptBuilder{Prompt: "Use Traditional Chinese."},
	})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	text, lang, err := res.Collect()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "hello world" || lang != "English" {
		t.Fatalf("unexpected result %q %q", text, lang)
	}

	data, err := os.ReadFile(reqPath)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var req execRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Model != "org/model" || req.AudioPath != clip || req.Language != "English" {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.SystemPrompt != "Use Traditional Chinese." {
		t.Fatalf("unexpected system prompt %q", req.SystemPrompt)
	}
	// one second at the default rate of 13 tokens per second
	if n := strings.Count(req.Prompt, "<|audio_pad|>"); n != 13 {
		t.Fatalf("expected 13 audio tokens, got %d", n)
	}
}

func TestExecEngineReportsErrorLine(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
printf '{"error":"unsupported sample format"}\n'`)
	h := execHandleFor(t, script)
	res, err := h.Transcribe(context.Background(), TranscribeRequest{AudioPath: "missing.wav"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	_, _, err = res.Collect()
	var infErr *InferenceError
	if !errors.As(err, &infErr) || !strings.Contains(err.Error(), "unsupported sample format") {
		t.Fatalf("expected inference error, got %v", err)
	}
}

func TestExecEngineCapturesStderrOnExitFailure(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "model exploded" >&2
exit 3`)
	h := execHandleFor(t, script)
	res, err := h.Transcribe(context.Background(), TranscribeRequest{AudioPath: "a.wav"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	_, _, err = res.Collect()
	var infErr *InferenceError
	if !errors.As(err, &infErr) {
		t.Fatalf("expected inference error, got %v", err)
	}
	if infErr.Detail != "model exploded" {
		t.Fatalf("expected stderr detail, got %q", infErr.Detail)
	}
}

func TestExecEngineLoadChecksLocalModel(t *testing.T) {
	cfg := configFor("exec")
	cfg.Command = "sh -c true"
	eng, err := NewExecEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	missing := filepath.Join(t.TempDir(), "no-such-model")
	_, err = eng.Load(context.Background(), missing)
	var loadErr *LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected load error, got %v", err)
	}
}

func TestExecEngineLoadChecksCommand(t *testing.T) {
	cfg := configFor("exec")
	cfg.Command = "definitely-not-a-real-binary-xyz --flag"
	eng, err := NewExecEngine(cfg, nil)
	if err != nil {
		t.Fatalf("new exec engine: %v", err)
	}
	if _, err := eng.Load(context.Background(), "org/model"); err == nil {
		t.Fatal("expected load error for missing binary")
	}
}

func TestNewExecEngineRejectsEmptyCommand(t *testing.T) {
	cfg := configFor("exec")
	cfg.Command = "   "
	if _, err := NewExecEngine(cfg, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
