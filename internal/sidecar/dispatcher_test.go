package sidecar

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/engine"
	"github.com/loqalabs/loqa-asr-sidecar/internal/protocol"
	"github.com/loqalabs/loqa-asr-sidecar/internal/session"
)

func TestResolveLanguage(t *testing.T) {
	cfg := config.Default().Sidecar
	d := NewDispatcher(cfg, session.New(engine.NewMockEngine(), newLogger()), newLogger())
	cases := map[string]string{
		"":         "English",
		"auto":     "English",
		" zh ":     "Chinese",
		"yue":      "Cantonese",
		"Japanese": "Japanese",
		"Klingon":  "Klingon",
	}
	for in, want := range cases {
		if got := d.resolveLanguage(in); got != want {
			t.Fatalf("resolveLanguage(%q)=%q want %q", in, got, want)
		}
	}

	cfg.LanguagePolicy = config.LanguagePolicyAutoDetect
	d = NewDispatcher(cfg, session.New(engine.NewMockEngine(), newLogger()), newLogger())
	if got := d.resolveLanguage("auto"); got != "" {
		t.Fatalf("auto detect should clear the hint, got %q", got)
	}
}

func TestValidateAudioPathEmpty(t *testing.T) {
	err := validateAudioPath("")
	var vErr *ValidationError
	if !errors.As(err, &vErr) || vErr.Field != "audio_path" {
		t.Fatalf("expected audio_path validation error, got %v", err)
	}
}

func TestDispatchOutcome(t *testing.T) {
	d := NewDispatcher(config.Default().Sidecar, session.New(engine.NewMockEngine(), newLogger()), newLogger())
	out := d.Dispatch(context.Background(), []byte(`{"command":"shutdown"}`))
	if !out.Stop || out.Command != protocol.CommandShutdown || out.Response.Status != protocol.StatusShuttingDown {
		t.Fatalf("unexpected outcome %+v", out)
	}

	out = d.Dispatch(context.Background(), []byte(`not json`))
	if !errors.Is(out.Err, protocol.ErrInvalidJSON) || out.Stop {
		t.Fatalf("unexpected outcome %+v", out)
	}

	out = d.Dispatch(context.Background(), []byte(`{"command":"transcribe","audio_path":"/nope"}`))
	if !errors.Is(out.Err, session.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", out.Err)
	}
}

func TestCommandLabel(t *testing.T) {
	if commandLabel("transcribe") != "transcribe" || commandLabel("rm -rf") != "unknown" || commandLabel("") != "none" {
		t.Fatal("unexpected command labels")
	}
}
