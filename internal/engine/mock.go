package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// MockCall records one transcription seen by MockEngine.
type MockCall struct {
	ModelID      string
	AudioPath    string
	Language     string
	SystemPrompt string
	Prompt       string
}

// MockEngine is a deterministic in-process backend. Tests set the exported
// fields before driving it.
type MockEngine struct {
	LoadErr          error
	TranscribeErr    error
	Text             string
	DetectedLanguage string
	Stream           bool

	mu     sync.Mutex
	loads  int
	closed int
	calls  []MockCall
}

func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (m *MockEngine) Load(ctx context.Context, modelID string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &LoadError{ModelID: modelID, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.LoadErr != nil {
		return nil, &LoadError{ModelID: modelID, Err: m.LoadErr}
	}
	return &mockHandle{engine: m, modelID: modelID}, nil
}

// Loads reports how many times Load was called.
func (m *MockEngine) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// Closed reports how many handles were closed.
func (m *MockEngine) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Calls returns a copy of the recorded transcriptions in order.
func (m *MockEngine) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

type mockHandle struct {
	engine  *MockEngine
	modelID string
	closed  bool
}

func (h *mockHandle) Transcribe(ctx context.Context, req TranscribeRequest) (Result, error) {
	if h.closed {
		return Result{}, &InferenceError{AudioPath: req.AudioPath, Err: errors.New("handle closed")}
	}
	builder := req.promptBuilder()
	m := h.engine

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{
		ModelID:      h.modelID,
		AudioPath:    req.AudioPath,
		Language:     req.Language,
		SystemPrompt: builder.SystemPrompt(),
		Prompt:       builder.BuildPrompt(PromptInput{AudioTokens: 1, Language: req.Language}),
	})
	text := m.Text
	detected := m.DetectedLanguage
	stream := m.Stream
	failure := m.TranscribeErr
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, &InferenceError{AudioPath: req.AudioPath, Err: err}
	}
	if failure != nil {
		return Result{}, &InferenceError{AudioPath: req.AudioPath, Err: failure}
	}
	if text == "" {
		text = fmt.Sprintf("[mock transcript for %s]", filepath.Base(req.AudioPath))
	}
	if !stream {
		return Result{Mode: ResultSingle, Text: text, Language: detected}, nil
	}

	words := strings.SplitAfter(text, " ")
	return Result{
		Mode: ResultStream,
		Segments: func(yield func(Segment, error) bool) {
			for i, w := range words {
				seg := Segment{Text: w}
				if i == len(words)-1 {
					seg.Language = detected
				}
				if !yield(seg, nil) {
					return
				}
			}
		},
	}, nil
}

func (h *mockHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.engine.mu.Lock()
	h.engine.closed++
	h.engine.mu.Unlock()
	return nil
}
