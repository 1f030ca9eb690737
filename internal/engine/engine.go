// Package engine defines the contract with the speech recognition backend and
// ships the adapters the sidecar can drive.
package engine

import (
	"context"
	"fmt"
	"iter"
	"strings"
)

// Engine loads models by identifier.
type Engine interface {
	Load(ctx context.Context, modelID string) (Handle, error)
}

// Handle is a loaded model.
type Handle interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (Result, error)
	Close() error
}

// TranscribeRequest carries one call's inputs. A nil Prompt selects
// DefaultPromptBuilder.
type TranscribeRequest struct {
	AudioPath string
	Language  string
	Prompt    PromptBuilder
}

func (r TranscribeRequest) promptBuilder() PromptBuilder {
	if r.Prompt == nil {
		return DefaultPromptBuilder{}
	}
	return r.Prompt
}

// ResultMode declares how a Result carries its text.
type ResultMode int

const (
	ResultSingle ResultMode = iota
	ResultStream
)

func (m ResultMode) String() string {
	switch m {
	case ResultSingle:
		return "single"
	case ResultStream:
		return "stream"
	default:
		return fmt.Sprintf("ResultMode(%d)", int(m))
	}
}

// Segment is one chunk of a streamed transcript.
type Segment struct {
	Text     string
	Language string
}

// Result is the outcome of a transcription. Single results carry Text; stream
// results carry Segments, which yield chunks in emission order and must be
// drained exactly once.
type Result struct {
	Mode     ResultMode
	Text     string
	Language string
	Segments iter.Seq2[Segment, error]
}

// Collect returns the full transcript and the detected language. For streams
// the language reported by the last segment that carried one wins over
// Result.Language.
func (r Result) Collect() (string, string, error) {
	switch r.Mode {
	case ResultSingle:
		return r.Text, r.Language, nil
	case ResultStream:
		if r.Segments == nil {
			return "", r.Language, nil
		}
		var b strings.Builder
		lang := r.Language
		for seg, err := range r.Segments {
			if err != nil {
				return "", "", err
			}
			b.WriteString(seg.Text)
			if seg.Language != "" {
				lang = seg.Language
			}
		}
		return b.String(), lang, nil
	default:
		return "", "", fmt.Errorf("unsupported result mode %s", r.Mode)
	}
}

// LoadError reports missing or corrupt model artefacts, or a backend that
// cannot serve the model.
type LoadError struct {
	ModelID string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.ModelID, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferenceError reports a failed transcription. Detail holds backend
// diagnostics such as captured stderr.
type InferenceError struct {
	AudioPath string
	Detail    string
	Err       error
}

func (e *InferenceError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("transcribe %s: %v", e.AudioPath, e.Err)
	}
	return fmt.Sprintf("transcribe %s: %v\n%s", e.AudioPath, e.Err, e.Detail)
}

func (e *InferenceError) Unwrap() error { return e.Err }
