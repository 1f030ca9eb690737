package session

import (
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-asr-sidecar/internal/engine"
)

// PromptSlot holds the prompt builder used by the next transcription. An
// override lives for exactly one call.
type PromptSlot struct {
	mu     sync.Mutex
	def    engine.PromptBuilder
	active atomic.Value // builderBox
}

type builderBox struct {
	builder engine.PromptBuilder
}

func NewPromptSlot() *PromptSlot {
	p := &PromptSlot{def: engine.DefaultPromptBuilder{}}
	p.active.Store(builderBox{p.def})
	return p
}

// With installs override (nil keeps the default), runs fn with the active
// builder and restores the default before returning, including when fn panics.
// Calls are serialized.
func (p *PromptSlot) With(override engine.PromptBuilder, fn func(engine.PromptBuilder) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if override != nil {
		p.active.Store(builderBox{override})
		defer p.active.Store(builderBox{p.def})
	}
	return fn(p.Active())
}

// Active returns the builder currently installed.
func (p *PromptSlot) Active() engine.PromptBuilder {
	return p.active.Load().(builderBox).builder
}

// Overridden reports whether a non-default builder is installed.
func (p *PromptSlot) Overridden() bool {
	_, isDefault := p.Active().(engine.DefaultPromptBuilder)
	return !isDefault
}
