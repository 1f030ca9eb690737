package engine

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
)

// New builds the engine selected by cfg.Mode.
func New(cfg config.EngineConfig, logger *slog.Logger) (Engine, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockEngine(), nil
	case "exec":
		return NewExecEngine(cfg, logger)
	case "openai":
		return NewOpenAIEngine(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}
