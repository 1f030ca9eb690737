// Package session owns the single model handle of a sidecar process and its
// readiness state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-asr-sidecar/internal/engine"
)

// ErrNotReady is returned when transcription is requested before a model is loaded.
var ErrNotReady = errors.New("model not loaded")

// ErrLoadInProgress is returned when a load overlaps another one.
var ErrLoadInProgress = errors.New("model load already in progress")

type State int

const (
	Unloaded State = iota
	Loading
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Change describes one state transition.
type Change struct {
	From    State
	To      State
	ModelID string
	Reason  string
}

// Session tracks the model handle. All methods are safe for concurrent use;
// the state is readable while a load is running.
type Session struct {
	engine engine.Engine
	logger *slog.Logger

	mu       sync.RWMutex
	state    State
	modelID  string
	handle   engine.Handle
	failure  error
	onChange func(Change)
}

func New(eng engine.Engine, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{engine: eng, logger: logger}
}

// OnChange registers fn to be called after every transition. fn runs without
// the session lock held.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Load brings modelID into memory. A Ready session is left untouched unless
// reload is set, in which case the current handle is closed and the model is
// loaded again. loaded reports whether the engine was invoked.
func (s *Session) Load(ctx context.Context, modelID string, reload bool) (loaded bool, err error) {
	s.mu.Lock()
	switch {
	case s.state == Loading:
		s.mu.Unlock()
		return false, ErrLoadInProgress
	case s.state == Ready && !reload:
		s.mu.Unlock()
		return false, nil
	}
	previous := s.handle
	s.handle = nil
	change, err := s.transitionLocked(Loading, modelID, "")
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	s.notify(change)

	if previous != nil {
		if err := previous.Close(); err != nil {
			s.logger.Warn("failed to close previous model handle", slog.String("error", err.Error()))
		}
	}

	handle, loadErr := s.engine.Load(ctx, modelID)

	s.mu.Lock()
	if loadErr != nil {
		s.failure = loadErr
		change, err = s.transitionLocked(Error, modelID, loadErr.Error())
	} else {
		s.handle = handle
		s.failure = nil
		change, err = s.transitionLocked(Ready, modelID, "")
	}
	s.mu.Unlock()
	if err != nil {
		return true, err
	}
	s.notify(change)

	if loadErr != nil {
		s.logger.Error("model load failed", slog.String("model", modelID), slog.String("error", loadErr.Error()))
		return true, loadErr
	}
	s.logger.Info("model loaded", slog.String("model", modelID))
	return true, nil
}

// Transcribe runs req on the loaded handle. It fails with ErrNotReady, without
// touching the engine, unless the session is Ready.
func (s *Session) Transcribe(ctx context.Context, req engine.TranscribeRequest) (engine.Result, error) {
	s.mu.RLock()
	if s.state != Ready || s.handle == nil {
		s.mu.RUnlock()
		return engine.Result{}, ErrNotReady
	}
	handle := s.handle
	s.mu.RUnlock()
	return handle.Transcribe(ctx, req)
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Ready reports whether a model is loaded.
func (s *Session) Ready() bool {
	return s.State() == Ready
}

func (s *Session) ModelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modelID
}

// FailureReason returns the error from the last failed load, if the session is
// in Error.
func (s *Session) FailureReason() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Error {
		return nil
	}
	return s.failure
}

// Close releases the handle and returns the session to Unloaded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Unloaded || s.state == Loading {
		s.mu.Unlock()
		return nil
	}
	handle := s.handle
	s.handle = nil
	s.failure = nil
	change, err := s.transitionLocked(Unloaded, s.modelID, "")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(change)
	if handle != nil {
		return handle.Close()
	}
	return nil
}

func (s *Session) transitionLocked(to State, modelID, reason string) (Change, error) {
	from := s.state
	if !isValidTransition(from, to) {
		return Change{}, fmt.Errorf("invalid transition: %s -> %s", from, to)
	}
	s.state = to
	s.modelID = modelID
	return Change{From: from, To: to, ModelID: modelID, Reason: reason}, nil
}

func (s *Session) notify(change Change) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(change)
	}
}

// isValidTransition enforces the allowed session state machine edges.
func isValidTransition(from, to State) bool {
	switch from {
	case Unloaded:
		return to == Loading
	case Loading:
		return to == Ready || to == Error
	case Ready:
		return to == Loading || to == Unloaded
	case Error:
		return to == Loading || to == Unloaded
	default:
		return false
	}
}
