package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr-sidecar/internal/batch"
	"github.com/loqalabs/loqa-asr-sidecar/internal/bus"
	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/engine"
	"github.com/loqalabs/loqa-asr-sidecar/internal/eventstore"
	"github.com/loqalabs/loqa-asr-sidecar/internal/natsserver"
	"github.com/loqalabs/loqa-asr-sidecar/internal/presence"
	"github.com/loqalabs/loqa-asr-sidecar/internal/protocol"
	"github.com/loqalabs/loqa-asr-sidecar/internal/session"
	"github.com/loqalabs/loqa-asr-sidecar/internal/sidecar"
)

// Runtime wires the sidecar's components from configuration and owns their
// lifecycle.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	runID  string

	engine   engine.Engine
	session  *session.Session
	store    *eventstore.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	presence *presence.Announcer

	httpServer     *http.Server
	httpAddr       string
	metricsHandler http.Handler
	telemetryClose func(context.Context) error
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		runID:  uuid.NewString(),
	}
}

// Start brings up telemetry, the event store, the optional bus, the engine and
// the HTTP side-server. traceOut receives spans when tracing is enabled
// without an OTLP endpoint.
func (r *Runtime) Start(ctx context.Context, traceOut io.Writer) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.component("eventstore"))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	if err := r.store.StartRun(ctx, r.runID, r.cfg.Sidecar.ModelID); err != nil {
		r.logger.Warn("failed to register run", slog.String("error", err.Error()))
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	r.engine, err = engine.New(r.cfg.Engine, r.component("engine"))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	r.session = session.New(r.engine, r.component("session"))
	if r.bus != nil {
		r.session.OnChange(r.publishModelState)
		info := presence.Info{
			RunID:     r.runID,
			ModelID:   r.cfg.Sidecar.ModelID,
			Engine:    r.cfg.Engine.Mode,
			Languages: r.cfg.Engine.SupportedLanguages,
		}
		interval := time.Duration(r.cfg.Bus.HeartbeatInterval) * time.Millisecond
		r.presence, err = presence.Start(ctx, r.bus, info, r.modelState, interval, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
	}

	if r.cfg.HTTP.Enabled {
		if err := r.startHTTP(); err != nil {
			return err
		}
	}

	r.logger.Info("runtime started",
		slog.String("run_id", r.runID),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.String("model", r.cfg.Sidecar.ModelID))
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.component("natsserver"))
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.component("bus"))
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

func (r *Runtime) startHTTP() error {
	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.httpAddr = listener.Addr().String()
	r.httpServer = &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http side-server listening", slog.String("addr", r.httpAddr))
	return nil
}

// Handler serves /healthz, /readyz and, when available, /metrics.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	return mux
}

// HTTPAddr is the bound side-server address, empty when disabled.
func (r *Runtime) HTTPAddr() string {
	return r.httpAddr
}

func (r *Runtime) RunID() string {
	return r.runID
}

func (r *Runtime) Session() *session.Session {
	return r.session
}

// Server builds the stdio request loop on top of the runtime's session.
func (r *Runtime) Server() *sidecar.Server {
	hooks := sidecar.Hooks{RunID: r.runID}
	if r.store.Enabled() {
		hooks.Recorder = r.store
	}
	if r.bus != nil {
		hooks.Publisher = r.bus
	}
	return sidecar.NewServer(r.cfg.Sidecar, r.session, hooks, r.component("sidecar"))
}

// Batch builds the one-shot runner.
func (r *Runtime) Batch() *batch.Runner {
	return batch.NewRunner(r.engine, r.cfg.Sidecar.ModelID, r.cfg.Batch, r.component("batch"))
}

// Close releases everything Start acquired. It is safe after a partial Start.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		r.wg.Wait()
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}
	r.presence.Close()
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) publishModelState(change session.Change) {
	msg := protocol.ModelState{
		RunID:     r.runID,
		ModelID:   change.ModelID,
		State:     change.To.String(),
		Reason:    change.Reason,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.Publish(protocol.SubjectModelState, msg); err != nil {
		r.logger.Warn("failed to publish model state", slog.String("error", err.Error()))
	}
}

func (r *Runtime) modelState() string {
	return r.session.State().String()
}

func (r *Runtime) component(name string) *slog.Logger {
	return r.logger.With(slog.String("component", name))
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.session != nil && r.session.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
