package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-asr-sidecar/internal/config"
	"github.com/loqalabs/loqa-asr-sidecar/internal/eventstore"
	"github.com/loqalabs/loqa-asr-sidecar/internal/protocol"
	"github.com/loqalabs/loqa-asr-sidecar/internal/session"
	"github.com/loqalabs/loqa-asr-sidecar/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-asr-sidecar/internal/sidecar"

// Recorder persists handled requests.
type Recorder interface {
	Append(ctx context.Context, rec eventstore.Record) error
}

// Publisher broadcasts events to interested listeners.
type Publisher interface {
	Publish(subject string, v any) error
}

// Hooks are optional side channels of a Server. Nil members are skipped.
type Hooks struct {
	RunID     string
	Recorder  Recorder
	Publisher Publisher
}

// Server owns the stdio request loop. Requests are handled one at a time and
// each produces exactly one response line.
type Server struct {
	cfg        config.SidecarConfig
	session    *session.Session
	dispatcher *Dispatcher
	hooks      Hooks
	logger     *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	seq      int64
}

func NewServer(cfg config.SidecarConfig, sess *session.Session, hooks Hooks, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:        cfg,
		session:    sess,
		dispatcher: NewDispatcher(cfg, sess, logger),
		hooks:      hooks,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	s.requests, err = meter.Int64Counter("asr_sidecar_requests_total",
		metric.WithDescription("Requests handled by the sidecar"))
	if err != nil {
		logger.Warn("failed to create request counter", slog.String("error", err.Error()))
		s.requests, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("asr_sidecar_requests_total")
	}
	s.latency, err = meter.Float64Histogram("asr_sidecar_request_duration_seconds",
		metric.WithDescription("Time spent handling one request"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create latency histogram", slog.String("error", err.Error()))
		s.latency, _ = noop.NewMeterProvider().Meter(instrumentationName).Float64Histogram("asr_sidecar_request_duration_seconds")
	}
	return s
}

// Dispatcher returns the dispatcher used by the loop.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Run writes the readiness line and serves requests from in until shutdown or
// end of input, both of which return nil. Read and write failures return an
// error, as does a failed eager load.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w := transport.NewWriter(out)

	if s.cfg.EagerLoad {
		if _, err := s.session.Load(ctx, s.cfg.ModelID, false); err != nil {
			if werr := w.Write(protocol.Fail(LoadFailureMessage(err))); werr != nil {
				s.logger.Error("failed to report eager load failure", slog.String("error", werr.Error()))
			}
			return fmt.Errorf("eager load: %w", err)
		}
	}

	if err := w.Write(protocol.WithStatus(protocol.StatusReady)); err != nil {
		return fmt.Errorf("write readiness: %w", err)
	}
	s.logger.Info("sidecar ready", slog.String("model", s.cfg.ModelID), slog.String("run_id", s.hooks.RunID))

	r := transport.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("sidecar stopping", slog.String("reason", err.Error()))
			return nil
		}
		line, err := r.Next()
		if errors.Is(err, io.EOF) {
			s.logger.Info("input closed")
			return nil
		}
		if err != nil {
			if werr := w.Write(protocol.Fail(err.Error())); werr != nil {
				s.logger.Error("failed to report read failure", slog.String("error", werr.Error()))
			}
			return err
		}

		outcome, err := s.handle(ctx, line, w)
		if err != nil {
			return err
		}
		if outcome.Stop {
			s.logger.Info("shutdown requested")
			return nil
		}
	}
}

// handle dispatches one line and writes its response before the audit and
// bus work runs.
func (s *Server) handle(ctx context.Context, line []byte, w *transport.Writer) (Outcome, error) {
	s.seq++
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "sidecar.request")
	defer span.End()

	outcome := s.dispatcher.Dispatch(ctx, line)
	elapsed := time.Since(start)
	if err := w.Write(outcome.Response); err != nil {
		span.RecordError(err)
		return outcome, err
	}

	attrs := []attribute.KeyValue{
		attribute.String("command", commandLabel(outcome.Command)),
		attribute.Bool("ok", outcome.Response.OK),
	}
	span.SetAttributes(attrs...)
	if outcome.Err != nil {
		span.RecordError(outcome.Err)
		span.SetStatus(codes.Error, outcome.Response.Error)
		s.logger.Warn("request failed",
			slog.String("command", outcome.Command),
			slog.String("error", outcome.Err.Error()))
	} else {
		s.logger.Debug("request handled", slog.String("command", outcome.Command), slog.Duration("elapsed", elapsed))
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	s.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attrs...))

	s.record(ctx, outcome, elapsed)
	if outcome.Transcript != nil && s.hooks.Publisher != nil {
		outcome.Transcript.RunID = s.hooks.RunID
		if err := s.hooks.Publisher.Publish(protocol.SubjectTranscriptFinal, outcome.Transcript); err != nil {
			s.logger.Warn("failed to publish transcript", slog.String("error", err.Error()))
		}
	}
	return outcome, nil
}

func (s *Server) record(ctx context.Context, outcome Outcome, elapsed time.Duration) {
	if s.hooks.Recorder == nil {
		return
	}
	payload, err := json.Marshal(outcome.Response)
	if err != nil {
		s.logger.Warn("failed to encode response for audit", slog.String("error", err.Error()))
	}
	rec := eventstore.Record{
		RunID:    s.hooks.RunID,
		Seq:      s.seq,
		Command:  outcome.Command,
		OK:       outcome.Response.OK,
		Error:    outcome.Response.Error,
		Latency:  elapsed,
		Response: payload,
	}
	if err := s.hooks.Recorder.Append(ctx, rec); err != nil {
		s.logger.Warn("failed to record request", slog.String("error", err.Error()))
	}
}

// commandLabel bounds metric cardinality to the known commands.
func commandLabel(command string) string {
	switch command {
	case protocol.CommandLoadModel, protocol.CommandTranscribe, protocol.CommandHealth, protocol.CommandShutdown:
		return command
	case "":
		return "none"
	default:
		return "unknown"
	}
}
