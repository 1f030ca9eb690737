// Package presence advertises a running sidecar on the bus so hosts can
// discover it and watch its model state.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/loqalabs/loqa-asr-sidecar/internal/bus"
	"github.com/loqalabs/loqa-asr-sidecar/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Info is the static part of an announcement.
type Info struct {
	RunID     string
	ModelID   string
	Engine    string
	Languages []string
}

// StateFunc reports the current model state, for example "ready".
type StateFunc func() string

type Announcer struct {
	info     Info
	state    StateFunc
	bus      *bus.Client
	log      *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sub    *nats.Subscription

	mu         sync.Mutex
	heartbeats int64
	reg        metric.Registration
}

// Start announces the sidecar, answers discovery pings and, when interval is
// positive, publishes a heartbeat carrying the model state on every tick.
func Start(ctx context.Context, client *bus.Client, info Info, state StateFunc, interval time.Duration, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		info:     info,
		state:    state,
		bus:      client,
		log:      log.With(slog.String("component", "presence")),
		interval: interval,
		cancel:   cancel,
	}

	sub, err := client.Conn().Subscribe(client.Subject(protocol.SubjectPing), a.handlePing)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe ping: %w", err)
	}
	a.sub = sub

	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := client.Publish(protocol.SubjectAnnounce, a.announcement()); err != nil {
		a.log.Warn("failed to announce sidecar", slog.String("error", err.Error()))
	}

	if interval > 0 {
		a.wg.Add(1)
		go a.runHeartbeat(ctx)
	}
	return a, nil
}

func (a *Announcer) Close() {
	if a == nil {
		return
	}
	a.cancel()
	a.wg.Wait()
	if a.sub != nil {
		_ = a.sub.Drain()
	}
	if a.reg != nil {
		_ = a.reg.Unregister()
	}
}

// Heartbeats is the number of heartbeats published so far.
func (a *Announcer) Heartbeats() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.heartbeats
}

func (a *Announcer) runHeartbeat(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) publishHeartbeat() error {
	msg := protocol.Heartbeat{
		RunID:     a.info.RunID,
		State:     a.state(),
		Timestamp: time.Now().UTC(),
	}
	if err := a.bus.Publish(protocol.SubjectHeartbeat+"."+a.info.RunID, msg); err != nil {
		return err
	}
	a.mu.Lock()
	a.heartbeats++
	a.mu.Unlock()
	return nil
}

func (a *Announcer) announcement() protocol.Announcement {
	return protocol.Announcement{
		RunID:     a.info.RunID,
		ModelID:   a.info.ModelID,
		Engine:    a.info.Engine,
		Languages: a.info.Languages,
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC(),
	}
}

func (a *Announcer) handlePing(msg *nats.Msg) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(a.announcement())
	if err != nil {
		a.log.Warn("failed to encode announcement", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		a.log.Warn("failed to answer ping", slog.String("error", err.Error()))
	}
}

func (a *Announcer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-asr-sidecar/presence")
	gauge, err := meter.Int64ObservableGauge("asr_sidecar_heartbeats",
		metric.WithDescription("Heartbeats published by this sidecar"))
	if err != nil {
		return err
	}
	a.reg, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, a.Heartbeats())
		return nil
	}, gauge)
	return err
}
