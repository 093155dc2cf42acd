// Package events carries local notifications about setpoint changes to the
// Home Assistant event bus, MQTT status topics and metrics.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a kind of event
type Type string

const (
	TypeSetpointApplied     Type = "setpoint_applied"
	TypeSetpointApplyFailed Type = "setpoint_apply_failed"
	TypeBoostApplied        Type = "boost_applied"
	TypeAwayModeChanged     Type = "away_mode_changed"
)

// Event describes one change made (or attempted) on a zone actuator
type Event struct {
	ID       string
	Type     Type
	Time     time.Time
	ZoneID   string
	Actuator string

	NewTempC        float64
	PreviousTempC   *float64
	Reason          string
	ExpectedSavings *float64
	ValidUntil      *time.Time

	Source    string
	CommandID string
	Outcome   string
	Error     string
}

// Emitter accepts events. Implementations must not block on I/O.
type Emitter interface {
	Emit(e Event)
}

// Sink handles events delivered by the Bus
type Sink interface {
	Name() string
	Handle(ctx context.Context, e Event) error
}

// Bus fans events out to sinks from a single background worker
type Bus struct {
	logger *zap.Logger
	ch     chan Event

	mu      sync.RWMutex
	sinks   []Sink
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewBus creates a bus holding up to buffer undelivered events
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		logger: logger.Named("events"),
		ch:     make(chan Event, buffer),
	}
}

// AddSink registers a sink. Sinks added after Start still receive events.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit queues the event, dropping it when the buffer is full
func (b *Bus) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.ch <- e:
	default:
		b.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(e.Type)),
			zap.String("zone_id", e.ZoneID))
	}
}

// Start launches the delivery worker
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range b.ch {
			b.deliver(ctx, e)
		}
	}()
}

func (b *Bus) deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Handle(ctx, e); err != nil {
			b.logger.Warn("Event sink failed",
				zap.String("sink", s.Name()),
				zap.String("type", string(e.Type)),
				zap.String("zone_id", e.ZoneID),
				zap.Error(err))
		}
	}
}

// Stop drains queued events and waits for the worker to exit
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.ch)
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Wait()
	}
}

// Recorder is a synchronous Emitter for tests
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns everything emitted so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
