// Package engine arbitrates setpoint commands from the push and poll channels
// against local overrides (boost, away mode, auto-control opt-out), schedules
// commands whose validity window opens later, applies the winner to the
// zone's actuator and reports the outcome upstream.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/actuator"
	"github.com/jtecio/smart-heating-optimizer/internal/clock"
	"github.com/jtecio/smart-heating-optimizer/internal/events"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/scheduler"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
	"github.com/jtecio/smart-heating-optimizer/internal/store"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"go.uber.org/zap"
)

const (
	DefaultBoostDuration = 120 * time.Minute
	DefaultBoostDeltaC   = 2.0
	DefaultApplyTimeout  = 30 * time.Second
)

// Acknowledger reports command outcomes to the optimizer
type Acknowledger interface {
	Acknowledge(ctx context.Context, ack setpoint.Ack) error
}

// Persister stores the state that must survive a restart
type Persister interface {
	SaveZone(ctx context.Context, rec store.ZoneRecord, updatedAt time.Time) error
	LoadZones(ctx context.Context) ([]store.ZoneRecord, error)
	SaveAway(ctx context.Context, snap zone.AwaySnapshot) error
	LoadAway(ctx context.Context) (zone.AwaySnapshot, error)
}

// Deps are the collaborators of an Engine. Clock, Zones and Router are
// required; the rest fall back to no-ops.
type Deps struct {
	Clock   clock.Clock
	Zones   *zone.Store
	Router  *actuator.Router
	Acks    Acknowledger
	Events  events.Emitter
	Persist Persister
	Metrics metrics.Client

	// ApplyTimeout bounds a single read-then-write against an actuator
	ApplyTimeout time.Duration
}

type noopAcks struct{}

func (noopAcks) Acknowledge(context.Context, setpoint.Ack) error { return nil }

type noopEvents struct{}

func (noopEvents) Emit(events.Event) {}

// Engine owns every zone's control state and the away-mode snapshot
type Engine struct {
	clock     clock.Clock
	zones     *zone.Store
	scheduler *scheduler.Scheduler
	router    *actuator.Router
	acks      Acknowledger
	events    events.Emitter
	persist   Persister
	metrics   metrics.Client
	logger    *zap.Logger

	applyTimeout time.Duration

	// ctx is the parent of scheduled activations; Shutdown cancels it
	ctx    context.Context
	cancel context.CancelFunc

	awayMu sync.Mutex
	away   zone.AwaySnapshot
}

// New creates an engine
func New(deps Deps, logger *zap.Logger) *Engine {
	logger = logger.Named("engine")

	e := &Engine{
		clock:        deps.Clock,
		zones:        deps.Zones,
		scheduler:    scheduler.New(deps.Clock, logger),
		router:       deps.Router,
		acks:         deps.Acks,
		events:       deps.Events,
		persist:      deps.Persist,
		metrics:      deps.Metrics,
		logger:       logger,
		applyTimeout: deps.ApplyTimeout,
	}
	if e.acks == nil {
		e.acks = noopAcks{}
	}
	if e.events == nil {
		e.events = noopEvents{}
	}
	if e.metrics == nil {
		e.metrics = metrics.Noop{}
	}
	if e.applyTimeout <= 0 {
		e.applyTimeout = DefaultApplyTimeout
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Restore reloads persisted boosts, applied commands and away mode. Boosts
// that expired while the process was down are ignored.
func (e *Engine) Restore(ctx context.Context) error {
	if e.persist == nil {
		return nil
	}

	records, err := e.persist.LoadZones(ctx)
	if err != nil {
		return fmt.Errorf("load zone state: %w", err)
	}

	now := e.clock.Now()
	for _, rec := range records {
		st, unlock := e.zones.Lock(rec.ZoneID)
		if rec.BoostUntil != nil && now.Before(*rec.BoostUntil) {
			until := *rec.BoostUntil
			st.BoostUntil = &until
		}
		if rec.Applied != nil {
			applied := rec.Applied.Clone()
			st.Applied = &applied
			st.AppliedAt = rec.AppliedAt
		}
		unlock()
	}

	away, err := e.persist.LoadAway(ctx)
	if err != nil {
		return fmt.Errorf("load away state: %w", err)
	}

	e.awayMu.Lock()
	e.away = away
	e.awayMu.Unlock()

	e.logger.Info("Restored engine state",
		zap.Int("zones", len(records)),
		zap.Bool("away_mode", away.Active))
	return nil
}

// Shutdown cancels every scheduled activation and in-flight actuator call
func (e *Engine) Shutdown() {
	e.scheduler.Stop()
	e.cancel()
	e.logger.Info("Engine stopped")
}

// ZoneIDs lists every zone that is configured, bound to an actuator, or has
// received a command
func (e *Engine) ZoneIDs() []string {
	seen := make(map[string]struct{})
	for _, id := range e.zones.IDs() {
		seen[id] = struct{}{}
	}
	for _, id := range e.router.Zones() {
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) persistZone(ctx context.Context, zoneID string, st *zone.ControlState) {
	if e.persist == nil {
		return
	}

	rec := store.ZoneRecord{
		ZoneID:     zoneID,
		BoostUntil: st.BoostUntil,
		Applied:    st.Applied,
		AppliedAt:  st.AppliedAt,
	}
	if err := e.persist.SaveZone(context.WithoutCancel(ctx), rec, e.clock.Now()); err != nil {
		e.logger.Warn("Failed to persist zone state", zap.String("zone_id", zoneID), zap.Error(err))
	}
}

func (e *Engine) persistAway(ctx context.Context, snap zone.AwaySnapshot) {
	if e.persist == nil {
		return
	}
	if err := e.persist.SaveAway(context.WithoutCancel(ctx), snap); err != nil {
		e.logger.Warn("Failed to persist away mode", zap.Error(err))
	}
}
