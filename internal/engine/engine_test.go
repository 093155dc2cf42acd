package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/actuator"
	"github.com/jtecio/smart-heating-optimizer/internal/clock"
	"github.com/jtecio/smart-heating-optimizer/internal/events"
	"github.com/jtecio/smart-heating-optimizer/internal/ha"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
	"github.com/jtecio/smart-heating-optimizer/internal/store"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

type fakeAcker struct {
	mu   sync.Mutex
	acks []setpoint.Ack
	err  error
}

func (f *fakeAcker) Acknowledge(_ context.Context, ack setpoint.Ack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ack)
	return f.err
}

func (f *fakeAcker) all() []setpoint.Ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]setpoint.Ack(nil), f.acks...)
}

type fixture struct {
	engine  *Engine
	clock   *clock.MockClock
	ha      *ha.MockClient
	router  *actuator.Router
	events  *events.Recorder
	acks    *fakeAcker
	metrics *metrics.Recorder
}

type fixtureOption func(*Deps)

func withConfigs(configs ...zone.Config) fixtureOption {
	return func(d *Deps) { d.Zones = zone.NewStore(configs) }
}

func withPersister(p Persister) fixtureOption {
	return func(d *Deps) { d.Persist = p }
}

// newFixture binds z1 and z2 to climate entities holding 19.0
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	f := &fixture{
		clock:   clock.NewMockClock(t0),
		ha:      ha.NewMockClient(),
		router:  actuator.NewRouter(),
		events:  events.NewRecorder(),
		acks:    &fakeAcker{},
		metrics: metrics.NewRecorder(),
	}
	for _, id := range []string{"z1", "z2"} {
		f.ha.SetClimate("climate."+id, 19.0)
		f.router.Bind(id, actuator.NewClimate(f.ha, "climate."+id))
	}

	deps := Deps{
		Clock:   f.clock,
		Zones:   zone.NewStore(nil),
		Router:  f.router,
		Acks:    f.acks,
		Events:  f.events,
		Metrics: f.metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	f.engine = New(deps, logger)
	t.Cleanup(f.engine.Shutdown)
	return f
}

func (f *fixture) setpoint(t *testing.T, zoneID string) float64 {
	t.Helper()
	state, err := f.ha.GetState("climate." + zoneID)
	require.NoError(t, err)
	v, ok := state.FloatAttribute("temperature")
	require.True(t, ok)
	return v
}

func (f *fixture) writes(zoneID string) []float64 {
	var temps []float64
	for _, call := range f.ha.GetServiceCalls() {
		if call.Domain == "climate" && call.Service == "set_temperature" && call.Data["entity_id"] == "climate."+zoneID {
			temps = append(temps, call.Data["temperature"].(float64))
		}
	}
	return temps
}

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

func pushCmd(zoneID string, temp float64) setpoint.Command {
	return setpoint.Command{ZoneID: zoneID, TargetTempC: temp, Reason: setpoint.DefaultReason, Source: setpoint.SourcePush}
}

func pollCmd(id, zoneID string, temp float64) setpoint.Command {
	return setpoint.Command{ZoneID: zoneID, TargetTempC: temp, Reason: setpoint.DefaultReason, Source: setpoint.SourcePoll, CommandID: id}
}

func TestSubmit_AppliesValidCommand(t *testing.T) {
	f := newFixture(t)

	cmd := pushCmd("z1", 21.0)
	cmd.Reason = "price-optimization"
	d := f.engine.Submit(context.Background(), cmd)

	assert.Equal(t, OutcomeApplied, d.Outcome)
	require.NotNil(t, d.PreviousTempC)
	assert.Equal(t, 19.0, *d.PreviousTempC)
	assert.Equal(t, []float64{21.0}, f.writes("z1"))
	assert.Equal(t, 21.0, f.setpoint(t, "z1"))

	applied, appliedAt, ok := f.engine.AppliedSetpoint("z1")
	require.True(t, ok)
	assert.Equal(t, 21.0, applied.TargetTempC)
	assert.Equal(t, t0, appliedAt)

	evs := f.events.OfType(events.TypeSetpointApplied)
	require.Len(t, evs, 1)
	assert.Equal(t, "z1", evs[0].ZoneID)
	assert.Equal(t, "climate.z1", evs[0].Actuator)
	assert.Equal(t, 21.0, evs[0].NewTempC)
	require.NotNil(t, evs[0].PreviousTempC)
	assert.Equal(t, 19.0, *evs[0].PreviousTempC)
	assert.Equal(t, "price-optimization", evs[0].Reason)

	assert.Empty(t, f.acks.all(), "push commands are never acknowledged")
	assert.Equal(t, 1, f.metrics.Count("setpoint.decision", "zone:z1", "source:push", "outcome:applied"))
}

func TestSubmit_SchedulesFutureCommand(t *testing.T) {
	f := newFixture(t)

	cmd := pushCmd("z1", 21.0)
	cmd.ValidFrom = at(5 * time.Minute)
	d := f.engine.Submit(context.Background(), cmd)

	assert.Equal(t, OutcomeScheduled, d.Outcome)
	assert.Equal(t, t0.Add(5*time.Minute), d.FireAt)
	assert.Empty(t, f.writes("z1"))

	pending, ok := f.engine.PendingSetpoint("z1")
	require.True(t, ok)
	assert.Equal(t, 21.0, pending.TargetTempC)

	status := f.engine.Status("z1")
	require.NotNil(t, status.PendingFireAt)
	assert.Equal(t, t0.Add(5*time.Minute), *status.PendingFireAt)

	f.clock.Advance(5*time.Minute - time.Second)
	assert.Empty(t, f.writes("z1"), "must not fire early")

	f.clock.Advance(time.Second)
	assert.Equal(t, []float64{21.0}, f.writes("z1"))

	_, ok = f.engine.PendingSetpoint("z1")
	assert.False(t, ok)
	applied, appliedAt, ok := f.engine.AppliedSetpoint("z1")
	require.True(t, ok)
	assert.Equal(t, 21.0, applied.TargetTempC)
	assert.Equal(t, t0.Add(5*time.Minute), appliedAt)
}

func TestBoost_DropsLaterCommands(t *testing.T) {
	f := newFixture(t)

	results, err := f.engine.Boost(context.Background(), "z1", 120*time.Minute, 2.0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 19.0, results[0].PreviousTempC)
	assert.Equal(t, 21.0, results[0].NewTempC)
	assert.Equal(t, t0.Add(120*time.Minute), results[0].Until)

	assert.Equal(t, []float64{21.0}, f.writes("z1"))
	assert.True(t, f.engine.IsBoosted("z1"))
	until, ok := f.engine.BoostUntil("z1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(120*time.Minute), until)
	require.Len(t, f.events.OfType(events.TypeBoostApplied), 1)

	f.clock.Advance(10 * time.Minute)
	d := f.engine.Submit(context.Background(), pollCmd("c1", "z1", 18.0))

	assert.Equal(t, OutcomeDropped, d.Outcome)
	assert.Equal(t, setpoint.DropBoosted, d.DropReason)
	assert.Equal(t, []float64{21.0}, f.writes("z1"))
	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", Applied: false, ErrorMessage: setpoint.DropBoosted}}, f.acks.all())

	// Once the boost expires commands flow again
	f.clock.Advance(111 * time.Minute)
	assert.False(t, f.engine.IsBoosted("z1"))
	d = f.engine.Submit(context.Background(), pushCmd("z1", 18.0))
	assert.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, []float64{21.0, 18.0}, f.writes("z1"))
}

func TestBoost_AllZones(t *testing.T) {
	f := newFixture(t)
	f.ha.SetClimate("climate.z2", 17.5)

	results, err := f.engine.Boost(context.Background(), "", 0, 1.5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, []float64{20.5}, f.writes("z1"))
	assert.Equal(t, []float64{19.0}, f.writes("z2"))
	until, ok := f.engine.BoostUntil("z2")
	require.True(t, ok)
	assert.Equal(t, t0.Add(DefaultBoostDuration), until)
}

func TestBoost_RequiresReadableSetpoint(t *testing.T) {
	f := newFixture(t)
	f.ha.RemoveState("climate.z1")

	results, err := f.engine.Boost(context.Background(), "z1", time.Hour, 2.0)
	require.Error(t, err)
	require.Len(t, results, 1)

	var applyErr *setpoint.ApplyFailedError
	require.ErrorAs(t, err, &applyErr)
	assert.Equal(t, setpoint.ReasonActuatorUnavailable, applyErr.Reason)
	assert.False(t, f.engine.IsBoosted("z1"))
	assert.Empty(t, f.writes("z1"))
}

func TestBoost_UnknownZone(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Boost(context.Background(), "attic", time.Hour, 2.0)
	require.Error(t, err)
	assert.ErrorIs(t, err, setpoint.ErrActuatorUnavailable)
}

func TestSetAwayMode_SnapshotsAndRestores(t *testing.T) {
	f := newFixture(t, withConfigs(
		zone.Config{ID: "z1", MinTempC: 16, TargetTempC: 20, AutoControl: true},
		zone.Config{ID: "z2", MinTempC: 16, TargetTempC: 20, AutoControl: true},
	))
	f.ha.SetClimate("climate.z1", 18.0)
	f.ha.SetClimate("climate.z2", 20.0)

	require.NoError(t, f.engine.SetAwayMode(context.Background(), true))

	assert.True(t, f.engine.IsAwayMode())
	assert.Equal(t, 16.0, f.setpoint(t, "z1"))
	assert.Equal(t, 16.0, f.setpoint(t, "z2"))
	snap := f.engine.AwaySnapshot()
	assert.True(t, snap.Active)
	assert.Equal(t, t0, snap.Since)
	assert.Equal(t, map[string]float64{"z1": 18.0, "z2": 20.0}, snap.Saved)

	// Enabling twice is a no-op
	require.NoError(t, f.engine.SetAwayMode(context.Background(), true))
	assert.Equal(t, []float64{16.0}, f.writes("z1"))

	require.NoError(t, f.engine.SetAwayMode(context.Background(), false))
	assert.False(t, f.engine.IsAwayMode())
	assert.Equal(t, 18.0, f.setpoint(t, "z1"))
	assert.Equal(t, 20.0, f.setpoint(t, "z2"))
	assert.Empty(t, f.engine.AwaySnapshot().Saved)

	// Disabling twice is a no-op
	require.NoError(t, f.engine.SetAwayMode(context.Background(), false))
	assert.Equal(t, []float64{16.0, 18.0}, f.writes("z1"))

	assert.Len(t, f.events.OfType(events.TypeAwayModeChanged), 4)
}

func TestSetAwayMode_FallsBackToTarget(t *testing.T) {
	f := newFixture(t, withConfigs(
		zone.Config{ID: "z1", MinTempC: 15, TargetTempC: 21, AutoControl: true},
	))

	// z1 has no readable setpoint when away mode starts
	f.ha.SetState("climate.z1", "heat", map[string]interface{}{})

	require.NoError(t, f.engine.SetAwayMode(context.Background(), true))
	assert.Equal(t, []float64{15.0}, f.writes("z1"))
	assert.NotContains(t, f.engine.AwaySnapshot().Saved, "z1")

	require.NoError(t, f.engine.SetAwayMode(context.Background(), false))
	assert.Equal(t, []float64{15.0, 21.0}, f.writes("z1"))

	// z2 has no config: default minimum, then its snapshot comes back
	assert.Equal(t, []float64{zone.DefaultMinTempC, 19.0}, f.writes("z2"))
}

func TestSetAwayMode_UsesUpdatedZoneConfig(t *testing.T) {
	f := newFixture(t)
	minTemp, target := 12.0, 21.5
	f.engine.UpdateZoneConfig("z1", zone.Update{MinTempC: &minTemp, TargetTempC: &target})

	require.NoError(t, f.engine.SetAwayMode(context.Background(), true))
	assert.Equal(t, 12.0, f.setpoint(t, "z1"))
	assert.Equal(t, zone.DefaultMinTempC, f.setpoint(t, "z2"))

	f.engine.UpdateZoneConfig("z1", zone.Update{Name: "Living room"})
	cfg, ok := f.engine.zones.Config("z1")
	require.True(t, ok)
	assert.Equal(t, zone.Config{ID: "z1", Name: "Living room", MinTempC: 12, TargetTempC: 21.5, AutoControl: true}, cfg)
}

func TestSetAwayMode_IsOverriddenByLaterCommand(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.SetAwayMode(context.Background(), true))
	d := f.engine.Submit(context.Background(), pushCmd("z1", 20.5))

	assert.Equal(t, OutcomeApplied, d.Outcome)
	assert.Equal(t, 20.5, f.setpoint(t, "z1"))
	assert.True(t, f.engine.IsAwayMode())
}

func TestSubmit_UnreachableActuatorAcksOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ha.Disconnect())

	d := f.engine.Submit(context.Background(), pollCmd("c1", "z1", 21.0))

	assert.Equal(t, OutcomeFailed, d.Outcome)
	var applyErr *setpoint.ApplyFailedError
	require.ErrorAs(t, d.Err, &applyErr)
	assert.Equal(t, setpoint.ReasonActuatorUnavailable, applyErr.Reason)

	acks := f.acks.all()
	require.Len(t, acks, 1)
	assert.Equal(t, "c1", acks[0].CommandID)
	assert.False(t, acks[0].Applied)
	assert.NotEmpty(t, acks[0].ErrorMessage)
	assert.Nil(t, acks[0].ActualTempC)

	_, _, ok := f.engine.AppliedSetpoint("z1")
	assert.False(t, ok)
	require.Len(t, f.events.OfType(events.TypeSetpointApplyFailed), 1)
}

func TestSubmit_UnboundZoneFails(t *testing.T) {
	f := newFixture(t)

	d := f.engine.Submit(context.Background(), pushCmd("attic", 21.0))

	assert.Equal(t, OutcomeFailed, d.Outcome)
	assert.ErrorIs(t, d.Err, setpoint.ErrActuatorUnavailable)
	evs := f.events.OfType(events.TypeSetpointApplyFailed)
	require.Len(t, evs, 1)
	assert.Equal(t, setpoint.ReasonActuatorUnavailable, evs[0].Error)
}

func TestSubmit_WriteRejected(t *testing.T) {
	f := newFixture(t)
	f.ha.SetServiceError("climate", "set_temperature", errors.New("entity busy"))

	d := f.engine.Submit(context.Background(), pollCmd("c1", "z1", 21.0))

	assert.Equal(t, OutcomeFailed, d.Outcome)
	var applyErr *setpoint.ApplyFailedError
	require.ErrorAs(t, d.Err, &applyErr)
	assert.Equal(t, "entity busy", applyErr.Reason)
	assert.Len(t, f.writes("z1"), 1, "no retries")
	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", ErrorMessage: "entity busy"}}, f.acks.all())
}

func TestSubmit_PreviousReadIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.ha.SetState("climate.z1", "heat", map[string]interface{}{"hvac_action": "idle"})

	d := f.engine.Submit(context.Background(), pollCmd("c1", "z1", 21.0))

	assert.Equal(t, OutcomeApplied, d.Outcome)
	assert.Nil(t, d.PreviousTempC)
	assert.Equal(t, []float64{21.0}, f.writes("z1"))

	actual := 21.0
	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", Applied: true, ActualTempC: &actual}}, f.acks.all())
}

func TestSubmit_AutoControlOffDrops(t *testing.T) {
	f := newFixture(t, withConfigs(zone.Config{ID: "z1", AutoControl: false}))

	d := f.engine.Submit(context.Background(), pollCmd("c1", "z1", 21.0))
	assert.Equal(t, OutcomeDropped, d.Outcome)
	assert.Equal(t, setpoint.DropAutoControlOff, d.DropReason)
	assert.Empty(t, f.writes("z1"))
	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", ErrorMessage: setpoint.DropAutoControlOff}}, f.acks.all())

	f.engine.SetAutoControl("z1", true)
	d = f.engine.Submit(context.Background(), pushCmd("z1", 21.0))
	assert.Equal(t, OutcomeApplied, d.Outcome)
}

func TestSubmit_ExpiredDrops(t *testing.T) {
	f := newFixture(t)

	cmd := pushCmd("z1", 21.0)
	cmd.ValidUntil = at(-time.Minute)
	d := f.engine.Submit(context.Background(), cmd)

	assert.Equal(t, OutcomeDropped, d.Outcome)
	assert.Equal(t, setpoint.DropExpired, d.DropReason)
	assert.Empty(t, f.writes("z1"))
}

func TestSubmit_ValidCommandSupersedesScheduled(t *testing.T) {
	f := newFixture(t)

	a := pollCmd("a", "z1", 22.0)
	a.ValidFrom = at(10 * time.Minute)
	assert.Equal(t, OutcomeScheduled, f.engine.Submit(context.Background(), a).Outcome)

	b := pollCmd("b", "z1", 20.0)
	assert.Equal(t, OutcomeApplied, f.engine.Submit(context.Background(), b).Outcome)

	_, ok := f.engine.PendingSetpoint("z1")
	assert.False(t, ok)
	assert.Equal(t, 0, f.clock.PendingTimers())

	f.clock.Advance(15 * time.Minute)
	assert.Equal(t, []float64{20.0}, f.writes("z1"), "A must never fire")

	actual := 20.0
	assert.Equal(t, []setpoint.Ack{
		{CommandID: "a", ErrorMessage: setpoint.DropSuperseded},
		{CommandID: "b", Applied: true, ActualTempC: &actual},
	}, f.acks.all())
}

func TestSubmit_LastScheduledWins(t *testing.T) {
	f := newFixture(t)

	a := pushCmd("z1", 22.0)
	a.ValidFrom = at(10 * time.Minute)
	b := pushCmd("z1", 20.0)
	b.ValidFrom = at(20 * time.Minute)

	f.engine.Submit(context.Background(), a)
	f.engine.Submit(context.Background(), b)

	f.clock.Advance(10 * time.Minute)
	assert.Empty(t, f.writes("z1"))

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, []float64{20.0}, f.writes("z1"))
}

func TestSubmit_RedeliveredScheduledCommandAcksOnce(t *testing.T) {
	f := newFixture(t)

	cmd := pollCmd("c1", "z1", 22.0)
	cmd.ValidFrom = at(5 * time.Minute)
	assert.Equal(t, OutcomeScheduled, f.engine.Submit(context.Background(), cmd).Outcome)

	f.clock.Advance(time.Minute)
	d := f.engine.Submit(context.Background(), cmd)
	assert.Equal(t, OutcomeScheduled, d.Outcome)
	assert.Equal(t, t0.Add(5*time.Minute), d.FireAt)
	assert.Equal(t, 1, f.clock.PendingTimers())
	assert.Empty(t, f.acks.all())

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, []float64{22.0}, f.writes("z1"))

	actual := 22.0
	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", Applied: true, ActualTempC: &actual}}, f.acks.all())
	assert.Equal(t, 0, f.metrics.Count("setpoint.superseded", "zone:z1"))
}

func TestSubmit_RedeliveryWithNewStartReschedules(t *testing.T) {
	f := newFixture(t)

	cmd := pollCmd("c1", "z1", 22.0)
	cmd.ValidFrom = at(5 * time.Minute)
	f.engine.Submit(context.Background(), cmd)

	moved := cmd
	moved.ValidFrom = at(10 * time.Minute)
	d := f.engine.Submit(context.Background(), moved)
	assert.Equal(t, t0.Add(10*time.Minute), d.FireAt)

	f.clock.Advance(5 * time.Minute)
	assert.Empty(t, f.writes("z1"))

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, []float64{22.0}, f.writes("z1"))

	acks := f.acks.all()
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Applied)
}

func TestSubmit_RedeliveryBecomingValidAppliesOnce(t *testing.T) {
	f := newFixture(t)

	cmd := pollCmd("c1", "z1", 22.0)
	cmd.ValidFrom = at(5 * time.Minute)
	f.engine.Submit(context.Background(), cmd)

	now := cmd
	now.ValidFrom = nil
	assert.Equal(t, OutcomeApplied, f.engine.Submit(context.Background(), now).Outcome)
	assert.Equal(t, 0, f.clock.PendingTimers())

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, []float64{22.0}, f.writes("z1"))

	acks := f.acks.all()
	require.Len(t, acks, 1)
	assert.Equal(t, "c1", acks[0].CommandID)
	assert.True(t, acks[0].Applied)
}

func TestSubmit_DroppedRedeliveryClearsPendingCopy(t *testing.T) {
	f := newFixture(t)

	cmd := pollCmd("c1", "z1", 22.0)
	cmd.ValidFrom = at(5 * time.Minute)
	f.engine.Submit(context.Background(), cmd)

	f.engine.SetAutoControl("z1", false)
	assert.Equal(t, OutcomeDropped, f.engine.Submit(context.Background(), cmd).Outcome)

	_, ok := f.engine.PendingSetpoint("z1")
	assert.False(t, ok)
	f.clock.Advance(10 * time.Minute)

	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", ErrorMessage: setpoint.DropAutoControlOff}}, f.acks.all())
}

func TestSubmit_ZonesScheduleIndependently(t *testing.T) {
	f := newFixture(t)

	a := pushCmd("z1", 22.0)
	a.ValidFrom = at(5 * time.Minute)
	b := pushCmd("z2", 18.0)
	b.ValidFrom = at(5 * time.Minute)
	f.engine.Submit(context.Background(), a)
	f.engine.Submit(context.Background(), b)

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, []float64{22.0}, f.writes("z1"))
	assert.Equal(t, []float64{18.0}, f.writes("z2"))
}

func TestFire_RechecksExpiry(t *testing.T) {
	f := newFixture(t)

	cmd := pollCmd("c1", "z1", 21.0)
	cmd.ValidFrom = at(5 * time.Minute)
	cmd.ValidUntil = at(7 * time.Minute)
	f.engine.Submit(context.Background(), cmd)

	// The clock jumps past the whole window before the timer runs
	f.clock.Advance(10 * time.Minute)

	assert.Empty(t, f.writes("z1"))
	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", ErrorMessage: setpoint.DropExpired}}, f.acks.all())
}

func TestFire_BoostWinsOverScheduled(t *testing.T) {
	f := newFixture(t)

	cmd := pollCmd("c1", "z1", 23.0)
	cmd.ValidFrom = at(5 * time.Minute)
	f.engine.Submit(context.Background(), cmd)

	_, err := f.engine.Boost(context.Background(), "z1", time.Hour, 2.0)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, []float64{21.0}, f.writes("z1"))
	assert.Equal(t, []setpoint.Ack{{CommandID: "c1", ErrorMessage: setpoint.DropBoosted}}, f.acks.all())
}

func TestShutdown_CancelsTimers(t *testing.T) {
	f := newFixture(t)

	cmd := pushCmd("z1", 21.0)
	cmd.ValidFrom = at(5 * time.Minute)
	f.engine.Submit(context.Background(), cmd)

	f.engine.Shutdown()
	f.clock.Advance(10 * time.Minute)
	assert.Empty(t, f.writes("z1"))

	later := pushCmd("z2", 21.0)
	later.ValidFrom = at(20 * time.Minute)
	d := f.engine.Submit(context.Background(), later)
	assert.Equal(t, OutcomeDropped, d.Outcome)
	assert.Equal(t, setpoint.DropShutdown, d.DropReason)
}

func TestAckFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.acks.err = errors.New("optimizer unreachable")

	d := f.engine.Submit(context.Background(), pollCmd("c1", "z1", 21.0))

	assert.Equal(t, OutcomeApplied, d.Outcome)
	assert.Len(t, f.acks.all(), 1)
	assert.Equal(t, 1, f.metrics.Count("setpoint.ack_failed", "zone:z1"))
}

func TestSubmit_DuplicateDeliveryConverges(t *testing.T) {
	f := newFixture(t)

	cmd := pushCmd("z1", 21.0)
	f.engine.Submit(context.Background(), cmd)
	f.engine.Submit(context.Background(), cmd)

	applied, _, ok := f.engine.AppliedSetpoint("z1")
	require.True(t, ok)
	assert.Equal(t, 21.0, applied.TargetTempC)
	assert.Equal(t, 21.0, f.setpoint(t, "z1"))
}

func TestSubmit_ConcurrentSameZone(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f.engine.Submit(context.Background(), pushCmd("z1", 15.0+float64(i)/2))
		}(i)
	}
	wg.Wait()

	applied, _, ok := f.engine.AppliedSetpoint("z1")
	require.True(t, ok)
	writes := f.writes("z1")
	require.Len(t, writes, 20)
	assert.Equal(t, writes[len(writes)-1], applied.TargetTempC, "applied state follows the last write")
	assert.Equal(t, applied.TargetTempC, f.setpoint(t, "z1"))
}

func TestStatusAndZoneIDs(t *testing.T) {
	f := newFixture(t, withConfigs(zone.Config{ID: "z3", Name: "Attic", AutoControl: true}))

	assert.Equal(t, []string{"z1", "z2", "z3"}, f.engine.ZoneIDs())

	status := f.engine.Status("z3")
	assert.Equal(t, "Attic", status.Name)
	assert.True(t, status.AutoControl)
	assert.Empty(t, status.Actuator)
	assert.Nil(t, status.Applied)

	f.engine.Submit(context.Background(), pushCmd("z1", 21.0))
	status = f.engine.Status("z1")
	assert.Equal(t, "climate.z1", status.Actuator)
	require.NotNil(t, status.Applied)
	assert.False(t, status.Boosted)
}

func TestRestore(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()
	repo := store.NewRepository(db)

	first := newFixture(t, withPersister(repo))
	first.engine.Submit(context.Background(), pollCmd("c1", "z1", 21.5))
	_, err = first.engine.Boost(context.Background(), "z2", time.Hour, 1.0)
	require.NoError(t, err)
	require.NoError(t, first.engine.SetAwayMode(context.Background(), true))
	first.engine.Shutdown()

	second := newFixture(t, withPersister(repo))
	require.NoError(t, second.engine.Restore(context.Background()))

	applied, appliedAt, ok := second.engine.AppliedSetpoint("z1")
	require.True(t, ok)
	assert.Equal(t, 21.5, applied.TargetTempC)
	assert.Equal(t, "c1", applied.CommandID)
	assert.True(t, t0.Equal(appliedAt))

	assert.True(t, second.engine.IsBoosted("z2"))
	assert.True(t, second.engine.IsAwayMode())
	assert.Equal(t, map[string]float64{"z1": 21.5, "z2": 20.0}, second.engine.AwaySnapshot().Saved)

	// A boost that expired while down is ignored
	third := newFixture(t, withPersister(repo))
	third.clock.Advance(2 * time.Hour)
	require.NoError(t, third.engine.Restore(context.Background()))
	assert.False(t, third.engine.IsBoosted("z2"))
}

type failingPersister struct{}

func (failingPersister) SaveZone(context.Context, store.ZoneRecord, time.Time) error {
	return fmt.Errorf("disk full")
}
func (failingPersister) LoadZones(context.Context) ([]store.ZoneRecord, error) {
	return nil, fmt.Errorf("disk full")
}
func (failingPersister) SaveAway(context.Context, zone.AwaySnapshot) error { return fmt.Errorf("disk full") }
func (failingPersister) LoadAway(context.Context) (zone.AwaySnapshot, error) {
	return zone.AwaySnapshot{}, fmt.Errorf("disk full")
}

func TestPersistenceFailureDoesNotBlockApply(t *testing.T) {
	f := newFixture(t, withPersister(failingPersister{}))

	d := f.engine.Submit(context.Background(), pushCmd("z1", 21.0))
	assert.Equal(t, OutcomeApplied, d.Outcome)
	assert.Error(t, f.engine.Restore(context.Background()))
}
