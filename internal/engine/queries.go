package engine

import (
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"
)

// ZoneStatus is a point-in-time view of one zone
type ZoneStatus struct {
	ZoneID      string
	Name        string
	Actuator    string
	AutoControl bool

	Applied   *setpoint.Command
	AppliedAt time.Time

	Pending       *setpoint.Command
	PendingFireAt *time.Time

	Boosted    bool
	BoostUntil *time.Time
}

// Status returns the zone's current state
func (e *Engine) Status(zoneID string) ZoneStatus {
	cfg, _ := e.zones.Config(zoneID)
	status := ZoneStatus{
		ZoneID:      zoneID,
		Name:        cfg.Name,
		AutoControl: cfg.AutoControl,
	}

	if act, err := e.router.Lookup(zoneID); err == nil {
		status.Actuator = act.Ref()
	}

	st, ok := e.zones.Snapshot(zoneID)
	if !ok {
		return status
	}

	status.AutoControl = st.AutoControl
	status.Applied = st.Applied
	status.AppliedAt = st.AppliedAt
	status.Pending = st.Pending
	if st.Pending != nil {
		if at, ok := e.scheduler.FireAt(zoneID); ok {
			status.PendingFireAt = &at
		}
	}
	if st.Boosted(e.clock.Now()) {
		status.Boosted = true
		status.BoostUntil = st.BoostUntil
	}
	return status
}

// AppliedSetpoint returns the command last written to the zone's actuator
func (e *Engine) AppliedSetpoint(zoneID string) (setpoint.Command, time.Time, bool) {
	st, ok := e.zones.Snapshot(zoneID)
	if !ok || st.Applied == nil {
		return setpoint.Command{}, time.Time{}, false
	}
	return *st.Applied, st.AppliedAt, true
}

// PendingSetpoint returns the command waiting for its validity window
func (e *Engine) PendingSetpoint(zoneID string) (setpoint.Command, bool) {
	st, ok := e.zones.Snapshot(zoneID)
	if !ok || st.Pending == nil {
		return setpoint.Command{}, false
	}
	return *st.Pending, true
}

// IsBoosted reports whether a boost is currently in force for the zone
func (e *Engine) IsBoosted(zoneID string) bool {
	st, ok := e.zones.Snapshot(zoneID)
	return ok && st.Boosted(e.clock.Now())
}

// BoostUntil returns the expiry of an active boost
func (e *Engine) BoostUntil(zoneID string) (time.Time, bool) {
	st, ok := e.zones.Snapshot(zoneID)
	if !ok || !st.Boosted(e.clock.Now()) {
		return time.Time{}, false
	}
	return *st.BoostUntil, true
}

func (e *Engine) IsAwayMode() bool {
	e.awayMu.Lock()
	defer e.awayMu.Unlock()
	return e.away.Active
}

// AwaySnapshot returns a copy of the away-mode record
func (e *Engine) AwaySnapshot() zone.AwaySnapshot {
	e.awayMu.Lock()
	defer e.awayMu.Unlock()
	return e.away.Clone()
}
