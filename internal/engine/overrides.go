package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/events"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"go.uber.org/zap"
)

// ErrNoZones is returned by overrides that target every zone when none is bound
var ErrNoZones = errors.New("no zones bound to an actuator")

// BoostResult is the per-zone outcome of Boost
type BoostResult struct {
	ZoneID        string
	PreviousTempC float64
	NewTempC      float64
	Until         time.Time
	Err           error
}

// Boost raises the setpoint of one zone, or every bound zone when zoneID is
// empty, by deltaC for duration. It bypasses arbitration; while the boost is
// in force every incoming command for the zone is dropped.
func (e *Engine) Boost(ctx context.Context, zoneID string, duration time.Duration, deltaC float64) ([]BoostResult, error) {
	if duration <= 0 {
		duration = DefaultBoostDuration
	}

	targets := []string{zoneID}
	if zoneID == "" {
		targets = e.router.Zones()
	}
	if len(targets) == 0 {
		return nil, ErrNoZones
	}

	var (
		results []BoostResult
		errs    []error
	)
	for _, id := range targets {
		r := e.boostZone(ctx, id, duration, deltaC)
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("zone %s: %w", id, r.Err))
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func (e *Engine) boostZone(ctx context.Context, zoneID string, duration time.Duration, deltaC float64) BoostResult {
	result := BoostResult{ZoneID: zoneID}

	st, unlock := e.zones.Lock(zoneID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	act, err := e.router.Lookup(zoneID)
	if err != nil {
		result.Err = setpoint.NewApplyFailed(err)
		return result
	}

	// Unlike command application, boost is relative and needs the current value
	current, err := act.ReadSetpoint(ctx)
	if err != nil {
		result.Err = setpoint.NewApplyFailed(err)
		e.logger.Warn("Boost failed, cannot read current setpoint", zap.String("zone_id", zoneID), zap.Error(err))
		return result
	}

	target := current + deltaC
	if err := act.WriteSetpoint(ctx, target); err != nil {
		result.Err = setpoint.NewApplyFailed(err)
		e.logger.Warn("Boost failed", zap.String("zone_id", zoneID), zap.Error(err))
		return result
	}

	now := e.clock.Now()
	until := now.Add(duration)
	st.BoostUntil = &until
	e.persistZone(ctx, zoneID, st)

	e.logger.Info("Boost applied",
		zap.String("zone_id", zoneID),
		zap.Float64("previous_temp_c", current),
		zap.Float64("temperature_c", target),
		zap.Time("boost_until", until))

	e.events.Emit(events.Event{
		Type:          events.TypeBoostApplied,
		Time:          now,
		ZoneID:        zoneID,
		Actuator:      act.Ref(),
		NewTempC:      target,
		PreviousTempC: &current,
		Reason:        "boost",
		ValidUntil:    &until,
	})

	result.PreviousTempC = current
	result.NewTempC = target
	result.Until = until
	return result
}

// SetAwayMode enters or leaves away mode. Entering snapshots every bound
// zone's setpoint and writes the zone minimum; leaving restores the snapshot,
// falling back to the zone target. Away mode is a one-time write: later
// commands are arbitrated normally and may override it.
func (e *Engine) SetAwayMode(ctx context.Context, enabled bool) error {
	e.awayMu.Lock()
	defer e.awayMu.Unlock()

	if e.away.Active == enabled {
		return nil
	}

	zoneIDs := e.router.Zones()
	now := e.clock.Now()

	var errs []error
	if enabled {
		snap := zone.AwaySnapshot{Active: true, Since: now, Saved: make(map[string]float64)}
		for _, id := range zoneIDs {
			cfg, _ := e.zones.Config(id)
			saved, err := e.awayWrite(ctx, id, cfg.MinTempC, true, "enabled")
			if saved != nil {
				snap.Saved[id] = *saved
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("zone %s: %w", id, err))
			}
		}
		e.away = snap
	} else {
		for _, id := range zoneIDs {
			cfg, _ := e.zones.Config(id)
			target, ok := e.away.Saved[id]
			if !ok {
				target = cfg.TargetTempC
			}
			if _, err := e.awayWrite(ctx, id, target, false, "disabled"); err != nil {
				errs = append(errs, fmt.Errorf("zone %s: %w", id, err))
			}
		}
		e.away = zone.AwaySnapshot{}
	}

	e.persistAway(ctx, e.away)
	e.metrics.Gauge("away_mode", boolGauge(enabled))
	e.logger.Info("Away mode changed",
		zap.Bool("enabled", enabled),
		zap.Int("zones", len(zoneIDs)),
		zap.Int("failures", len(errs)))

	return errors.Join(errs...)
}

// awayWrite writes target to the zone's actuator under the zone lock. When
// snapshot is set the current setpoint is read first and returned.
func (e *Engine) awayWrite(ctx context.Context, zoneID string, target float64, snapshot bool, outcome string) (*float64, error) {
	_, unlock := e.zones.Lock(zoneID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	act, err := e.router.Lookup(zoneID)
	if err != nil {
		return nil, setpoint.NewApplyFailed(err)
	}

	var previous *float64
	if snapshot {
		current, err := act.ReadSetpoint(ctx)
		if err != nil {
			e.logger.Warn("Could not snapshot setpoint for away mode", zap.String("zone_id", zoneID), zap.Error(err))
		} else {
			previous = &current
		}
	}

	if err := act.WriteSetpoint(ctx, target); err != nil {
		return previous, setpoint.NewApplyFailed(err)
	}

	e.events.Emit(events.Event{
		Type:          events.TypeAwayModeChanged,
		Time:          e.clock.Now(),
		ZoneID:        zoneID,
		Actuator:      act.Ref(),
		NewTempC:      target,
		PreviousTempC: previous,
		Reason:        "away_mode",
		Outcome:       outcome,
	})
	return previous, nil
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetAutoControl records whether the optimizer may drive the zone
func (e *Engine) SetAutoControl(zoneID string, enabled bool) {
	st, unlock := e.zones.Lock(zoneID)
	defer unlock()

	if st.AutoControl != enabled {
		e.logger.Info("Auto-control changed", zap.String("zone_id", zoneID), zap.Bool("enabled", enabled))
	}
	st.AutoControl = enabled
}

// UpdateZoneConfig applies temperatures and names learned from the
// configuration collaborator. Away mode reads them on its next transition.
func (e *Engine) UpdateZoneConfig(zoneID string, u zone.Update) {
	before, _ := e.zones.Config(zoneID)
	after := e.zones.UpdateConfig(zoneID, u)
	if before != after {
		e.logger.Info("Zone config changed",
			zap.String("zone_id", zoneID),
			zap.Float64("min_temp_c", after.MinTempC),
			zap.Float64("target_temp_c", after.TargetTempC))
	}
}
