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

// Outcome is what arbitration did with a command
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeFailed    Outcome = "failed"
	OutcomeScheduled Outcome = "scheduled"
	OutcomeDropped   Outcome = "dropped"
)

// Decision describes the handling of one command
type Decision struct {
	ZoneID  string
	Outcome Outcome

	// DropReason is set for OutcomeDropped
	DropReason string

	// FireAt is set for OutcomeScheduled
	FireAt time.Time

	// PreviousTempC is the actuator's setpoint before an applied write, when readable
	PreviousTempC *float64

	// Err is a *setpoint.ApplyFailedError for OutcomeFailed
	Err error
}

// outbox collects acknowledgments while a zone is locked so they can be
// delivered after the lock is released
type outbox struct {
	acks []setpoint.Ack
}

func (o *outbox) ack(cmd setpoint.Command, applied bool, actual *float64, message string) {
	if !cmd.HasAck() {
		return
	}
	o.acks = append(o.acks, setpoint.Ack{
		CommandID:    cmd.CommandID,
		Applied:      applied,
		ActualTempC:  actual,
		ErrorMessage: message,
	})
}

// Submit arbitrates a command received from either channel. The zone is
// locked for the whole decision, including any actuator write.
func (e *Engine) Submit(ctx context.Context, cmd setpoint.Command) Decision {
	var out outbox

	st, unlock := e.zones.Lock(cmd.ZoneID)
	d := e.arbitrate(ctx, st, cmd, &out)
	unlock()

	e.finish(ctx, cmd, d, &out)
	return d
}

// fire runs when a scheduled command's validity window opens
func (e *Engine) fire(zoneID string, token uint64) {
	var out outbox

	st, unlock := e.zones.Lock(zoneID)
	if !e.scheduler.Claim(zoneID, token) || st.Pending == nil || st.PendingToken != token {
		unlock()
		e.logger.Debug("Ignoring stale activation", zap.String("zone_id", zoneID), zap.Uint64("token", token))
		return
	}

	cmd := st.Pending.Clone()
	st.ClearPending()

	e.logger.Info("Scheduled setpoint is due",
		zap.String("zone_id", zoneID),
		zap.Float64("temperature_c", cmd.TargetTempC))

	// Boost, auto-control and expiry may all have changed since scheduling
	d := e.arbitrate(e.ctx, st, cmd, &out)
	unlock()

	e.finish(e.ctx, cmd, d, &out)
}

func (e *Engine) arbitrate(ctx context.Context, st *zone.ControlState, cmd setpoint.Command, out *outbox) Decision {
	now := e.clock.Now()

	if !st.AutoControl {
		return e.dropRedelivery(st, cmd, setpoint.DropAutoControlOff, out)
	}
	if st.Boosted(now) {
		return e.dropRedelivery(st, cmd, setpoint.DropBoosted, out)
	}

	switch setpoint.Evaluate(cmd, now) {
	case setpoint.Expired:
		return e.dropRedelivery(st, cmd, setpoint.DropExpired, out)
	case setpoint.NotYetValid:
		return e.schedule(st, cmd, out)
	default:
		e.supersede(st, cmd, out)
		return e.apply(ctx, st, cmd, out)
	}
}

// dropRedelivery drops cmd. A pending copy of the same command is discarded
// with it so the command gets a single outcome.
func (e *Engine) dropRedelivery(st *zone.ControlState, cmd setpoint.Command, reason string, out *outbox) Decision {
	if st.Pending != nil && cmd.IsRedeliveryOf(*st.Pending) {
		e.scheduler.Cancel(cmd.ZoneID)
		st.ClearPending()
	}
	return e.drop(cmd, reason, out)
}

func (e *Engine) drop(cmd setpoint.Command, reason string, out *outbox) Decision {
	e.logger.Info("Dropping setpoint command",
		zap.String("zone_id", cmd.ZoneID),
		zap.Float64("temperature_c", cmd.TargetTempC),
		zap.String("source", string(cmd.Source)),
		zap.String("command_id", cmd.CommandID),
		zap.String("reason", reason))

	out.ack(cmd, false, nil, reason)
	return Decision{ZoneID: cmd.ZoneID, Outcome: OutcomeDropped, DropReason: reason}
}

// supersede cancels the zone's pending command, if any, in favour of next.
// A re-delivered copy of the pending command replaces it without an
// acknowledgment; next carries the outcome for that command ID.
func (e *Engine) supersede(st *zone.ControlState, next setpoint.Command, out *outbox) {
	zoneID := next.ZoneID
	e.scheduler.Cancel(zoneID)
	if st.Pending == nil {
		return
	}

	if next.IsRedeliveryOf(*st.Pending) {
		e.logger.Debug("Replacing pending setpoint with its re-delivery",
			zap.String("zone_id", zoneID),
			zap.String("command_id", next.CommandID))
		st.ClearPending()
		return
	}

	e.logger.Info("Superseding pending setpoint",
		zap.String("zone_id", zoneID),
		zap.Float64("temperature_c", st.Pending.TargetTempC),
		zap.String("command_id", st.Pending.CommandID))

	out.ack(*st.Pending, false, nil, setpoint.DropSuperseded)
	e.metrics.Incr("setpoint.superseded", "zone:"+zoneID)
	st.ClearPending()
}

func (e *Engine) schedule(st *zone.ControlState, cmd setpoint.Command, out *outbox) Decision {
	if st.Pending != nil && cmd.IsRedeliveryOf(*st.Pending) && st.Pending.ValidFrom.Equal(*cmd.ValidFrom) {
		// Same command, same activation time: the armed timer stays
		pending := cmd.Clone()
		st.Pending = &pending
		e.logger.Debug("Pending setpoint re-delivered",
			zap.String("zone_id", cmd.ZoneID),
			zap.String("command_id", cmd.CommandID))
		return Decision{ZoneID: cmd.ZoneID, Outcome: OutcomeScheduled, FireAt: *cmd.ValidFrom}
	}

	e.supersede(st, cmd, out)

	fireAt := *cmd.ValidFrom
	token := e.scheduler.Schedule(cmd.ZoneID, fireAt, e.fire)
	if token == 0 {
		return e.drop(cmd, setpoint.DropShutdown, out)
	}

	pending := cmd.Clone()
	st.Pending = &pending
	st.PendingToken = token

	e.logger.Info("Scheduled setpoint command",
		zap.String("zone_id", cmd.ZoneID),
		zap.Float64("temperature_c", cmd.TargetTempC),
		zap.Time("valid_from", fireAt),
		zap.String("source", string(cmd.Source)))

	return Decision{ZoneID: cmd.ZoneID, Outcome: OutcomeScheduled, FireAt: fireAt}
}

// apply writes cmd to the zone's actuator. The previous setpoint is read
// best-effort unless the actuator reports itself unreachable. No retries.
func (e *Engine) apply(ctx context.Context, st *zone.ControlState, cmd setpoint.Command, out *outbox) Decision {
	ctx, cancel := context.WithTimeout(ctx, e.applyTimeout)
	defer cancel()

	act, err := e.router.Lookup(cmd.ZoneID)
	if err != nil {
		return e.fail(cmd, "", err, out)
	}

	var previous *float64
	current, err := act.ReadSetpoint(ctx)
	switch {
	case err == nil:
		previous = &current
	case errors.Is(err, setpoint.ErrActuatorUnavailable):
		return e.fail(cmd, act.Ref(), err, out)
	default:
		e.logger.Debug("Could not read previous setpoint",
			zap.String("zone_id", cmd.ZoneID),
			zap.String("actuator", act.Ref()),
			zap.Error(err))
	}

	if err := act.WriteSetpoint(ctx, cmd.TargetTempC); err != nil {
		return e.fail(cmd, act.Ref(), err, out)
	}

	now := e.clock.Now()
	applied := cmd.Clone()
	st.Applied = &applied
	st.AppliedAt = now
	e.persistZone(ctx, cmd.ZoneID, st)

	fields := []zap.Field{
		zap.String("zone_id", cmd.ZoneID),
		zap.String("actuator", act.Ref()),
		zap.Float64("temperature_c", cmd.TargetTempC),
		zap.String("reason", cmd.Reason),
		zap.String("source", string(cmd.Source)),
	}
	if previous != nil {
		fields = append(fields, zap.Float64("previous_temp_c", *previous))
	}
	e.logger.Info("Applied setpoint", fields...)

	e.events.Emit(events.Event{
		Type:            events.TypeSetpointApplied,
		Time:            now,
		ZoneID:          cmd.ZoneID,
		Actuator:        act.Ref(),
		NewTempC:        cmd.TargetTempC,
		PreviousTempC:   previous,
		Reason:          cmd.Reason,
		ExpectedSavings: cmd.ExpectedSavings,
		ValidUntil:      cmd.ValidUntil,
		Source:          string(cmd.Source),
		CommandID:       cmd.CommandID,
		Outcome:         string(OutcomeApplied),
	})

	actual := cmd.TargetTempC
	out.ack(cmd, true, &actual, "")
	return Decision{ZoneID: cmd.ZoneID, Outcome: OutcomeApplied, PreviousTempC: previous}
}

func (e *Engine) fail(cmd setpoint.Command, ref string, err error, out *outbox) Decision {
	applyErr := setpoint.NewApplyFailed(err)

	e.logger.Warn("Failed to apply setpoint",
		zap.String("zone_id", cmd.ZoneID),
		zap.String("actuator", ref),
		zap.Float64("temperature_c", cmd.TargetTempC),
		zap.String("reason", applyErr.Reason),
		zap.Error(err))

	e.events.Emit(events.Event{
		Type:      events.TypeSetpointApplyFailed,
		Time:      e.clock.Now(),
		ZoneID:    cmd.ZoneID,
		Actuator:  ref,
		NewTempC:  cmd.TargetTempC,
		Reason:    cmd.Reason,
		Source:    string(cmd.Source),
		CommandID: cmd.CommandID,
		Outcome:   string(OutcomeFailed),
		Error:     applyErr.Reason,
	})

	out.ack(cmd, false, nil, applyErr.Reason)
	return Decision{ZoneID: cmd.ZoneID, Outcome: OutcomeFailed, Err: applyErr}
}

// finish records metrics and delivers acknowledgments outside the zone lock.
// Delivery failures are logged and never retried.
func (e *Engine) finish(ctx context.Context, cmd setpoint.Command, d Decision, out *outbox) {
	e.metrics.Incr("setpoint.decision",
		"zone:"+cmd.ZoneID,
		"source:"+string(cmd.Source),
		"outcome:"+string(d.Outcome))

	for _, ack := range out.acks {
		if err := e.acks.Acknowledge(ctx, ack); err != nil {
			e.metrics.Incr("setpoint.ack_failed", "zone:"+cmd.ZoneID)
			e.logger.Warn("Acknowledgment not delivered",
				zap.String("command_id", ack.CommandID),
				zap.Bool("applied", ack.Applied),
				zap.Error(fmt.Errorf("%w: %w", setpoint.ErrAckDeliveryFailed, err)))
			continue
		}
		e.logger.Debug("Acknowledged command",
			zap.String("command_id", ack.CommandID),
			zap.Bool("applied", ack.Applied))
	}
}
