// Package setpoint defines setpoint commands delivered by the remote
// optimizer and the rules for deciding whether a command is in force.
package setpoint

import (
	"fmt"
	"time"
)

// Source identifies the transport a command arrived on
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// DefaultReason is used when a payload carries no reason
const DefaultReason = "optimization"

// Command is one instruction from the optimizer. Treat it as a value: the
// With* helpers return modified copies and leave the receiver untouched.
type Command struct {
	ZoneID          string
	TargetTempC     float64
	ValidFrom       *time.Time
	ValidUntil      *time.Time
	Reason          string
	ExpectedSavings *float64
	CommandID       string
	Source          Source
}

// Validity is the result of evaluating a command against a point in time
type Validity int

const (
	Valid Validity = iota
	NotYetValid
	Expired
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case NotYetValid:
		return "not_yet_valid"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("validity(%d)", int(v))
	}
}

// Evaluate reports whether cmd is in force at now. An absent ValidFrom means
// valid immediately, an absent ValidUntil means valid indefinitely.
func Evaluate(cmd Command, now time.Time) Validity {
	if cmd.ValidFrom != nil && now.Before(*cmd.ValidFrom) {
		return NotYetValid
	}
	if cmd.ValidUntil != nil && now.After(*cmd.ValidUntil) {
		return Expired
	}
	return Valid
}

// WithSource returns a copy of the command tagged with src
func (c Command) WithSource(src Source) Command {
	c.Source = src
	return c
}

// WithZone returns a copy of the command bound to zoneID
func (c Command) WithZone(zoneID string) Command {
	c.ZoneID = zoneID
	return c
}

// Clone returns a deep copy so callers can hand out commands without sharing
// the optional timestamp and savings pointers.
func (c Command) Clone() Command {
	if c.ValidFrom != nil {
		t := *c.ValidFrom
		c.ValidFrom = &t
	}
	if c.ValidUntil != nil {
		t := *c.ValidUntil
		c.ValidUntil = &t
	}
	if c.ExpectedSavings != nil {
		s := *c.ExpectedSavings
		c.ExpectedSavings = &s
	}
	return c
}

// IsRedeliveryOf reports whether c and other carry the same command ID
func (c Command) IsRedeliveryOf(other Command) bool {
	return c.CommandID != "" && c.CommandID == other.CommandID
}

// HasAck reports whether the command's outcome must be acknowledged upstream
func (c Command) HasAck() bool {
	return c.Source == SourcePoll && c.CommandID != ""
}

func (c Command) String() string {
	id := c.CommandID
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("%s[%s] zone=%s temp=%.1f reason=%s", c.Source, id, c.ZoneID, c.TargetTempC, c.Reason)
}
