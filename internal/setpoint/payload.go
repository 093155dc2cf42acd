package setpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payload is the wire shape shared by the push channel and the optimizer's
// pending-commands response.
type Payload struct {
	CommandID          string   `json:"command_id,omitempty"`
	ZoneID             string   `json:"zone_id,omitempty"`
	TemperatureC       *float64 `json:"temperature_c"`
	ValidFrom          *string  `json:"valid_from,omitempty"`
	ValidUntil         *string  `json:"valid_until,omitempty"`
	Reason             *string  `json:"reason,omitempty"`
	ExpectedSavingsSEK *float64 `json:"expected_savings_sek,omitempty"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts ISO-8601 timestamps with or without an offset.
// Timestamps without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// ParsePayload decodes a JSON setpoint message
func ParsePayload(data []byte) (Command, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Command{}, &ParseError{Err: err}
	}
	return p.Command()
}

// Command converts the wire payload into a Command. The source is left for
// the receiving channel to assign.
func (p Payload) Command() (Command, error) {
	if p.TemperatureC == nil {
		return Command{}, &ParseError{Field: "temperature_c", Err: errors.New("missing")}
	}

	cmd := Command{
		ZoneID:      p.ZoneID,
		TargetTempC: *p.TemperatureC,
		Reason:      DefaultReason,
		CommandID:   p.CommandID,
	}
	if p.Reason != nil && *p.Reason != "" {
		cmd.Reason = *p.Reason
	}
	if p.ExpectedSavingsSEK != nil {
		s := *p.ExpectedSavingsSEK
		cmd.ExpectedSavings = &s
	}
	if p.ValidFrom != nil && *p.ValidFrom != "" {
		t, err := ParseTimestamp(*p.ValidFrom)
		if err != nil {
			return Command{}, &ParseError{Field: "valid_from", Err: err}
		}
		cmd.ValidFrom = &t
	}
	if p.ValidUntil != nil && *p.ValidUntil != "" {
		t, err := ParseTimestamp(*p.ValidUntil)
		if err != nil {
			return Command{}, &ParseError{Field: "valid_until", Err: err}
		}
		cmd.ValidUntil = &t
	}
	return cmd, nil
}

// SetpointTopic builds the push topic for one zone
func SetpointTopic(namespace, installationID, zoneID string) string {
	return fmt.Sprintf("%s/%s/zone/%s/setpoint", namespace, installationID, zoneID)
}

// ZoneFromTopic extracts the zone segment of <ns>/<installation>/zone/<zone>/setpoint
func ZoneFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[2] != "zone" || parts[4] != "setpoint" || parts[3] == "" {
		return "", &ParseError{Field: "topic", Err: fmt.Errorf("unexpected topic %q", topic)}
	}
	return parts[3], nil
}
