package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/ha"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/mqtt"
)

// HAEventPrefix prefixes every event fired on the Home Assistant bus
const HAEventPrefix = "smart_heating_optimizer_"

// HASink fires events on the Home Assistant event bus
type HASink struct {
	client ha.HAClient
}

// NewHASink creates a sink firing through client
func NewHASink(client ha.HAClient) *HASink {
	return &HASink{client: client}
}

func (s *HASink) Name() string { return "home_assistant" }

func (s *HASink) Handle(_ context.Context, e Event) error {
	return s.client.FireEvent(HAEventPrefix+string(e.Type), eventData(e))
}

func eventData(e Event) map[string]interface{} {
	data := map[string]interface{}{
		"event_id":  e.ID,
		"zone_id":   e.ZoneID,
		"actuator":  e.Actuator,
		"timestamp": e.Time.UTC().Format(time.RFC3339),
	}

	switch e.Type {
	case TypeSetpointApplied, TypeBoostApplied, TypeAwayModeChanged:
		data["temperature_c"] = e.NewTempC
	case TypeSetpointApplyFailed:
		data["requested_temp_c"] = e.NewTempC
	}

	if e.PreviousTempC != nil {
		data["previous_temp"] = *e.PreviousTempC
	}
	if e.Reason != "" {
		data["reason"] = e.Reason
	}
	if e.ExpectedSavings != nil {
		data["expected_savings_sek"] = *e.ExpectedSavings
	}
	if e.ValidUntil != nil {
		data["valid_until"] = e.ValidUntil.UTC().Format(time.RFC3339)
	}
	if e.Source != "" {
		data["source"] = e.Source
	}
	if e.CommandID != "" {
		data["command_id"] = e.CommandID
	}
	if e.Outcome != "" {
		data["outcome"] = e.Outcome
	}
	if e.Error != "" {
		data["error"] = e.Error
	}
	return data
}

// ZoneStatusReader supplies live readings for status messages
type ZoneStatusReader interface {
	ZoneStatus(zoneID string) (currentTempC *float64, heatingActive bool)
}

// StatusMessage is published on a zone's status topic
type StatusMessage struct {
	CurrentTempC    *float64 `json:"current_temp_c"`
	SetpointApplied float64  `json:"setpoint_applied"`
	HeatingActive   bool     `json:"heating_active"`
	Timestamp       string   `json:"timestamp"`
}

// StatusTopic builds <namespace>/<installation>/zone/<zone>/status
func StatusTopic(namespace, installationID, zoneID string) string {
	return fmt.Sprintf("%s/%s/zone/%s/status", namespace, installationID, zoneID)
}

// MQTTStatusSink publishes zone status after every successful write
type MQTTStatusSink struct {
	client         mqtt.Client
	namespace      string
	installationID string
	readings       ZoneStatusReader
}

// NewMQTTStatusSink creates a status publisher. readings may be nil, in which
// case current temperature is reported as null and heating as inactive.
func NewMQTTStatusSink(client mqtt.Client, namespace, installationID string, readings ZoneStatusReader) *MQTTStatusSink {
	return &MQTTStatusSink{
		client:         client,
		namespace:      namespace,
		installationID: installationID,
		readings:       readings,
	}
}

func (s *MQTTStatusSink) Name() string { return "mqtt_status" }

func (s *MQTTStatusSink) Handle(_ context.Context, e Event) error {
	if e.Type == TypeSetpointApplyFailed {
		return nil
	}

	msg := StatusMessage{
		SetpointApplied: e.NewTempC,
		Timestamp:       e.Time.UTC().Format(time.RFC3339),
	}
	if s.readings != nil {
		msg.CurrentTempC, msg.HeatingActive = s.readings.ZoneStatus(e.ZoneID)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return s.client.Publish(StatusTopic(s.namespace, s.installationID, e.ZoneID), 1, false, payload)
}

// MetricsSink counts events by type and zone
type MetricsSink struct {
	client metrics.Client
}

// NewMetricsSink creates a counting sink
func NewMetricsSink(client metrics.Client) *MetricsSink {
	return &MetricsSink{client: client}
}

func (s *MetricsSink) Name() string { return "metrics" }

func (s *MetricsSink) Handle(_ context.Context, e Event) error {
	s.client.Incr("events."+string(e.Type), "zone:"+e.ZoneID)
	if e.Type == TypeSetpointApplied {
		s.client.Gauge("zone.setpoint_c", e.NewTempC, "zone:"+e.ZoneID)
	}
	return nil
}
