package testutil

import "time"

// ServiceCall records a service call for testing/verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// FiredEvent records an event fired on the HA bus
type FiredEvent struct {
	Timestamp time.Time
	EventType string
	Data      map[string]interface{}
}

// FilterServiceCalls filters service calls by domain and service
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}

// SetpointWrites returns the temperatures written to entityID, oldest first
func SetpointWrites(calls []ServiceCall, entityID string) []float64 {
	var temps []float64
	for _, call := range FilterServiceCalls(calls, "climate", "set_temperature") {
		if call.ServiceData["entity_id"] != entityID {
			continue
		}
		if t, ok := call.ServiceData["temperature"].(float64); ok {
			temps = append(temps, t)
		}
	}
	return temps
}

// FilterEvents returns fired events of the given type
func FilterEvents(events []FiredEvent, eventType string) []FiredEvent {
	var filtered []FiredEvent
	for _, e := range events {
		if e.EventType == eventType {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
