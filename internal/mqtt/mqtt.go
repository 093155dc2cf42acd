// Package mqtt wraps the broker connection used for inbound setpoint pushes
// and outbound zone status.
package mqtt

import (
	"strings"
)

// MessageHandler receives one inbound message
type MessageHandler func(topic string, payload []byte)

// Client is the broker surface the channels depend on
type Client interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Unsubscribe(topics ...string) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Match reports whether topic matches an MQTT filter with + and # wildcards
func Match(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return true
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
