// Package actuator adapts heating actuators (Home Assistant climate entities
// and Modbus holding registers) to a common read/write setpoint interface.
package actuator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"

	"go.uber.org/zap"
)

// Actuator is a single heating device that holds a target temperature.
// Both calls block until the platform has confirmed the operation.
type Actuator interface {
	// Ref identifies the device for logs and events
	Ref() string
	ReadSetpoint(ctx context.Context) (float64, error)
	WriteSetpoint(ctx context.Context, tempC float64) error
}

// Router binds zones to actuators
type Router struct {
	mu       sync.RWMutex
	bindings map[string]Actuator
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{bindings: make(map[string]Actuator)}
}

// Bind attaches an actuator to a zone, replacing any previous binding
func (r *Router) Bind(zoneID string, a Actuator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[zoneID] = a
}

// Unbind removes the zone's actuator
func (r *Router) Unbind(zoneID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, zoneID)
}

// Lookup returns the zone's actuator or ErrActuatorUnavailable when unbound
func (r *Router) Lookup(zoneID string) (Actuator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.bindings[zoneID]
	if !ok {
		return nil, fmt.Errorf("zone %s has no actuator: %w", zoneID, setpoint.ErrActuatorUnavailable)
	}
	return a, nil
}

// Zones lists bound zone IDs in sorted order
func (r *Router) Zones() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReadOnly wraps an actuator so writes are logged instead of performed
type ReadOnly struct {
	Actuator
	logger *zap.Logger
}

// NewReadOnly wraps a for READ_ONLY deployments
func NewReadOnly(a Actuator, logger *zap.Logger) *ReadOnly {
	return &ReadOnly{Actuator: a, logger: logger}
}

// WriteSetpoint logs the write that would have happened
func (r *ReadOnly) WriteSetpoint(ctx context.Context, tempC float64) error {
	r.logger.Info("READ-ONLY: Would set temperature",
		zap.String("actuator", r.Ref()),
		zap.Float64("temperature", tempC))
	return nil
}
