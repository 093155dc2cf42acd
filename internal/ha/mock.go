package ha

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing
type MockClient struct {
	states       map[string]*State
	statesMu     sync.RWMutex
	connected    bool
	connMu       sync.RWMutex
	serviceCalls []ServiceCall
	firedEvents  []FiredEvent
	serviceErrs  map[string]error
	callsMu      sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// FiredEvent records a fire_event request for testing
type FiredEvent struct {
	EventType string
	Data      map[string]interface{}
	Time      time.Time
}

// NewMockClient creates a new mock HA client. It starts connected so tests
// can exercise reads and writes without a Connect call.
func NewMockClient() *MockClient {
	return &MockClient{
		states:       make(map[string]*State),
		serviceCalls: make([]ServiceCall, 0),
		serviceErrs:  make(map[string]error),
		connected:    true,
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s: %w", entityID, ErrEntityNotFound)
	}

	return copyState(state), nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	if !m.IsConnected() {
		return nil, ErrNotConnected
	}

	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, copyState(state))
	}

	return states, nil
}

// CallServiceContext is CallService that fails with ctx's error when ctx is
// already done
func (m *MockClient) CallServiceContext(ctx context.Context, domain, service string, data map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.CallService(domain, service, data)
}

// CallService records a service call. climate.set_temperature updates the
// entity's temperature attribute the way HA does once the device confirms.
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	err := m.serviceErrs[domain+"."+service]
	m.callsMu.Unlock()

	if err != nil {
		return err
	}

	if entityID, ok := data["entity_id"].(string); ok && domain == "climate" && service == "set_temperature" {
		m.statesMu.Lock()
		if state, ok := m.states[entityID]; ok {
			attrs := make(map[string]interface{}, len(state.Attributes)+1)
			for k, v := range state.Attributes {
				attrs[k] = v
			}
			attrs["temperature"] = data["temperature"]
			state.Attributes = attrs
			state.LastUpdated = time.Now()
		}
		m.statesMu.Unlock()
	}

	return nil
}

// FireEvent records an event
func (m *MockClient) FireEvent(eventType string, data map[string]interface{}) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.firedEvents = append(m.firedEvents, FiredEvent{EventType: eventType, Data: data, Time: time.Now()})
	return nil
}

// SetState sets a mock state (for testing)
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()

	now := time.Now()
	m.states[entityID] = &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SetClimate registers a heating climate entity holding setpoint
func (m *MockClient) SetClimate(entityID string, setpoint float64) {
	m.SetState(entityID, "heat", map[string]interface{}{
		"temperature":         setpoint,
		"current_temperature": setpoint,
		"hvac_action":         "idle",
	})
}

// RemoveState deletes an entity, as when an integration is unloaded
func (m *MockClient) RemoveState(entityID string) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	delete(m.states, entityID)
}

// SetServiceError makes every call to domain.service fail with err; nil clears it
func (m *MockClient) SetServiceError(domain, service string, err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	key := domain + "." + service
	if err == nil {
		delete(m.serviceErrs, key)
		return
	}
	m.serviceErrs[key] = err
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// GetFiredEvents returns all recorded events
func (m *MockClient) GetFiredEvents() []FiredEvent {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	events := make([]FiredEvent, len(m.firedEvents))
	copy(events, m.firedEvents)
	return events
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

func copyState(s *State) *State {
	c := *s
	c.Attributes = make(map[string]interface{}, len(s.Attributes))
	for k, v := range s.Attributes {
		c.Attributes[k] = v
	}
	return &c
}
