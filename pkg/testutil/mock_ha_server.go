// Package testutil provides a mock Home Assistant WebSocket server and a
// wired test environment for integration tests of the heating engine.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// MockHAServer simulates the parts of the Home Assistant WebSocket API the
// heating engine uses: states, climate.set_temperature and fire_event
type MockHAServer struct {
	server *httptest.Server
	token  string

	states   map[string]*EntityState
	statesMu sync.RWMutex

	connections []*connWrapper
	connsMu     sync.Mutex

	serviceCalls []ServiceCall
	firedEvents  []FiredEvent
	failures     map[string]string
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// ErrorInfo is the error body of a failed result
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data"`
	EventType   string                 `json:"event_type"`
	EventData   map[string]interface{} `json:"event_data"`
}

// NewMockHAServer starts a mock server on a loopback port
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:    token,
		states:   make(map[string]*EntityState),
		failures: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL is the WebSocket endpoint clients should dial
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the listener
func (s *MockHAServer) Stop() {
	s.DropConnections()
	s.server.Close()
}

// DropConnections closes all client connections, as a restarting HA would
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, w := range s.connections {
		w.conn.Close()
	}
	s.connections = nil
}

// SetState sets an entity state
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()

	now := time.Now()
	s.states[entityID] = &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
}

// SetClimate creates a heating climate entity with the given target
func (s *MockHAServer) SetClimate(entityID string, targetC float64) {
	s.SetState(entityID, "heat", map[string]interface{}{
		"temperature":         targetC,
		"current_temperature": targetC - 0.5,
		"hvac_action":         "idle",
	})
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// Setpoint returns the temperature attribute of a climate entity
func (s *MockHAServer) Setpoint(entityID string) (float64, bool) {
	state := s.GetState(entityID)
	if state == nil {
		return 0, false
	}
	v, ok := state.Attributes["temperature"].(float64)
	return v, ok
}

// FailService makes domain.service return an HA error result; an empty
// message clears the failure
func (s *MockHAServer) FailService(domain, service, message string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	key := domain + "." + service
	if message == "" {
		delete(s.failures, key)
		return
	}
	s.failures[key] = message
}

// handleWebSocket handles WebSocket connections
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		return
	}
	if authMsg.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "get_states":
			s.handleGetStates(wrapper, req)
		case "call_service":
			s.handleCallService(wrapper, req)
		case "fire_event":
			s.handleFireEvent(wrapper, req)
		default:
			wrapper.write(result(req.ID, nil, nil))
		}
	}
}

func result(id int, payload json.RawMessage, errInfo *ErrorInfo) Message {
	success := errInfo == nil
	return Message{ID: id, Type: "result", Success: &success, Result: payload, Error: errInfo}
}

func (s *MockHAServer) handleGetStates(wrapper *connWrapper, req request) {
	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	statesJSON, _ := json.Marshal(states)
	s.statesMu.RUnlock()

	wrapper.write(result(req.ID, statesJSON, nil))
}

func (s *MockHAServer) handleCallService(wrapper *connWrapper, req request) {
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	failure, failing := s.failures[req.Domain+"."+req.Service]
	s.callsMu.Unlock()

	if failing {
		wrapper.write(result(req.ID, nil, &ErrorInfo{Code: "home_assistant_error", Message: failure}))
		return
	}

	entityID, _ := req.ServiceData["entity_id"].(string)
	if req.Domain == "climate" && req.Service == "set_temperature" {
		temp, ok := req.ServiceData["temperature"].(float64)
		s.statesMu.Lock()
		state := s.states[entityID]
		if state == nil || !ok {
			s.statesMu.Unlock()
			wrapper.write(result(req.ID, nil, &ErrorInfo{Code: "not_found", Message: fmt.Sprintf("entity %s not found", entityID)}))
			return
		}
		attrs := make(map[string]interface{}, len(state.Attributes))
		for k, v := range state.Attributes {
			attrs[k] = v
		}
		attrs["temperature"] = temp
		s.states[entityID] = &EntityState{
			EntityID:    entityID,
			State:       state.State,
			Attributes:  attrs,
			LastChanged: state.LastChanged,
			LastUpdated: time.Now(),
		}
		s.statesMu.Unlock()
	}

	wrapper.write(result(req.ID, nil, nil))
}

func (s *MockHAServer) handleFireEvent(wrapper *connWrapper, req request) {
	s.callsMu.Lock()
	s.firedEvents = append(s.firedEvents, FiredEvent{
		Timestamp: time.Now(),
		EventType: req.EventType,
		Data:      req.EventData,
	})
	s.callsMu.Unlock()

	wrapper.write(result(req.ID, nil, nil))
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// GetFiredEvents returns all events fired on the HA bus
func (s *MockHAServer) GetFiredEvents() []FiredEvent {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	events := make([]FiredEvent, len(s.firedEvents))
	copy(events, s.firedEvents)
	return events
}

// ClearServiceCalls resets the service call and event logs
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
	s.firedEvents = nil
}
