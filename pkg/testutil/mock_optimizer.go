package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
)

// MockOptimizer simulates the cloud optimizer's integration endpoints
type MockOptimizer struct {
	server     *httptest.Server
	apiKey     string
	customerID string

	mu        sync.Mutex
	pending   [][]setpoint.Payload
	nextPoll  int
	acks      []setpoint.Ack
	zones     []map[string]interface{}
	telemetry []map[string]interface{}
	failWith  int
}

// NewMockOptimizer starts a mock optimizer that accepts apiKey for customerID
func NewMockOptimizer(apiKey, customerID string) *MockOptimizer {
	m := &MockOptimizer{apiKey: apiKey, customerID: customerID}

	mux := http.NewServeMux()
	mux.HandleFunc("/ha-integration/setpoints/pending", m.handlePending)
	mux.HandleFunc("/ha-integration/setpoints/acknowledge", m.handleAcknowledge)
	mux.HandleFunc("/ha-integration/zones", m.handleZones)
	mux.HandleFunc("/ha-integration/telemetry", m.handleTelemetry)
	m.server = httptest.NewServer(m.authorize(mux))
	return m
}

// URL is the API base URL
func (m *MockOptimizer) URL() string {
	return m.server.URL
}

// Stop shuts the server down
func (m *MockOptimizer) Stop() {
	m.server.Close()
}

// QueuePending adds one batch returned by the next pending request
func (m *MockOptimizer) QueuePending(cmds ...setpoint.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, cmds)
}

// SetNextPoll sets next_poll_seconds on every pending response
func (m *MockOptimizer) SetNextPoll(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPoll = seconds
}

// SetZones sets the zone list
func (m *MockOptimizer) SetZones(zones ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zones = zones
}

// FailWith makes every request return status; 0 restores normal operation
func (m *MockOptimizer) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = status
}

// Acks returns the acknowledgments received, oldest first
func (m *MockOptimizer) Acks() []setpoint.Ack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]setpoint.Ack(nil), m.acks...)
}

// Telemetry returns the raw telemetry batches received
func (m *MockOptimizer) Telemetry() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]interface{}(nil), m.telemetry...)
}

func (m *MockOptimizer) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != m.apiKey || r.URL.Query().Get("customer_id") != m.customerID {
			http.Error(w, `{"detail":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}

		m.mu.Lock()
		status := m.failWith
		m.mu.Unlock()
		if status != 0 {
			http.Error(w, `{"detail":"unavailable"}`, status)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (m *MockOptimizer) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.mu.Lock()
	cmds := []setpoint.Payload{}
	if len(m.pending) > 0 {
		cmds = m.pending[0]
		m.pending = m.pending[1:]
	}
	next := m.nextPoll
	m.mu.Unlock()

	resp := map[string]interface{}{"commands": cmds}
	if next > 0 {
		resp["next_poll_seconds"] = next
	}
	writeJSON(w, resp)
}

func (m *MockOptimizer) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ack setpoint.Ack
	if err := json.NewDecoder(r.Body).Decode(&ack); err != nil || ack.CommandID == "" {
		http.Error(w, `{"detail":"invalid acknowledgment"}`, http.StatusUnprocessableEntity)
		return
	}

	m.mu.Lock()
	m.acks = append(m.acks, ack)
	m.mu.Unlock()
	writeJSON(w, map[string]string{"status": "ok"})
}

func (m *MockOptimizer) handleZones(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	zones := m.zones
	m.mu.Unlock()
	if zones == nil {
		zones = []map[string]interface{}{}
	}
	writeJSON(w, map[string]interface{}{"zones": zones})
}

func (m *MockOptimizer) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var batch map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, `{"detail":"invalid telemetry"}`, http.StatusUnprocessableEntity)
		return
	}

	m.mu.Lock()
	m.telemetry = append(m.telemetry, batch)
	m.mu.Unlock()
	writeJSON(w, map[string]string{"status": "ok"})
}
