package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/engine"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"go.uber.org/zap"
)

// Controller is the engine surface exposed over HTTP
type Controller interface {
	ZoneIDs() []string
	Status(zoneID string) engine.ZoneStatus
	Boost(ctx context.Context, zoneID string, duration time.Duration, deltaC float64) ([]engine.BoostResult, error)
	SetAwayMode(ctx context.Context, enabled bool) error
	AwaySnapshot() zone.AwaySnapshot
}

// Operator runs the optimizer-facing operator actions
type Operator interface {
	TriggerOptimization(ctx context.Context, force bool, targetDate string) (map[string]interface{}, error)
	ReportTelemetry(ctx context.Context) error
}

// Server provides HTTP endpoints for inspecting zones and issuing overrides
type Server struct {
	controller Controller
	operator   Operator
	logger     *zap.Logger
	server     *http.Server
}

// NewServer creates a new API server
func NewServer(controller Controller, logger *zap.Logger, port int) *Server {
	s := &Server{
		controller: controller,
		logger:     logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleSitemap)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/zones", s.handleListZones)
	mux.HandleFunc("/api/zones/", s.handleGetZone)
	mux.HandleFunc("/api/boost", s.handleBoost)
	mux.HandleFunc("/api/away", s.handleAway)
	mux.HandleFunc("/api/optimize", s.handleOptimize)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetOperator enables /api/optimize and /api/telemetry. Without one they
// answer 503.
func (s *Server) SetOperator(op Operator) {
	s.operator = op
}

// ZoneResponse is the JSON view of one zone
type ZoneResponse struct {
	ZoneID      string `json:"zone_id"`
	Name        string `json:"name,omitempty"`
	Actuator    string `json:"actuator,omitempty"`
	AutoControl bool   `json:"auto_control"`

	AppliedTempC  *float64   `json:"applied_temp_c,omitempty"`
	AppliedReason string     `json:"applied_reason,omitempty"`
	AppliedAt     *time.Time `json:"applied_at,omitempty"`

	PendingTempC  *float64   `json:"pending_temp_c,omitempty"`
	PendingFireAt *time.Time `json:"pending_fire_at,omitempty"`

	Boosted    bool       `json:"boosted"`
	BoostUntil *time.Time `json:"boost_until,omitempty"`
}

func zoneResponse(st engine.ZoneStatus) ZoneResponse {
	resp := ZoneResponse{
		ZoneID:        st.ZoneID,
		Name:          st.Name,
		Actuator:      st.Actuator,
		AutoControl:   st.AutoControl,
		PendingFireAt: st.PendingFireAt,
		Boosted:       st.Boosted,
		BoostUntil:    st.BoostUntil,
	}
	if st.Applied != nil {
		temp := st.Applied.TargetTempC
		at := st.AppliedAt
		resp.AppliedTempC = &temp
		resp.AppliedReason = st.Applied.Reason
		resp.AppliedAt = &at
	}
	if st.Pending != nil {
		temp := st.Pending.TargetTempC
		resp.PendingTempC = &temp
	}
	return resp
}

func (s *Server) knownZone(zoneID string) bool {
	for _, id := range s.controller.ZoneIDs() {
		if id == zoneID {
			return true
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleListZones returns every known zone
func (s *Server) handleListZones(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ids := s.controller.ZoneIDs()
	zones := make([]ZoneResponse, 0, len(ids))
	for _, id := range ids {
		zones = append(zones, zoneResponse(s.controller.Status(id)))
	}
	s.writeJSON(w, http.StatusOK, zones)

	s.logger.Debug("Zones request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("zones", len(zones)))
}

// handleGetZone returns one zone by ID
func (s *Server) handleGetZone(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	zoneID := strings.TrimPrefix(r.URL.Path, "/api/zones/")
	if zoneID == "" || strings.Contains(zoneID, "/") || !s.knownZone(zoneID) {
		s.writeError(w, http.StatusNotFound, "unknown zone")
		return
	}
	s.writeJSON(w, http.StatusOK, zoneResponse(s.controller.Status(zoneID)))
}

// BoostRequest is the body of POST /api/boost. An empty zone boosts every
// bound zone; omitted values use the engine defaults.
type BoostRequest struct {
	ZoneID          string   `json:"zone_id"`
	DurationMinutes *float64 `json:"duration_minutes"`
	DeltaC          *float64 `json:"delta_c"`
}

// BoostZoneResult is one zone's boost outcome
type BoostZoneResult struct {
	ZoneID        string     `json:"zone_id"`
	PreviousTempC *float64   `json:"previous_temp_c,omitempty"`
	TempC         *float64   `json:"temperature_c,omitempty"`
	BoostUntil    *time.Time `json:"boost_until,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// handleBoost applies a temporary comfort boost
func (s *Server) handleBoost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req BoostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	duration := engine.DefaultBoostDuration
	if req.DurationMinutes != nil {
		if *req.DurationMinutes <= 0 {
			s.writeError(w, http.StatusBadRequest, "duration_minutes must be positive")
			return
		}
		duration = time.Duration(*req.DurationMinutes * float64(time.Minute))
	}
	delta := engine.DefaultBoostDeltaC
	if req.DeltaC != nil {
		delta = *req.DeltaC
	}

	if req.ZoneID != "" && !s.knownZone(req.ZoneID) {
		s.writeError(w, http.StatusNotFound, "unknown zone")
		return
	}

	results, err := s.controller.Boost(r.Context(), req.ZoneID, duration, delta)
	if errors.Is(err, engine.ErrNoZones) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	out := make([]BoostZoneResult, 0, len(results))
	for _, res := range results {
		zr := BoostZoneResult{ZoneID: res.ZoneID}
		if res.Err != nil {
			zr.Error = res.Err.Error()
		} else {
			prev, temp, until := res.PreviousTempC, res.NewTempC, res.Until
			zr.PreviousTempC = &prev
			zr.TempC = &temp
			zr.BoostUntil = &until
		}
		out = append(out, zr)
	}

	status := http.StatusOK
	if err != nil {
		s.logger.Warn("Boost partially failed", zap.Error(err))
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, out)
}

// AwayResponse is the away-mode state
type AwayResponse struct {
	Active bool               `json:"active"`
	Since  *time.Time         `json:"since,omitempty"`
	Saved  map[string]float64 `json:"saved_setpoints,omitempty"`
}

// AwayRequest is the body of POST /api/away
type AwayRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) awayResponse() AwayResponse {
	snap := s.controller.AwaySnapshot()
	resp := AwayResponse{Active: snap.Active, Saved: snap.Saved}
	if snap.Active {
		since := snap.Since
		resp.Since = &since
	}
	return resp
}

// handleAway reports or changes away mode
func (s *Server) handleAway(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.awayResponse())

	case http.MethodPost:
		var req AwayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			s.writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
			return
		}
		if err := s.controller.SetAwayMode(r.Context(), *req.Enabled); err != nil {
			s.logger.Warn("Away mode change incomplete", zap.Bool("enabled", *req.Enabled), zap.Error(err))
			s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error": err.Error(),
				"away":  s.awayResponse(),
			})
			return
		}
		s.writeJSON(w, http.StatusOK, s.awayResponse())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/health", Method: "GET", Description: "Health check endpoint - returns {\"status\": \"ok\"}"},
	{Path: "/api/zones", Method: "GET", Description: "Applied, pending and boost state of every zone"},
	{Path: "/api/zones/{id}", Method: "GET", Description: "State of one zone"},
	{Path: "/api/boost", Method: "POST", Description: "Boost a zone, or all zones: {\"zone_id\", \"duration_minutes\", \"delta_c\"}"},
	{Path: "/api/away", Method: "GET", Description: "Away mode state and saved setpoints"},
	{Path: "/api/away", Method: "POST", Description: "Enter or leave away mode: {\"enabled\": true|false}"},
	{Path: "/api/optimize", Method: "POST", Description: "Trigger an optimizer planning run: {\"force\", \"target_date\": \"YYYY-MM-DD\"}"},
	{Path: "/api/telemetry", Method: "POST", Description: "Send zone telemetry to the optimizer now"},
}

// OptimizeRequest is the body of POST /api/optimize
type OptimizeRequest struct {
	Force      bool   `json:"force"`
	TargetDate string `json:"target_date,omitempty"`
}

// handleOptimize asks the optimizer for a planning run
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.operator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "optimizer not configured")
		return
	}

	// An empty body means a plain, unforced run
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetDate != "" {
		if _, err := time.Parse(time.DateOnly, req.TargetDate); err != nil {
			s.writeError(w, http.StatusBadRequest, "target_date must be YYYY-MM-DD")
			return
		}
	}

	resp, err := s.operator.TriggerOptimization(r.Context(), req.Force, req.TargetDate)
	if err != nil {
		s.logger.Warn("Optimization trigger failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if resp == nil {
		resp = map[string]interface{}{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleTelemetry sends a telemetry batch now
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.operator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "optimizer not configured")
		return
	}

	if err := s.operator.ReportTelemetry(r.Context()); err != nil {
		s.logger.Warn("Manual telemetry failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleSitemap returns a list of all available API endpoints
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	// Only handle requests to the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	accept := r.Header.Get("Accept")
	preferHTML := strings.HasPrefix(accept, "text/html") || strings.HasPrefix(accept, "*/*")

	if preferHTML {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Smart Heating API</title>
    <style>
        body { font-family: monospace; margin: 40px; background: #1e1e1e; color: #d4d4d4; }
        h1 { color: #4ec9b0; }
        .endpoint { background: #2d2d2d; padding: 15px; margin: 10px 0; border-left: 3px solid #007acc; }
        .method { color: #4ec9b0; font-weight: bold; }
        .path { color: #ce9178; }
        .description { color: #9cdcfe; margin-top: 5px; }
    </style>
</head>
<body>
    <h1>Smart Heating API</h1>
`)
		for _, ep := range endpoints {
			fmt.Fprintf(w, `    <div class="endpoint">
        <div><span class="method">%s</span> <span class="path">%s</span></div>
        <div class="description">%s</div>
    </div>
`, ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "</body>\n</html>\n")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "Smart Heating API\n")
		fmt.Fprintf(w, "=================\n\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  %-6s %-18s %s\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprintf(w, "\nExamples:\n\n")
		fmt.Fprintf(w, "  curl http://localhost:8081/api/zones | jq\n")
		fmt.Fprintf(w, "  curl -X POST -d '{\"zone_id\":\"living_room\"}' http://localhost:8081/api/boost\n")
	}

	s.logger.Debug("Sitemap request served",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("html_format", preferHTML))
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
