// Package optimizer is the HTTP client for the remote heating optimizer:
// pending setpoints, acknowledgments, zone configuration and telemetry.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production optimizer API
const DefaultBaseURL = "https://iot.jtec.io/api/v1"

const (
	pathPending     = "/ha-integration/setpoints/pending"
	pathAcknowledge = "/ha-integration/setpoints/acknowledge"
	pathZones       = "/ha-integration/zones"
	pathTelemetry   = "/ha-integration/telemetry"
	pathOptimize    = "/ha-integration/optimize"
)

// ErrAuth is returned for 401 and 403 responses
var ErrAuth = errors.New("optimizer rejected API key")

// APIError is a non-2xx response from the optimizer
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("optimizer %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrAuth
	}
	return nil
}

// Config holds the credentials for the optimizer API
type Config struct {
	BaseURL    string
	APIKey     string
	CustomerID string
	Timeout    time.Duration
}

// Client talks to the optimizer API
type Client struct {
	baseURL    string
	apiKey     string
	customerID string
	http       *http.Client
	logger     *zap.Logger
}

// NewClient creates an optimizer client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		customerID: cfg.CustomerID,
		http:       &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Named("optimizer"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	q := u.Query()
	q.Set("customer_id", c.customerID)
	u.RawQuery = q.Encode()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, setpoint.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &setpoint.ParseError{Err: fmt.Errorf("decode %s response: %w", path, err)}
	}
	return nil
}

// Pending is one batch of commands from the poll endpoint
type Pending struct {
	Commands        []setpoint.Command
	NextPollSeconds int

	// Rejected counts entries that failed to parse and were skipped
	Rejected int
}

type pendingResponse struct {
	Commands        []json.RawMessage `json:"commands"`
	NextPollSeconds int               `json:"next_poll_seconds"`
}

// FetchPending returns the commands waiting for this installation in
// response order. Malformed entries are logged and skipped.
func (c *Client) FetchPending(ctx context.Context) (Pending, error) {
	var resp pendingResponse
	if err := c.do(ctx, http.MethodGet, pathPending, nil, &resp); err != nil {
		return Pending{}, err
	}

	result := Pending{NextPollSeconds: resp.NextPollSeconds}
	for _, raw := range resp.Commands {
		cmd, err := setpoint.ParsePayload(raw)
		if err == nil && cmd.ZoneID == "" {
			err = &setpoint.ParseError{Field: "zone_id", Err: errors.New("missing")}
		}
		if err != nil {
			result.Rejected++
			c.logger.Warn("Skipping malformed pending command", zap.Error(err))
			continue
		}
		result.Commands = append(result.Commands, cmd.WithSource(setpoint.SourcePoll))
	}

	c.logger.Debug("Fetched pending setpoints",
		zap.Int("commands", len(result.Commands)),
		zap.Int("rejected", result.Rejected),
		zap.Int("next_poll_seconds", result.NextPollSeconds))
	return result, nil
}

// Acknowledge reports the outcome of a polled command
func (c *Client) Acknowledge(ctx context.Context, ack setpoint.Ack) error {
	return c.do(ctx, http.MethodPost, pathAcknowledge, ack, nil)
}

// Zone is the optimizer's view of a heating zone
type Zone struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	ClimateEntityID     string   `json:"climate_entity_id"`
	TemperatureEntityID string   `json:"temperature_entity_id,omitempty"`
	MinTempC            *float64 `json:"min_temp_c,omitempty"`
	TargetTempC         *float64 `json:"target_temp_c,omitempty"`
	AutoControlEnabled  *bool    `json:"auto_control_enabled,omitempty"`
}

// UnmarshalJSON accepts the zone id as a JSON string or number
func (z *Zone) UnmarshalJSON(data []byte) error {
	type fields Zone
	var raw struct {
		fields
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*z = Zone(raw.fields)

	id := bytes.TrimSpace(raw.ID)
	switch {
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
		z.ID = ""
	case id[0] == '"':
		if err := json.Unmarshal(id, &z.ID); err != nil {
			return fmt.Errorf("zone id: %w", err)
		}
	default:
		var n json.Number
		if err := json.Unmarshal(id, &n); err != nil {
			return fmt.Errorf("zone id: %w", err)
		}
		z.ID = n.String()
	}
	return nil
}

// FetchZones lists the zones configured for this installation
func (c *Client) FetchZones(ctx context.Context) ([]Zone, error) {
	var resp struct {
		Zones []Zone `json:"zones"`
	}
	if err := c.do(ctx, http.MethodGet, pathZones, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Zones, nil
}

// ZoneTelemetry is one zone's readings
type ZoneTelemetry struct {
	ZoneID              string   `json:"zone_id"`
	IndoorTempC         *float64 `json:"indoor_temp_c,omitempty"`
	OutdoorTempC        *float64 `json:"outdoor_temp_c,omitempty"`
	HumidityPct         *float64 `json:"humidity_pct,omitempty"`
	HeatingActive       bool     `json:"heating_active"`
	ThermostatSetpointC *float64 `json:"thermostat_setpoint_c,omitempty"`
	HeatingPowerW       *float64 `json:"heating_power_w,omitempty"`
}

// Telemetry is the installation-wide telemetry batch
type Telemetry struct {
	InstallationID string          `json:"installation_id"`
	Zones          []ZoneTelemetry `json:"zones"`
	OutdoorTempC   *float64        `json:"outdoor_temp_c,omitempty"`
}

// SubmitTelemetry posts a telemetry batch
func (c *Client) SubmitTelemetry(ctx context.Context, t Telemetry) error {
	if t.InstallationID == "" {
		return errors.New("installation ID not set")
	}
	return c.do(ctx, http.MethodPost, pathTelemetry, t, nil)
}

// OptimizeRequest asks the optimizer to plan an installation's schedule
type OptimizeRequest struct {
	InstallationID  string `json:"installation_id"`
	ForceReoptimize bool   `json:"force_reoptimize"`
	TargetDate      string `json:"target_date,omitempty"`
}

// TriggerOptimization starts a planning run and returns the optimizer's
// response body
func (c *Client) TriggerOptimization(ctx context.Context, req OptimizeRequest) (map[string]interface{}, error) {
	if req.InstallationID == "" {
		return nil, errors.New("installation ID not set")
	}

	var resp map[string]interface{}
	if err := c.do(ctx, http.MethodPost, pathOptimize, req, &resp); err != nil {
		return nil, err
	}
	c.logger.Info("Triggered optimization",
		zap.String("installation_id", req.InstallationID),
		zap.Bool("force", req.ForceReoptimize),
		zap.String("target_date", req.TargetDate))
	return resp, nil
}
