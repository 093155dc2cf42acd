// Package coordinator keeps the engine in step with the optimizer's zone
// configuration and reports Home Assistant readings back as telemetry.
package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/clock"
	"github.com/jtecio/smart-heating-optimizer/internal/ha"
	"github.com/jtecio/smart-heating-optimizer/internal/optimizer"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"go.uber.org/zap"
)

const (
	DefaultScanInterval      = 60 * time.Second
	DefaultTelemetryInterval = 300 * time.Second
)

// ZoneSource lists the optimizer's zones
type ZoneSource interface {
	FetchZones(ctx context.Context) ([]optimizer.Zone, error)
}

// TelemetrySink receives telemetry batches
type TelemetrySink interface {
	SubmitTelemetry(ctx context.Context, t optimizer.Telemetry) error
}

// Planner starts optimizer planning runs
type Planner interface {
	TriggerOptimization(ctx context.Context, req optimizer.OptimizeRequest) (map[string]interface{}, error)
}

// ZoneUpdater is the engine surface the optimizer's config writes to
type ZoneUpdater interface {
	SetAutoControl(zoneID string, enabled bool)
	UpdateZoneConfig(zoneID string, u zone.Update)
}

// Sensors names the Home Assistant entities read for a zone
type Sensors struct {
	ClimateEntityID     string `yaml:"climate_entity_id"`
	TemperatureEntityID string `yaml:"temperature_entity_id"`
	HumidityEntityID    string `yaml:"humidity_entity_id"`
	PowerEntityID       string `yaml:"power_entity_id"`
}

// Config configures a Coordinator
type Config struct {
	InstallationID    string
	OutdoorEntityID   string
	ScanInterval      time.Duration
	TelemetryInterval time.Duration

	// Sensors per zone ID; zones learned from the optimizer are added
	Sensors map[string]Sensors

	// Bind is called for each optimizer zone that names a climate entity,
	// so the caller can route it to an actuator. Optional.
	Bind func(zoneID, climateEntityID string)

	// Planner handles operator-triggered optimization. Optional.
	Planner Planner
}

// ErrNoPlanner is returned by TriggerOptimization when no planner is configured
var ErrNoPlanner = errors.New("optimizer not configured")

// Coordinator runs the zone sync and telemetry loops
type Coordinator struct {
	ha        ha.HAClient
	zones     ZoneSource
	telemetry TelemetrySink
	engine    ZoneUpdater
	clock     clock.Clock
	cfg       Config
	logger    *zap.Logger

	mu      sync.RWMutex
	sensors map[string]Sensors
}

// New creates a coordinator
func New(client ha.HAClient, zones ZoneSource, telemetry TelemetrySink, engine ZoneUpdater, clk clock.Clock, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.TelemetryInterval <= 0 {
		cfg.TelemetryInterval = DefaultTelemetryInterval
	}

	sensors := make(map[string]Sensors, len(cfg.Sensors))
	for id, s := range cfg.Sensors {
		sensors[id] = s
	}

	return &Coordinator{
		ha:        client,
		zones:     zones,
		telemetry: telemetry,
		engine:    engine,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.Named("coordinator"),
		sensors:   sensors,
	}
}

// Run drives both loops until ctx is done. Each loop runs once immediately.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.loop(ctx, "zone sync", c.cfg.ScanInterval, c.SyncZones)
	}()
	go func() {
		defer wg.Done()
		c.loop(ctx, "telemetry", c.cfg.TelemetryInterval, c.ReportTelemetry)
	}()
	wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("Periodic task failed", zap.String("task", name), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(interval):
		}
	}
}

// SyncZones pulls zone configuration and forwards temperatures and
// auto-control flags to the engine
func (c *Coordinator) SyncZones(ctx context.Context) error {
	zones, err := c.zones.FetchZones(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for _, z := range zones {
		if z.ClimateEntityID == "" {
			continue
		}
		s := c.sensors[z.ID]
		if s.ClimateEntityID == "" {
			s.ClimateEntityID = z.ClimateEntityID
		}
		if s.TemperatureEntityID == "" {
			s.TemperatureEntityID = z.TemperatureEntityID
		}
		c.sensors[z.ID] = s
	}
	c.mu.Unlock()

	for _, z := range zones {
		if c.cfg.Bind != nil && z.ClimateEntityID != "" {
			c.cfg.Bind(z.ID, z.ClimateEntityID)
		}
		c.engine.UpdateZoneConfig(z.ID, zone.Update{
			Name:        z.Name,
			MinTempC:    z.MinTempC,
			TargetTempC: z.TargetTempC,
		})
		if z.AutoControlEnabled != nil {
			c.engine.SetAutoControl(z.ID, *z.AutoControlEnabled)
		}
	}

	c.logger.Debug("Synced zones", zap.Int("zones", len(zones)))
	return nil
}

func (c *Coordinator) zoneIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.sensors))
	for id := range c.sensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Coordinator) sensorsFor(zoneID string) (Sensors, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sensors[zoneID]
	return s, ok
}

func (c *Coordinator) state(entityID string) *ha.State {
	if entityID == "" {
		return nil
	}
	state, err := c.ha.GetState(entityID)
	if err != nil {
		c.logger.Debug("Entity not readable", zap.String("entity_id", entityID), zap.Error(err))
		return nil
	}
	return state
}

func (c *Coordinator) sensorValue(entityID string) *float64 {
	if v, ok := c.state(entityID).FloatState(); ok {
		return &v
	}
	return nil
}

func attr(state *ha.State, name string) *float64 {
	if !state.Available() {
		return nil
	}
	if v, ok := state.FloatAttribute(name); ok {
		return &v
	}
	return nil
}

// ReportTelemetry reads every known zone and posts one batch
func (c *Coordinator) ReportTelemetry(ctx context.Context) error {
	if !c.ha.IsConnected() {
		return errors.New("home assistant not connected")
	}

	outdoor := c.sensorValue(c.cfg.OutdoorEntityID)
	batch := optimizer.Telemetry{
		InstallationID: c.cfg.InstallationID,
		OutdoorTempC:   outdoor,
	}

	for _, id := range c.zoneIDs() {
		s, _ := c.sensorsFor(id)
		climate := c.state(s.ClimateEntityID)

		zt := optimizer.ZoneTelemetry{
			ZoneID:              id,
			OutdoorTempC:        outdoor,
			ThermostatSetpointC: attr(climate, "temperature"),
			HeatingActive:       climate.Available() && climate.Attributes["hvac_action"] == "heating",
		}

		zt.IndoorTempC = c.sensorValue(s.TemperatureEntityID)
		if zt.IndoorTempC == nil {
			zt.IndoorTempC = attr(climate, "current_temperature")
		}
		zt.HumidityPct = c.sensorValue(s.HumidityEntityID)
		if zt.HumidityPct == nil {
			zt.HumidityPct = attr(climate, "current_humidity")
		}
		zt.HeatingPowerW = c.sensorValue(s.PowerEntityID)

		batch.Zones = append(batch.Zones, zt)
	}

	if len(batch.Zones) == 0 {
		return nil
	}
	if err := c.telemetry.SubmitTelemetry(ctx, batch); err != nil {
		return err
	}

	c.logger.Debug("Telemetry sent", zap.Int("zones", len(batch.Zones)))
	return nil
}

// ZoneStatus returns the zone's measured temperature and whether it is
// heating, for status publishing
func (c *Coordinator) ZoneStatus(zoneID string) (*float64, bool) {
	s, ok := c.sensorsFor(zoneID)
	if !ok {
		return nil, false
	}

	climate := c.state(s.ClimateEntityID)
	current := c.sensorValue(s.TemperatureEntityID)
	if current == nil {
		current = attr(climate, "current_temperature")
	}
	return current, climate.Available() && climate.Attributes["hvac_action"] == "heating"
}

// TriggerOptimization asks the optimizer to plan this installation.
// targetDate is an optional YYYY-MM-DD day to plan.
func (c *Coordinator) TriggerOptimization(ctx context.Context, force bool, targetDate string) (map[string]interface{}, error) {
	if c.cfg.Planner == nil {
		return nil, ErrNoPlanner
	}
	return c.cfg.Planner.TriggerOptimization(ctx, optimizer.OptimizeRequest{
		InstallationID:  c.cfg.InstallationID,
		ForceReoptimize: force,
		TargetDate:      targetDate,
	})
}
