package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/actuator"
	"github.com/jtecio/smart-heating-optimizer/internal/coordinator"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ZonesFileName is the zone configuration file inside the config directory
const ZonesFileName = "zones.yaml"

// Actuator kinds
const (
	ActuatorClimate = "climate"
	ActuatorModbus  = "modbus"
)

// ActuatorConfig binds a zone to the device that carries its setpoint
type ActuatorConfig struct {
	Type     string  `yaml:"type"`
	EntityID string  `yaml:"entity_id"`
	Register uint16  `yaml:"register"`
	Scale    float64 `yaml:"scale"`
}

// ZoneConfig is one zone entry in zones.yaml
type ZoneConfig struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name"`
	MinTempC    *float64            `yaml:"min_temp_c"`
	TargetTempC *float64            `yaml:"target_temp_c"`
	AutoControl *bool               `yaml:"auto_control"`
	Actuator    ActuatorConfig      `yaml:"actuator"`
	Sensors     coordinator.Sensors `yaml:"sensors"`
}

// ZonesConfig is the parsed zones.yaml
type ZonesConfig struct {
	PollInterval      time.Duration          `yaml:"poll_interval"`
	ScanInterval      time.Duration          `yaml:"scan_interval"`
	TelemetryInterval time.Duration          `yaml:"telemetry_interval"`
	OutdoorEntityID   string                 `yaml:"outdoor_temp_entity_id"`
	Modbus            *actuator.ModbusConfig `yaml:"modbus"`
	Zones             []ZoneConfig           `yaml:"zones"`
}

// Validate checks zone IDs are unique and actuator bindings are complete
func (c *ZonesConfig) Validate() error {
	seen := make(map[string]bool, len(c.Zones))
	for i, z := range c.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone %d: missing id", i)
		}
		if seen[z.ID] {
			return fmt.Errorf("zone %s: duplicate id", z.ID)
		}
		seen[z.ID] = true

		switch z.Actuator.Type {
		case "", ActuatorClimate:
			if z.Actuator.EntityID == "" && z.Sensors.ClimateEntityID == "" {
				return fmt.Errorf("zone %s: climate actuator needs entity_id", z.ID)
			}
		case ActuatorModbus:
			if c.Modbus == nil || c.Modbus.Host == "" {
				return fmt.Errorf("zone %s: modbus actuator but no modbus host configured", z.ID)
			}
		default:
			return fmt.Errorf("zone %s: unknown actuator type %q", z.ID, z.Actuator.Type)
		}
	}
	return nil
}

// ClimateEntity returns the climate entity that drives the zone, falling back
// to the sensor block's climate entity
func (z ZoneConfig) ClimateEntity() string {
	if z.Actuator.EntityID != "" {
		return z.Actuator.EntityID
	}
	return z.Sensors.ClimateEntityID
}

// ZoneConfigs converts to engine zone configuration. Auto control is on unless
// explicitly disabled; omitted temperatures take the zone defaults.
func (c *ZonesConfig) ZoneConfigs() []zone.Config {
	out := make([]zone.Config, 0, len(c.Zones))
	for _, z := range c.Zones {
		cfg := zone.Update{
			Name:        z.Name,
			MinTempC:    z.MinTempC,
			TargetTempC: z.TargetTempC,
		}.Apply(zone.DefaultConfig(z.ID))
		if z.AutoControl != nil {
			cfg.AutoControl = *z.AutoControl
		}
		out = append(out, cfg)
	}
	return out
}

// SensorMap returns sensor entities per zone for the coordinator
func (c *ZonesConfig) SensorMap() map[string]coordinator.Sensors {
	out := make(map[string]coordinator.Sensors, len(c.Zones))
	for _, z := range c.Zones {
		s := z.Sensors
		if s.ClimateEntityID == "" && z.Actuator.Type != ActuatorModbus {
			s.ClimateEntityID = z.ClimateEntity()
		}
		out[z.ID] = s
	}
	return out
}

// Loader reads configuration files from a directory
type Loader struct {
	configDir string
	logger    *zap.Logger
	zones     *ZonesConfig
}

// NewLoader creates a new configuration loader
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{
		configDir: configDir,
		logger:    logger.Named("config"),
	}
}

// LoadAll loads all configuration files
func (l *Loader) LoadAll() error {
	l.logger.Info("Loading configuration files", zap.String("dir", l.configDir))

	if err := l.LoadZonesConfig(); err != nil {
		return fmt.Errorf("failed to load zones config: %w", err)
	}

	l.logger.Info("All configuration files loaded successfully")
	return nil
}

// LoadZonesConfig loads zones.yaml. A missing file yields an empty
// configuration; zones are then learned from the optimizer.
func (l *Loader) LoadZonesConfig() error {
	path := filepath.Join(l.configDir, ZonesFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		l.logger.Warn("No zones config found, relying on optimizer zone sync", zap.String("path", path))
		l.zones = &ZonesConfig{}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read zones config: %w", err)
	}

	var cfg ZonesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse zones config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid zones config: %w", err)
	}

	l.zones = &cfg

	ids := make([]string, 0, len(cfg.Zones))
	for _, z := range cfg.Zones {
		ids = append(ids, z.ID)
	}
	sort.Strings(ids)
	l.logger.Info("Zones config loaded successfully", zap.Strings("zones", ids))
	return nil
}

// GetZonesConfig returns the loaded zones configuration
func (l *Loader) GetZonesConfig() *ZonesConfig {
	return l.zones
}
