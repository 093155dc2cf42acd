package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jtecio/smart-heating-optimizer/internal/actuator"
	"github.com/jtecio/smart-heating-optimizer/internal/api"
	"github.com/jtecio/smart-heating-optimizer/internal/clock"
	"github.com/jtecio/smart-heating-optimizer/internal/config"
	"github.com/jtecio/smart-heating-optimizer/internal/coordinator"
	"github.com/jtecio/smart-heating-optimizer/internal/engine"
	"github.com/jtecio/smart-heating-optimizer/internal/events"
	"github.com/jtecio/smart-heating-optimizer/internal/ha"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/mqtt"
	"github.com/jtecio/smart-heating-optimizer/internal/optimizer"
	"github.com/jtecio/smart-heating-optimizer/internal/poll"
	"github.com/jtecio/smart-heating-optimizer/internal/push"
	"github.com/jtecio/smart-heating-optimizer/internal/store"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	env, err := config.LoadEnv()
	if err != nil {
		logger.Fatal("Invalid environment", zap.Error(err))
	}

	loader := config.NewLoader(env.ConfigDir, logger)
	if err := loader.LoadAll(); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	zonesCfg := loader.GetZonesConfig()

	logger.Info("Starting Smart Heating Optimizer",
		zap.String("ha_url", env.HAURL),
		zap.String("installation_id", env.InstallationID),
		zap.Bool("read_only", env.ReadOnly))

	// Create HA client
	client := ha.NewClient(env.HAURL, env.HAToken, logger)
	if err := client.Connect(); err != nil {
		logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
	}
	defer client.Disconnect()

	logger.Info("Connected to Home Assistant")

	db, err := store.Open(env.DBPath)
	if err != nil {
		logger.Fatal("Failed to open state database", zap.String("path", env.DBPath), zap.Error(err))
	}
	defer closeDB(db, logger)

	metricsClient := newMetrics(env, logger)
	defer metricsClient.Close()

	// Actuators
	router := actuator.NewRouter()
	modbusBus := bindActuators(router, zonesCfg, client, env.ReadOnly, logger)
	if modbusBus != nil {
		defer modbusBus.Close()
	}

	var optimizerClient *optimizer.Client
	var acks engine.Acknowledger
	if env.OptimizerEnabled() {
		optimizerClient = optimizer.NewClient(optimizer.Config{
			BaseURL:    env.OptimizerURL,
			APIKey:     env.OptimizerAPIKey,
			CustomerID: env.CustomerID,
		}, logger)
		acks = optimizerClient
	} else {
		logger.Warn("OPTIMIZER_API_KEY or CUSTOMER_ID not set, polling, telemetry and acknowledgments disabled")
	}

	clk := clock.NewRealClock()
	bus := events.NewBus(0, logger)

	eng := engine.New(engine.Deps{
		Clock:   clk,
		Zones:   zone.NewStore(zonesCfg.ZoneConfigs()),
		Router:  router,
		Acks:    acks,
		Events:  bus,
		Persist: store.NewRepository(db),
		Metrics: metricsClient,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Restore(ctx); err != nil {
		logger.Warn("Failed to restore persisted state", zap.Error(err))
	}

	coordCfg := coordinator.Config{
		InstallationID:    env.InstallationID,
		OutdoorEntityID:   zonesCfg.OutdoorEntityID,
		ScanInterval:      zonesCfg.ScanInterval,
		TelemetryInterval: zonesCfg.TelemetryInterval,
		Sensors:           zonesCfg.SensorMap(),
		Bind: func(zoneID, entityID string) {
			if _, err := router.Lookup(zoneID); err == nil {
				return
			}
			router.Bind(zoneID, wrapReadOnly(actuator.NewClimate(client, entityID), env.ReadOnly, logger))
			logger.Info("Bound zone from optimizer config", zap.String("zone_id", zoneID), zap.String("entity_id", entityID))
		},
	}
	if optimizerClient != nil {
		coordCfg.Planner = optimizerClient
	}
	coord := coordinator.New(client, optimizerClient, optimizerClient, eng, clk, coordCfg, logger)

	// Event sinks
	bus.AddSink(events.NewHASink(client))
	bus.AddSink(events.NewMetricsSink(metricsClient))

	var mqttClient *mqtt.PahoClient
	var channel *push.Channel
	if env.MQTTBroker != "" {
		mqttClient, err = mqtt.Dial(mqtt.Config{
			Broker:   env.MQTTBroker,
			Username: env.MQTTUsername,
			Password: env.MQTTPassword,
		}, logger)
		if err != nil {
			logger.Error("MQTT unavailable, relying on polling", zap.Error(err))
		} else {
			bus.AddSink(events.NewMQTTStatusSink(mqttClient, env.MQTTNamespace, env.InstallationID, coord))
			channel = push.New(mqttClient, eng, env.MQTTNamespace, env.InstallationID, metricsClient, logger)
			if err := channel.Start(ctx); err != nil {
				logger.Error("Failed to subscribe to setpoint topic, relying on polling", zap.Error(err))
			}
		}
	} else {
		logger.Info("MQTT_BROKER not set, push delivery disabled")
	}

	bus.Start(ctx)

	var wg sync.WaitGroup
	if optimizerClient != nil {
		poller := poll.New(optimizerClient, eng, clk, zonesCfg.PollInterval, metricsClient, logger)
		wg.Add(2)
		go func() {
			defer wg.Done()
			poller.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			coord.Run(ctx)
		}()
	}

	server := api.NewServer(eng, logger, env.HTTPPort)
	if optimizerClient != nil {
		server.SetOperator(coord)
	}
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API server", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Application running. Press Ctrl+C to exit.",
		zap.Strings("zones", eng.ZoneIDs()))
	if env.ReadOnly {
		logger.Info("Running in READ-ONLY mode - setpoints will be logged, not written")
	}

	// Wait for shutdown signal
	<-sigChan

	logger.Info("Shutting down gracefully...")

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API server", zap.Error(err))
	}
	if channel != nil {
		if err := channel.Stop(); err != nil {
			logger.Warn("Failed to unsubscribe from setpoint topic", zap.Error(err))
		}
	}
	cancel()
	wg.Wait()
	eng.Shutdown()
	bus.Stop()
	if mqttClient != nil {
		mqttClient.Close()
	}
}

func newMetrics(env config.Env, logger *zap.Logger) metrics.Client {
	if env.DDAgentAddr == "" {
		return metrics.Noop{}
	}
	m, err := metrics.NewStatsd(env.DDAgentAddr, "smart_heating.", []string{"installation:" + env.InstallationID}, logger)
	if err != nil {
		logger.Warn("Failed to initialize Datadog metrics", zap.Error(err))
		return metrics.Noop{}
	}
	return m
}

func wrapReadOnly(a actuator.Actuator, readOnly bool, logger *zap.Logger) actuator.Actuator {
	if readOnly {
		return actuator.NewReadOnly(a, logger)
	}
	return a
}

// bindActuators routes every configured zone to its climate entity or Modbus
// register. It returns the shared Modbus bus when one is configured.
func bindActuators(router *actuator.Router, cfg *config.ZonesConfig, client ha.HAClient, readOnly bool, logger *zap.Logger) *actuator.ModbusBus {
	var bus *actuator.ModbusBus
	if cfg.Modbus != nil && cfg.Modbus.Host != "" {
		bus = actuator.NewModbusBus(*cfg.Modbus, logger)
	}

	for _, z := range cfg.Zones {
		var a actuator.Actuator
		switch z.Actuator.Type {
		case config.ActuatorModbus:
			a = actuator.NewRegister(bus, z.Actuator.Register, z.Actuator.Scale)
		default:
			a = actuator.NewClimate(client, z.ClimateEntity())
		}
		router.Bind(z.ID, wrapReadOnly(a, readOnly, logger))
		logger.Info("Bound zone", zap.String("zone_id", z.ID), zap.String("actuator", a.Ref()))
	}
	return bus
}

func closeDB(db *sql.DB, logger *zap.Logger) {
	if err := db.Close(); err != nil {
		logger.Warn("Failed to close state database", zap.Error(err))
	}
}
