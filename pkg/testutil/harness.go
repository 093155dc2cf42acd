package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/actuator"
	"github.com/jtecio/smart-heating-optimizer/internal/clock"
	"github.com/jtecio/smart-heating-optimizer/internal/engine"
	"github.com/jtecio/smart-heating-optimizer/internal/events"
	"github.com/jtecio/smart-heating-optimizer/internal/ha"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/mqtt"
	"github.com/jtecio/smart-heating-optimizer/internal/optimizer"
	"github.com/jtecio/smart-heating-optimizer/internal/poll"
	"github.com/jtecio/smart-heating-optimizer/internal/push"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
	"github.com/jtecio/smart-heating-optimizer/internal/store"
	"github.com/jtecio/smart-heating-optimizer/internal/zone"

	"go.uber.org/zap"
)

// Fixed identifiers used by TestEnv
const (
	TestToken          = "test_token"
	TestAPIKey         = "test_api_key"
	TestCustomerID     = "cust-1"
	TestInstallationID = "inst-1"
	TestNamespace      = "ha"
)

// StartTime is the mock clock's initial reading
var StartTime = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

// TestEnv wires the engine to a mock Home Assistant over a real WebSocket
// client, a mock optimizer over HTTP, a fake MQTT broker and a SQLite store
type TestEnv struct {
	HA        *MockHAServer
	Optimizer *MockOptimizer
	OptClient *optimizer.Client
	MQTT      *mqtt.FakeClient
	Client    *ha.Client
	Clock     *clock.MockClock
	Router    *actuator.Router
	Engine    *engine.Engine
	Bus       *events.Bus
	Push      *push.Channel
	Poller    *poll.Poller
	Metrics   *metrics.Recorder
	Repo      *store.Repository
	DB        *sql.DB
	Logger    *zap.Logger

	cancel context.CancelFunc
}

// NewTestEnv creates a connected environment with one climate entity per
// zone, named climate.<zone>, holding 20.0. Cleanup is registered on t.
func NewTestEnv(t testing.TB, zones ...zone.Config) *TestEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	env := &TestEnv{
		HA:        NewMockHAServer(TestToken),
		Optimizer: NewMockOptimizer(TestAPIKey, TestCustomerID),
		MQTT:      mqtt.NewFakeClient(),
		Clock:     clock.NewMockClock(StartTime),
		Router:    actuator.NewRouter(),
		Metrics:   metrics.NewRecorder(),
		Logger:    logger,
	}
	t.Cleanup(env.Cleanup)

	for _, z := range zones {
		env.HA.SetClimate("climate."+z.ID, 20.0)
	}

	env.Client = ha.NewClient(env.HA.URL(), TestToken, logger)
	if err := env.Client.Connect(); err != nil {
		t.Fatalf("failed to connect client: %v", err)
	}
	for _, z := range zones {
		env.Router.Bind(z.ID, actuator.NewClimate(env.Client, "climate."+z.ID))
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	env.DB = db
	env.Repo = store.NewRepository(db)

	env.OptClient = optimizer.NewClient(optimizer.Config{
		BaseURL:    env.Optimizer.URL(),
		APIKey:     TestAPIKey,
		CustomerID: TestCustomerID,
		Timeout:    5 * time.Second,
	}, logger)
	opt := env.OptClient

	env.Bus = events.NewBus(0, logger)
	env.Bus.AddSink(events.NewHASink(env.Client))
	env.Bus.AddSink(events.NewMetricsSink(env.Metrics))

	env.Engine = engine.New(engine.Deps{
		Clock:   env.Clock,
		Zones:   zone.NewStore(zones),
		Router:  env.Router,
		Acks:    opt,
		Events:  env.Bus,
		Persist: env.Repo,
		Metrics: env.Metrics,
	}, logger)

	var ctx context.Context
	ctx, env.cancel = context.WithCancel(context.Background())
	env.Bus.Start(ctx)

	env.Push = push.New(env.MQTT, env.Engine, TestNamespace, TestInstallationID, env.Metrics, logger)
	if err := env.Push.Start(ctx); err != nil {
		t.Fatalf("failed to start push channel: %v", err)
	}
	env.Poller = poll.New(opt, env.Engine, env.Clock, 0, env.Metrics, logger)

	return env
}

// Cleanup stops all components in the correct order
func (e *TestEnv) Cleanup() {
	if e.Push != nil {
		e.Push.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.Engine != nil {
		e.Engine.Shutdown()
	}
	if e.Bus != nil {
		e.Bus.Stop()
	}
	if e.Client != nil {
		e.Client.Disconnect()
	}
	if e.DB != nil {
		e.DB.Close()
	}
	if e.Optimizer != nil {
		e.Optimizer.Stop()
	}
	if e.HA != nil {
		e.HA.Stop()
	}
}

// PushSetpoint delivers a setpoint message on the zone's MQTT topic and
// returns the number of subscribers that received it
func (e *TestEnv) PushSetpoint(zoneID string, payload []byte) int {
	return e.MQTT.Deliver(setpoint.SetpointTopic(TestNamespace, TestInstallationID, zoneID), payload)
}
