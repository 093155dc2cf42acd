// Package metrics emits DogStatsD counters and gauges for the setpoint engine.
package metrics

import (
	"sync"

	"github.com/DataDog/datadog-go/statsd"
	"go.uber.org/zap"
)

// Client is the metrics surface used by the engine and channels
type Client interface {
	Incr(name string, tags ...string)
	Gauge(name string, value float64, tags ...string)
	Close() error
}

// Statsd sends metrics to a Datadog agent
type Statsd struct {
	client *statsd.Client
	logger *zap.Logger
}

// NewStatsd connects to the agent at addr (host:port or unix socket)
func NewStatsd(addr, namespace string, tags []string, logger *zap.Logger) (*Statsd, error) {
	client, err := statsd.New(addr)
	if err != nil {
		return nil, err
	}
	client.Namespace = namespace
	client.Tags = tags

	logger = logger.Named("metrics")
	logger.Info("Datadog metrics initialized",
		zap.String("addr", addr),
		zap.String("namespace", namespace),
		zap.Strings("tags", tags))

	return &Statsd{client: client, logger: logger}, nil
}

// Incr increments a counter
func (s *Statsd) Incr(name string, tags ...string) {
	if err := s.client.Incr(name, tags, 1); err != nil {
		s.logger.Debug("Failed to emit counter", zap.String("metric", name), zap.Error(err))
	}
}

// Gauge records a gauge value
func (s *Statsd) Gauge(name string, value float64, tags ...string) {
	if err := s.client.Gauge(name, value, tags, 1); err != nil {
		s.logger.Debug("Failed to emit gauge", zap.String("metric", name), zap.Error(err))
	}
}

// Close flushes and closes the client
func (s *Statsd) Close() error {
	return s.client.Close()
}

// Noop discards everything. Used when no agent is configured.
type Noop struct{}

func (Noop) Incr(string, ...string) {}
func (Noop) Gauge(string, float64, ...string) {}
func (Noop) Close() error { return nil }

// Recorder keeps metrics in memory for tests
type Recorder struct {
	mu       sync.Mutex
	counters map[string]int
	gauges   map[string]float64
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{counters: make(map[string]int), gauges: make(map[string]float64)}
}

func key(name string, tags []string) string {
	k := name
	for _, t := range tags {
		k += "," + t
	}
	return k
}

func (r *Recorder) Incr(name string, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key(name, tags)]++
}

func (r *Recorder) Gauge(name string, value float64, tags ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[key(name, tags)] = value
}

func (r *Recorder) Close() error { return nil }

// Count returns a counter keyed by name and tags in emission order
func (r *Recorder) Count(name string, tags ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key(name, tags)]
}

// GaugeValue returns the last recorded gauge value
func (r *Recorder) GaugeValue(name string, tags ...string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[key(name, tags)]
	return v, ok
}
