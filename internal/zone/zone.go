// Package zone holds per-zone configuration and the mutable control state
// the arbitration engine reads and writes under a per-zone lock.
package zone

import (
	"sort"
	"sync"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"
)

const (
	DefaultMinTempC    = 16.0
	DefaultTargetTempC = 20.0
)

// Config is the description of a zone. Temperatures are taken as given;
// zero is a valid minimum for frost-protection setups.
type Config struct {
	ID          string
	Name        string
	MinTempC    float64
	TargetTempC float64
	AutoControl bool
}

// DefaultConfig describes a zone nothing has configured
func DefaultConfig(zoneID string) Config {
	return Config{
		ID:          zoneID,
		MinTempC:    DefaultMinTempC,
		TargetTempC: DefaultTargetTempC,
		AutoControl: true,
	}
}

// Update carries the config fields a remote source knows about. Nil or
// empty fields leave the current value alone.
type Update struct {
	Name        string
	MinTempC    *float64
	TargetTempC *float64
}

// Apply returns c with the update's fields applied
func (u Update) Apply(c Config) Config {
	if u.Name != "" {
		c.Name = u.Name
	}
	if u.MinTempC != nil {
		c.MinTempC = *u.MinTempC
	}
	if u.TargetTempC != nil {
		c.TargetTempC = *u.TargetTempC
	}
	return c
}

// ControlState is the per-zone state consulted by arbitration
type ControlState struct {
	AutoControl bool
	BoostUntil  *time.Time

	Pending      *setpoint.Command
	PendingToken uint64

	Applied   *setpoint.Command
	AppliedAt time.Time
}

// Boosted reports whether a boost is in force at now
func (s *ControlState) Boosted(now time.Time) bool {
	return s.BoostUntil != nil && now.Before(*s.BoostUntil)
}

// ClearPending forgets the pending command
func (s *ControlState) ClearPending() {
	s.Pending = nil
	s.PendingToken = 0
}

func (s *ControlState) clone() ControlState {
	c := *s
	if s.BoostUntil != nil {
		t := *s.BoostUntil
		c.BoostUntil = &t
	}
	if s.Pending != nil {
		p := s.Pending.Clone()
		c.Pending = &p
	}
	if s.Applied != nil {
		a := s.Applied.Clone()
		c.Applied = &a
	}
	return c
}

type entry struct {
	mu    sync.Mutex
	state ControlState
}

// Store owns every zone's control state. States are created lazily on first
// use; zones without a config start with auto-control enabled.
type Store struct {
	mu      sync.RWMutex
	configs map[string]Config
	zones   map[string]*entry
}

// NewStore creates a store seeded with the given zone configs
func NewStore(configs []Config) *Store {
	s := &Store{
		configs: make(map[string]Config),
		zones:   make(map[string]*entry),
	}
	for _, cfg := range configs {
		s.configs[cfg.ID] = cfg
	}
	return s
}

func (s *Store) entry(zoneID string) *entry {
	s.mu.RLock()
	e, ok := s.zones[zoneID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.zones[zoneID]; ok {
		return e
	}

	autoControl := true
	if cfg, ok := s.configs[zoneID]; ok {
		autoControl = cfg.AutoControl
	}
	e = &entry{state: ControlState{AutoControl: autoControl}}
	s.zones[zoneID] = e
	return e
}

// Lock acquires the zone's exclusion domain and returns its mutable state.
// The state must only be touched until unlock is called.
func (s *Store) Lock(zoneID string) (state *ControlState, unlock func()) {
	e := s.entry(zoneID)
	e.mu.Lock()
	return &e.state, e.mu.Unlock
}

// Snapshot returns a copy of the zone's state. ok is false for zones that
// have never been touched.
func (s *Store) Snapshot(zoneID string) (ControlState, bool) {
	s.mu.RLock()
	e, ok := s.zones[zoneID]
	s.mu.RUnlock()
	if !ok {
		return ControlState{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone(), true
}

// Config returns the zone's static config, falling back to defaults
func (s *Store) Config(zoneID string) (Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[zoneID]
	if !ok {
		return DefaultConfig(zoneID), false
	}
	return cfg, true
}

// UpdateConfig applies u to the zone's config, creating it from the defaults
// for zones not seen before, and returns the result. The control state's
// auto-control flag is owned by the engine and is not touched.
func (s *Store) UpdateConfig(zoneID string, u Update) Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[zoneID]
	if !ok {
		cfg = DefaultConfig(zoneID)
	}
	cfg = u.Apply(cfg)
	s.configs[zoneID] = cfg
	return cfg
}

// ConfiguredIDs lists zones with a static config, sorted
func (s *Store) ConfiguredIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDs lists every zone that is configured or has state, sorted
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.configs)+len(s.zones))
	for id := range s.configs {
		seen[id] = struct{}{}
	}
	for id := range s.zones {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AwaySnapshot is the installation-wide away-mode record
type AwaySnapshot struct {
	Active bool
	Since  time.Time
	Saved  map[string]float64
}

// Clone deep-copies the snapshot
func (a AwaySnapshot) Clone() AwaySnapshot {
	c := a
	if a.Saved != nil {
		c.Saved = make(map[string]float64, len(a.Saved))
		for k, v := range a.Saved {
			c.Saved[k] = v
		}
	}
	return c
}
