// Package scheduler arms at most one activation timer per zone for commands
// whose validity window opens in the future.
package scheduler

import (
	"sync"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/clock"

	"go.uber.org/zap"
)

// FireFunc runs when a zone's timer expires. It receives the token returned
// by Schedule and must Claim it before acting, because a replacement may
// have been armed between expiry and the callback taking the zone lock.
type FireFunc func(zoneID string, token uint64)

type scheduled struct {
	token  uint64
	fireAt time.Time
	timer  clock.Timer
}

// Scheduler keeps one live timer per zone
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	timers  map[string]*scheduled
	next    uint64
	stopped bool
}

// New creates a scheduler driven by clk
func New(clk clock.Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:  clk,
		logger: logger.Named("scheduler"),
		timers: make(map[string]*scheduled),
	}
}

// Schedule arms a timer for zoneID at fireAt, first canceling any timer the
// zone already has. It returns 0 once the scheduler has been stopped.
func (s *Scheduler) Schedule(zoneID string, fireAt time.Time, fn FireFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}

	if s.cancelLocked(zoneID) {
		s.logger.Debug("Replaced scheduled activation", zap.String("zone_id", zoneID))
	}

	s.next++
	token := s.next

	delay := fireAt.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}

	entry := &scheduled{token: token, fireAt: fireAt}
	entry.timer = s.clock.AfterFunc(delay, func() { fn(zoneID, token) })
	s.timers[zoneID] = entry

	s.logger.Debug("Scheduled activation",
		zap.String("zone_id", zoneID),
		zap.Time("fire_at", fireAt),
		zap.Duration("delay", delay))
	return token
}

// Claim removes the zone's timer if token still identifies it. A false
// return means the timer was canceled or superseded and the fire is stale.
func (s *Scheduler) Claim(zoneID string, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[zoneID]
	if !ok || entry.token != token {
		return false
	}
	delete(s.timers, zoneID)
	return true
}

// Cancel stops the zone's timer. Canceling an absent timer is a no-op.
func (s *Scheduler) Cancel(zoneID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(zoneID)
}

func (s *Scheduler) cancelLocked(zoneID string) bool {
	entry, ok := s.timers[zoneID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, zoneID)
	return true
}

// FireAt reports when the zone's timer is due
func (s *Scheduler) FireAt(zoneID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[zoneID]
	if !ok {
		return time.Time{}, false
	}
	return entry.fireAt, true
}

// Len counts live timers
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every live timer and refuses further scheduling
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for zoneID := range s.timers {
		s.cancelLocked(zoneID)
	}
	s.stopped = true
	s.logger.Info("Scheduler stopped")
}
