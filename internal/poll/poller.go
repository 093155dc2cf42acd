// Package poll periodically pulls pending setpoint commands from the
// optimizer, adapting the interval to what the server asks for.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/jtecio/smart-heating-optimizer/internal/clock"
	"github.com/jtecio/smart-heating-optimizer/internal/engine"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/optimizer"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"

	"go.uber.org/zap"
)

// DefaultInterval is used until the server suggests one
const DefaultInterval = 60 * time.Second

// Source fetches pending commands
type Source interface {
	FetchPending(ctx context.Context) (optimizer.Pending, error)
}

// Submitter accepts commands for arbitration
type Submitter interface {
	Submit(ctx context.Context, cmd setpoint.Command) engine.Decision
}

// Poller is the poll side of command delivery
type Poller struct {
	source    Source
	submitter Submitter
	clock     clock.Clock
	metrics   metrics.Client
	logger    *zap.Logger

	mu       sync.Mutex
	interval time.Duration
}

// New creates a poller starting at interval
func New(source Source, submitter Submitter, clk clock.Clock, interval time.Duration, m metrics.Client, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Poller{
		source:    source,
		submitter: submitter,
		clock:     clk,
		metrics:   m,
		logger:    logger.Named("poll"),
		interval:  interval,
	}
}

// Interval is the current delay between fetches
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Run fetches immediately and then once per interval until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("Starting setpoint polling", zap.Duration("interval", p.Interval()))

	for {
		_ = p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("Setpoint polling stopped")
			return ctx.Err()
		case <-p.clock.After(p.Interval()):
		}
	}
}

// PollOnce performs one fetch and submits every command in response order.
// A failed fetch keeps the current interval.
func (p *Poller) PollOnce(ctx context.Context) error {
	pending, err := p.source.FetchPending(ctx)
	if err != nil {
		p.metrics.Incr("poll.failed")
		p.logger.Warn("Failed to fetch pending setpoints",
			zap.Duration("retry_in", p.Interval()),
			zap.Error(err))
		return err
	}

	if pending.NextPollSeconds > 0 {
		next := time.Duration(pending.NextPollSeconds) * time.Second
		p.mu.Lock()
		if next != p.interval {
			p.logger.Info("Poll interval changed", zap.Duration("from", p.interval), zap.Duration("to", next))
		}
		p.interval = next
		p.mu.Unlock()
	}
	p.metrics.Gauge("poll.interval_seconds", p.Interval().Seconds())
	p.metrics.Incr("poll.succeeded")

	for _, cmd := range pending.Commands {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := p.submitter.Submit(ctx, cmd.WithSource(setpoint.SourcePoll))
		p.logger.Debug("Polled command handled",
			zap.String("zone_id", cmd.ZoneID),
			zap.String("command_id", cmd.CommandID),
			zap.String("outcome", string(d.Outcome)))
	}
	return nil
}
