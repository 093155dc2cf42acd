// Package push receives setpoint commands published by the optimizer on the
// MQTT broker and submits them for arbitration.
package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/jtecio/smart-heating-optimizer/internal/engine"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/mqtt"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"

	"go.uber.org/zap"
)

// Submitter accepts commands for arbitration
type Submitter interface {
	Submit(ctx context.Context, cmd setpoint.Command) engine.Decision
}

// Channel is the push side of command delivery
type Channel struct {
	client    mqtt.Client
	submitter Submitter
	topic     string
	metrics   metrics.Client
	logger    *zap.Logger

	mu         sync.Mutex
	ctx        context.Context
	subscribed bool
}

// New creates a push channel for one installation
func New(client mqtt.Client, submitter Submitter, namespace, installationID string, m metrics.Client, logger *zap.Logger) *Channel {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Channel{
		client:    client,
		submitter: submitter,
		topic:     setpoint.SetpointTopic(namespace, installationID, "+"),
		metrics:   m,
		logger:    logger.Named("push"),
		ctx:       context.Background(),
	}
}

// Topic is the subscription filter
func (c *Channel) Topic() string {
	return c.topic
}

// Start subscribes at QoS 1. Failure leaves the channel idle; the poll
// channel keeps delivering and a later Start retries the subscription.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribed {
		return nil
	}
	c.ctx = ctx

	if err := c.client.Subscribe(c.topic, 1, c.handle); err != nil {
		c.logger.Warn("Push channel unavailable, relying on polling",
			zap.String("topic", c.topic),
			zap.Error(err))
		return fmt.Errorf("subscribe %s: %w: %v", c.topic, setpoint.ErrTransport, err)
	}

	c.subscribed = true
	c.logger.Info("Subscribed to setpoint topic", zap.String("topic", c.topic))
	return nil
}

// Stop unsubscribes
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.subscribed {
		return nil
	}
	c.subscribed = false
	return c.client.Unsubscribe(c.topic)
}

func (c *Channel) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Channel) handle(topic string, payload []byte) {
	zoneID, err := setpoint.ZoneFromTopic(topic)
	if err == nil {
		var cmd setpoint.Command
		cmd, err = setpoint.ParsePayload(payload)
		if err == nil {
			c.submit(cmd.WithZone(zoneID).WithSource(setpoint.SourcePush))
			return
		}
	}

	c.metrics.Incr("push.rejected")
	c.logger.Warn("Discarding malformed setpoint message",
		zap.String("topic", topic),
		zap.ByteString("payload", payload),
		zap.Error(err))
}

func (c *Channel) submit(cmd setpoint.Command) {
	c.logger.Debug("Received setpoint", zap.String("command", cmd.String()))
	c.metrics.Incr("push.received", "zone:"+cmd.ZoneID)

	d := c.submitter.Submit(c.context(), cmd)
	c.logger.Debug("Push command handled",
		zap.String("zone_id", cmd.ZoneID),
		zap.String("outcome", string(d.Outcome)))
}
