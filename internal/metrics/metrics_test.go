package metrics

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	r.Incr("setpoint.dropped", "reason:boosted")
	r.Incr("setpoint.dropped", "reason:boosted")
	r.Incr("setpoint.dropped", "reason:expired")
	r.Gauge("poll.interval_seconds", 60)
	r.Gauge("poll.interval_seconds", 120)

	assert.Equal(t, 2, r.Count("setpoint.dropped", "reason:boosted"))
	assert.Equal(t, 1, r.Count("setpoint.dropped", "reason:expired"))
	assert.Equal(t, 0, r.Count("setpoint.applied"))

	v, ok := r.GaugeValue("poll.interval_seconds")
	assert.True(t, ok)
	assert.Equal(t, 120.0, v)
}

func TestStatsd_SendsToAgent(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()

	client, err := NewStatsd(conn.LocalAddr().String(), "heating.", []string{"env:test"}, logger)
	require.NoError(t, err)

	client.Incr("setpoint.applied", "zone:z1")
	require.NoError(t, client.Close())

	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	packet := string(buf[:n])
	assert.True(t, strings.Contains(packet, "heating.setpoint.applied:1|c"), packet)
	assert.Contains(t, packet, "zone:z1")
	assert.Contains(t, packet, "env:test")
}

func TestNoop(t *testing.T) {
	var c Client = Noop{}
	c.Incr("x")
	c.Gauge("y", 1)
	assert.NoError(t, c.Close())
}
