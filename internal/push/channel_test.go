package push

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jtecio/smart-heating-optimizer/internal/engine"
	"github.com/jtecio/smart-heating-optimizer/internal/metrics"
	"github.com/jtecio/smart-heating-optimizer/internal/mqtt"
	"github.com/jtecio/smart-heating-optimizer/internal/setpoint"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	cmds []setpoint.Command
}

func (r *recordingSubmitter) Submit(_ context.Context, cmd setpoint.Command) engine.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return engine.Decision{ZoneID: cmd.ZoneID, Outcome: engine.OutcomeApplied}
}

func (r *recordingSubmitter) got() []setpoint.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]setpoint.Command(nil), r.cmds...)
}

func newChannel(t *testing.T) (*Channel, *mqtt.FakeClient, *recordingSubmitter, *metrics.Recorder) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	client := mqtt.NewFakeClient()
	sub := &recordingSubmitter{}
	rec := metrics.NewRecorder()
	return New(client, sub, "ha", "inst-1", rec, logger), client, sub, rec
}

func TestChannel_SubmitsWithZoneFromTopic(t *testing.T) {
	ch, client, sub, rec := newChannel(t)
	require.NoError(t, ch.Start(context.Background()))

	assert.Equal(t, []string{"ha/inst-1/zone/+/setpoint"}, client.Subscriptions())

	// The payload's zone is ignored in favour of the topic
	n := client.Deliver("ha/inst-1/zone/z1/setpoint", []byte(`{"zone_id":"other","temperature_c":21.0,"reason":"price-optimization"}`))
	require.Equal(t, 1, n)

	cmds := sub.got()
	require.Len(t, cmds, 1)
	assert.Equal(t, "z1", cmds[0].ZoneID)
	assert.Equal(t, 21.0, cmds[0].TargetTempC)
	assert.Equal(t, "price-optimization", cmds[0].Reason)
	assert.Equal(t, setpoint.SourcePush, cmds[0].Source)
	assert.Equal(t, 1, rec.Count("push.received", "zone:z1"))
}

func TestChannel_DiscardsMalformed(t *testing.T) {
	ch, client, sub, rec := newChannel(t)
	require.NoError(t, ch.Start(context.Background()))

	client.Deliver("ha/inst-1/zone/z1/setpoint", []byte(`not json`))
	client.Deliver("ha/inst-1/zone/z1/setpoint", []byte(`{"reason":"no temperature"}`))

	assert.Empty(t, sub.got())
	assert.Equal(t, 2, rec.Count("push.rejected"))
}

func TestChannel_SubscribeFailureIsTransportError(t *testing.T) {
	ch, client, _, _ := newChannel(t)
	client.FailSubscribe(errors.New("not connected"))

	err := ch.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, setpoint.ErrTransport)

	// A later start retries
	client.FailSubscribe(nil)
	require.NoError(t, ch.Start(context.Background()))
	assert.Len(t, client.Subscriptions(), 1)
}

func TestChannel_Stop(t *testing.T) {
	ch, client, sub, _ := newChannel(t)
	require.NoError(t, ch.Start(context.Background()))
	require.NoError(t, ch.Stop())

	assert.Equal(t, 0, client.Deliver("ha/inst-1/zone/z1/setpoint", []byte(`{"temperature_c":21}`)))
	assert.Empty(t, sub.got())
	assert.NoError(t, ch.Stop())
}
