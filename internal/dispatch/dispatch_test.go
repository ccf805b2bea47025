package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/khanghh/kguard/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recordingTransport) Send(ctx context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg.ID)
	return r.err
}

func (r *recordingTransport) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestDispatcherDeliversQueuedMessages(t *testing.T) {
	sms := &recordingTransport{}
	d := New(Options{QueueSize: 8, Workers: 2, Timeout: time.Second}, map[Channel]Transport{ChannelSMS: sms})
	d.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Enqueue(&Message{ID: id, Channel: ChannelSMS, To: "+15550000000"}))
	}
	d.Stop()

	assert.ElementsMatch(t, []string{"a", "b", "c"}, sms.ids())
	assert.ErrorIs(t, d.Enqueue(&Message{ID: "late", Channel: ChannelSMS}), ErrDispatcherDown)
}

func TestDispatcherUnknownChannel(t *testing.T) {
	d := New(Options{}, map[Channel]Transport{})
	assert.ErrorIs(t, d.Enqueue(&Message{ID: "x", Channel: ChannelEmail}), ErrNoTransport)
}

func TestDispatcherQueueFullDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	blocking := TransportFunc(func(ctx context.Context, msg *Message) error {
		<-release
		return nil
	})
	d := New(Options{QueueSize: 1, Workers: 1}, map[Channel]Transport{ChannelEmail: blocking})

	// no workers yet, the first message fills the queue
	require.NoError(t, d.Enqueue(&Message{ID: "1", Channel: ChannelEmail}))
	done := make(chan error, 1)
	go func() { done <- d.Enqueue(&Message{ID: "2", Channel: ChannelEmail}) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	close(release)
	d.Start(context.Background())
	d.Stop()
}

func TestDispatcherSendFailureIsSwallowed(t *testing.T) {
	failing := &recordingTransport{err: errors.New("gateway down")}
	d := New(Options{QueueSize: 2, Workers: 1}, map[Channel]Transport{ChannelSMS: failing})
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(&Message{ID: "x", Channel: ChannelSMS}))
	d.Stop()
	assert.Equal(t, []string{"x"}, failing.ids())
}

func TestDispatcherAppliesTimeout(t *testing.T) {
	deadline := make(chan bool, 1)
	slow := TransportFunc(func(ctx context.Context, msg *Message) error {
		_, ok := ctx.Deadline()
		deadline <- ok
		return nil
	})
	d := New(Options{QueueSize: 1, Workers: 1, Timeout: 50 * time.Millisecond}, map[Channel]Transport{ChannelSMS: slow})
	d.Start(context.Background())
	require.NoError(t, d.Enqueue(&Message{ID: "x", Channel: ChannelSMS}))
	d.Stop()
	assert.True(t, <-deadline)
}

func TestDispatcherCountsDropsOnShutdown(t *testing.T) {
	sms := &recordingTransport{}
	d := New(Options{QueueSize: 2, Workers: 1}, map[Channel]Transport{ChannelSMS: sms})
	dropped := metrics.DispatchTotal.WithLabelValues(string(ChannelSMS), "dropped")
	before := testutil.ToFloat64(dropped)

	require.NoError(t, d.Enqueue(&Message{ID: "x", Channel: ChannelSMS}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx)
	d.Stop()

	assert.Empty(t, sms.ids())
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
}
