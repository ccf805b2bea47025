// Package dispatch delivers outbound messages on background workers so the
// request path never waits on an SMS gateway or mail server.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/params"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull      = errors.New("dispatch queue full")
	ErrNoTransport    = errors.New("no transport for channel")
	ErrDispatcherDown = errors.New("dispatcher stopped")
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type Message struct {
	ID       string
	Channel  Channel
	To       string
	Template string
	Data     map[string]any
}

// Transport sends one message over a concrete channel.
type Transport interface {
	Send(ctx context.Context, msg *Message) error
}

type TransportFunc func(ctx context.Context, msg *Message) error

func (f TransportFunc) Send(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

type Options struct {
	QueueSize  int
	Workers    int
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

type Dispatcher struct {
	mu         sync.RWMutex
	stopped    bool
	queue      chan *Message
	transports map[Channel]Transport
	limiter    *rate.Limiter
	timeout    time.Duration
	workers    int
	wg         sync.WaitGroup
}

// Enqueue hands msg to the workers without blocking.
func (d *Dispatcher) Enqueue(msg *Message) error {
	if _, ok := d.transports[msg.Channel]; !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, msg.Channel)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherDown
	}
	select {
	case d.queue <- msg:
		return nil
	default:
		metrics.DispatchTotal.WithLabelValues(string(msg.Channel), "dropped").Inc()
		return ErrQueueFull
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg *Message) {
	if err := d.limiter.Wait(ctx); err != nil {
		metrics.DispatchTotal.WithLabelValues(string(msg.Channel), "dropped").Inc()
		slog.Warn("Message dropped before delivery", "id", msg.ID, "channel", msg.Channel, "error", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.transports[msg.Channel].Send(sendCtx, msg)
	metrics.DispatchDuration.WithLabelValues(string(msg.Channel)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(string(msg.Channel), "failed").Inc()
		slog.Warn("Message delivery failed", "id", msg.ID, "channel", msg.Channel, "error", err)
		return
	}
	metrics.DispatchTotal.WithLabelValues(string(msg.Channel), "sent").Inc()
	slog.Debug("Message delivered", "id", msg.ID, "channel", msg.Channel)
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(ctx, msg)
	}
}

// Start launches the workers. Canceling ctx aborts in flight sends, Stop
// drains what is already queued.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func New(opts Options, transports map[Channel]Transport) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = params.DispatchTimeout
	}
	return &Dispatcher{
		queue:      make(chan *Message, opts.QueueSize),
		transports: transports,
		limiter:    rate.NewLimiter(limit, opts.Burst),
		timeout:    opts.Timeout,
		workers:    opts.Workers,
	}
}
