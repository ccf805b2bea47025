// Package threat records security detections in insertion order.
package threat

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/khanghh/kguard/internal/clock"
	"github.com/khanghh/kguard/internal/metrics"
	"github.com/khanghh/kguard/model"
	"github.com/khanghh/kguard/params"
)

const (
	sinkBatchSize     = 100
	sinkFlushInterval = time.Second
	sinkQueueSize     = 4096
	defaultQueryLimit = 100
)

// Sink persists or forwards appended events. Failures are logged only.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []Event) error
}

// Log keeps the most recent events in a ring buffer and forwards every event
// to the configured sinks in the background.
type Log struct {
	mu        sync.RWMutex
	clock     clock.Clock
	ring      []Event
	next      int
	size      int
	lastID    uint64
	total     int64
	byType    map[string]int64
	byLevel   map[Level]int64
	sinks     []Sink
	queue     chan Event
	done      chan struct{}
	startOnce sync.Once
	stopped   bool
}

func (l *Log) nextID() uint64 {
	id := model.GenerateID()
	if id <= l.lastID {
		id = l.lastID + 1
	}
	l.lastID = id
	return id
}

// Append assigns the event id and timestamp and stores it. Ids grow strictly
// with insertion order.
func (l *Log) Append(event Event) Event {
	l.mu.Lock()
	event.ID = l.nextID()
	if event.Timestamp.IsZero() {
		event.Timestamp = l.clock.Now()
	}
	event.Details = maps.Clone(event.Details)
	l.ring[l.next] = event
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
	l.total++
	l.byType[event.Type]++
	l.byLevel[event.Level]++
	if len(l.sinks) > 0 && !l.stopped {
		select {
		case l.queue <- event:
		default:
			slog.Error("Threat sink queue full, event not forwarded", "id", event.ID)
		}
	}
	l.mu.Unlock()

	metrics.ThreatEvents.WithLabelValues(event.Type, string(event.Level)).Inc()
	slog.Warn("Threat detected", "id", event.ID, "type", event.Type, "level", event.Level, "ip", event.IP, "userID", event.UserID, "action", event.ActionTaken)
	event.Details = maps.Clone(event.Details)
	return event
}

// Query returns up to limit matching events, most recent first. Returned
// events do not share state with the log.
func (l *Log) Query(filter Filter, limit int) []Event {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := make([]Event, 0, min(limit, l.size))
	for i := 1; i <= l.size && len(events) < limit; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		if filter.Match(&l.ring[idx]) {
			event := l.ring[idx]
			event.Details = maps.Clone(event.Details)
			events = append(events, event)
		}
	}
	return events
}

// Stats counts every appended event, including ones no longer retained.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := Stats{
		Total:   l.total,
		Stored:  l.size,
		ByType:  make(map[string]int64, len(l.byType)),
		ByLevel: make(map[Level]int64, len(l.byLevel)),
	}
	for k, v := range l.byType {
		stats.ByType[k] = v
	}
	for k, v := range l.byLevel {
		stats.ByLevel[k] = v
	}
	return stats
}

func (l *Log) publish(ctx context.Context, batch []Event) {
	for _, sink := range l.sinks {
		if err := sink.Publish(ctx, batch); err != nil {
			slog.Error("Failed to publish threat events", "sink", sink.Name(), "count", len(batch), "error", err)
		}
	}
}

func (l *Log) forward(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(sinkFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, sinkBatchSize)
	flush := func() {
		if len(batch) > 0 {
			l.publish(ctx, batch)
			batch = make([]Event, 0, sinkBatchSize)
		}
	}
	for {
		select {
		case event, ok := <-l.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= sinkBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Start begins forwarding events to the sinks.
func (l *Log) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.forward(ctx)
	})
}

// Stop flushes pending events and waits for the forwarder to exit. Events
// appended afterwards are kept in memory only.
func (l *Log) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.queue)
	l.mu.Unlock()

	l.startOnce.Do(func() {
		close(l.done)
	})
	<-l.done
}

func NewLog(clk clock.Clock, capacity int, sinks ...Sink) *Log {
	if capacity <= 0 {
		capacity = params.EventLogCapacity
	}
	return &Log{
		clock:   clk,
		ring:    make([]Event, capacity),
		byType:  make(map[string]int64),
		byLevel: make(map[Level]int64),
		sinks:   sinks,
		queue:   make(chan Event, sinkQueueSize),
		done:    make(chan struct{}),
	}
}
