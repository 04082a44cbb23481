// Package events implements an async, buffered emitter for gateway
// decision events. Events are batched and published to a Redis pub/sub
// channel where downstream consumers (audit, analytics) subscribe. The
// emitter is optional and fire-and-forget: it never blocks the request hot
// path, and a full buffer drops the oldest event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/camino-platform/gateway/internal/config"
	"github.com/camino-platform/gateway/internal/redis"
)

// Event types emitted by the pipeline stages.
const (
	TypeAuthOK       = "auth_ok"
	TypeAuthDenied   = "auth_denied"
	TypeRateLimited  = "rate_limited"
	TypeBreakerOpen  = "breaker_open"
	TypeBreakerClose = "breaker_close"
)

// Event is a single gateway decision.
type Event struct {
	Type          string `json:"type"`
	Service       string `json:"service"`
	CorrelationID string `json:"correlation_id"`
	TraceID       string `json:"trace_id,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Status        int    `json:"status,omitempty"`
	Timestamp     string `json:"timestamp"` // RFC 3339
}

const (
	defaultBufferSize = 1024
	batchSize         = 100
	flushInterval     = time.Second
	publishTimeout    = 5 * time.Second
)

// Emitter batches decision events and publishes them to Redis.
type Emitter struct {
	client  redis.Client
	channel string
	logger  *slog.Logger

	// OnDropped is called once per event lost to buffer overflow.
	OnDropped func()

	ring       []Event
	ringMu     sync.Mutex
	ringHead   int
	ringTail   int
	ringLen    int
	bufferSize int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter creates an emitter publishing to the configured channel.
// Returns nil when events are disabled; a nil *Emitter is safe to use.
func NewEmitter(cfg config.EventsConfig, client redis.Client, logger *slog.Logger) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "gateway:events"
	}

	e := &Emitter{
		client:     client,
		channel:    channel,
		logger:     logger.With("component", "events"),
		ring:       make([]Event, bufferSize),
		bufferSize: bufferSize,
		flushCh:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues an event. Never blocks; a full buffer drops the oldest
// event. Safe on a nil emitter.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.OnDropped != nil {
			e.OnDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close flushes remaining events and stops the flush loop. Safe on a nil
// emitter and safe to call more than once.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.publish(batch)
	}
}

func (e *Emitter) drain() []Event {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, batchSize)
	batch := make([]Event, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) publish(batch []Event) {
	payload, err := json.Marshal(struct {
		Events []Event `json:"events"`
	}{Events: batch})
	if err != nil {
		e.logger.Error("marshal events batch failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := e.client.Publish(ctx, e.channel, payload).Err(); err != nil {
		e.logger.Warn("publish events batch failed", "error", err, "count", len(batch))
	}
}

// String implements fmt.Stringer for debug logging.
func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(channel=%s, batch=%d, flush=%s, buf=%d)",
		e.channel, batchSize, flushInterval, e.bufferSize)
}
