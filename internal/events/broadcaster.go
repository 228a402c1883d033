// Package events provides the non-blocking fan-out of job-state deltas and
// structured log lines to an open set of subscribers. Delivery is best-effort:
// a slow subscriber loses messages, never the producing job.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xcellparts/scraper/internal/scrape"
)

// Stream event names, part of the wire contract.
const (
	EventReady     = "ready"
	EventPing      = "ping"
	EventJobUpdate = "job_update"
	EventLog       = "log"
)

// Kind selects which stream a subscriber receives.
type Kind int

// Subscription kinds.
const (
	KindJobs Kind = iota
	KindLogs
)

// LogEntry is one structured log line pushed to log subscribers and kept in
// the bounded history ring.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	JobID   string    `json:"job_id,omitempty"`
}

// Message is one stream frame: an event name plus its JSON payload.
type Message struct {
	Event   string
	Payload any
}

// Subscriber receives messages on a buffered channel. When the buffer is full
// further messages are dropped for this subscriber only.
type Subscriber struct {
	kind Kind
	ch   chan Message
}

// C returns the receive channel. It is closed when the broadcaster shuts down.
func (s *Subscriber) C() <-chan Message { return s.ch }

// Config controls the Broadcaster.
//   - Heartbeat: ping interval so transports can tell idle from dead (default 35s).
//   - HistoryLimit: log ring size (default 200).
//   - BufferSize: per-subscriber channel depth (default 64).
type Config struct {
	Heartbeat    time.Duration
	HistoryLimit int
	BufferSize   int
	Logger       *zap.Logger
	Clock        scrape.Clock
}

const (
	defaultHeartbeat    = 35 * time.Second
	defaultHistoryLimit = 200
	defaultBufferSize   = 64
)

// Broadcaster fans job updates and log lines out to subscribers. Safe for
// concurrent use; no method blocks on subscriber consumption.
type Broadcaster struct {
	cfg    Config
	logger *zap.Logger
	clock  scrape.Clock

	mu      sync.Mutex
	subs    map[*Subscriber]struct{}
	history []LogEntry

	stopCh chan struct{}
	doneCh chan struct{}
	closed atomic.Bool

	closeOnce sync.Once
}

// NewBroadcaster starts the heartbeat goroutine and returns a ready
// Broadcaster.
func NewBroadcaster(cfg Config) *Broadcaster {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		cfg:    cfg,
		logger: logger,
		clock:  cfg.Clock,
		subs:   make(map[*Subscriber]struct{}),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new subscriber for the given stream kind.
func (b *Broadcaster) Subscribe(kind Kind) *Subscriber {
	sub := &Subscriber{kind: kind, ch: make(chan Message, b.cfg.BufferSize)}
	b.mu.Lock()
	if !b.closed.Load() {
		b.subs[sub] = struct{}{}
	} else {
		close(sub.ch)
	}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// JobUpdate pushes a job summary to all job-stream subscribers.
func (b *Broadcaster) JobUpdate(summary scrape.Summary) {
	b.send(KindJobs, Message{Event: EventJobUpdate, Payload: summary})
}

// Log records a structured log line: it lands in the zap logger, the bounded
// history ring, and every log-stream subscriber.
func (b *Broadcaster) Log(level, source, message, jobID string) {
	entry := LogEntry{
		Time:    b.now(),
		Level:   level,
		Source:  source,
		Message: message,
		JobID:   jobID,
	}

	fields := []zap.Field{zap.String("source", source)}
	if jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	switch level {
	case "error":
		b.logger.Error(message, fields...)
	case "warning":
		b.logger.Warn(message, fields...)
	case "debug":
		b.logger.Debug(message, fields...)
	default:
		b.logger.Info(message, fields...)
	}

	b.mu.Lock()
	b.history = append(b.history, entry)
	if overflow := len(b.history) - b.cfg.HistoryLimit; overflow > 0 {
		b.history = append(b.history[:0], b.history[overflow:]...)
	}
	b.mu.Unlock()

	b.send(KindLogs, Message{Event: EventLog, Payload: entry})
}

// History returns up to limit of the most recent log entries, oldest first,
// so late subscribers can receive recent context on connect.
func (b *Broadcaster) History(limit int) []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.history) {
		limit = len(b.history)
	}
	out := make([]LogEntry, limit)
	copy(out, b.history[len(b.history)-limit:])
	return out
}

// Close stops the heartbeat and closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		close(b.stopCh)
		<-b.doneCh
		b.mu.Lock()
		for sub := range b.subs {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) heartbeatLoop() {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping := Message{Event: EventPing, Payload: map[string]string{"time": b.now().Format(time.RFC3339)}}
			b.sendAll(ping)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broadcaster) send(kind Kind, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.kind != kind {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			// Subscriber is not draining; drop for this one only.
		}
	}
}

func (b *Broadcaster) sendAll(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (b *Broadcaster) now() time.Time {
	if b.clock != nil {
		return b.clock.Now()
	}
	return time.Now().UTC()
}
