// Package actionlog records who did what. Writes are asynchronous and best
// effort: a failed or dropped entry is reported on the process log and never
// returned to the caller.
package actionlog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lecsa/api/internal/archive"
	"lecsa/api/internal/store"
)

const writeTimeout = 5 * time.Second

type Sink interface {
	InsertActionLog(ctx context.Context, entry store.ActionLogEntry) error
}

type Logger struct {
	sink     Sink
	failures prometheus.Counter

	mu     sync.RWMutex
	closed bool
	queue  chan store.ActionLogEntry
	done   chan struct{}
}

// New starts the writer goroutine. failures may be nil.
func New(sink Sink, buffer int, failures prometheus.Counter) *Logger {
	if buffer <= 0 {
		buffer = 1
	}
	l := &Logger{
		sink:     sink,
		failures: failures,
		queue:    make(chan store.ActionLogEntry, buffer),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Log enqueues an entry without blocking. actorID may be empty for system
// actions such as a scheduled sweep.
func (l *Logger) Log(actorID, action string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	entry := store.ActionLogEntry{UserID: actorID, Action: action, Details: details}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.fail(entry, "logger closed")
		return
	}
	select {
	case l.queue <- entry:
	default:
		l.fail(entry, "queue full")
	}
}

// Hook adapts Log to committed archive engine events.
func (l *Logger) Hook(_ context.Context, ev archive.Event) {
	l.Log(ev.ActorID, ev.Action, ev.Details)
}

// Close stops accepting entries and waits for queued ones to be written.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)
	for entry := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := l.sink.InsertActionLog(ctx, entry)
		cancel()
		if err != nil {
			l.fail(entry, err.Error())
		}
	}
}

func (l *Logger) fail(entry store.ActionLogEntry, reason string) {
	log.Printf("actionlog: dropped action=%s user=%q: %s", entry.Action, entry.UserID, reason)
	if l.failures != nil {
		l.failures.Inc()
	}
}
