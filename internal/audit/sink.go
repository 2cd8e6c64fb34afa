package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Store-error retry bounds. The consumer blocks while retrying, so the
// backoff stays short; entries arriving meanwhile wait in the buffer.
const (
	insertAttempts = 3
	insertBackoff  = 50 * time.Millisecond
)

// Observer is notified after an entry has been persisted. Observers run
// on the sink's consumer goroutine and must not block for long.
type Observer func(*Entry)

// Sink decouples the serving path from audit persistence. Record never
// blocks: entries go through a buffered channel to a single consumer
// that assigns chain hashes via the store and then fans out to
// observers. When the buffer is full the entry is dropped and counted.
type Sink struct {
	store  Store
	ch     chan *Entry
	done   chan struct{}
	logger *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer

	stateMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	dropped   atomic.Int64
	written   atomic.Int64
}

// NewSink creates and starts a Sink. buffer <= 0 selects a default.
func NewSink(store Store, buffer int, logger *slog.Logger) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		store:  store,
		ch:     make(chan *Entry, buffer),
		done:   make(chan struct{}),
		logger: logger.With("component", "audit.Sink"),
	}
	go s.consume()
	return s
}

// Subscribe registers an observer for persisted entries.
func (s *Sink) Subscribe(fn Observer) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

// Record enqueues an entry. It never blocks; entries that do not fit
// in the buffer, or arrive after Close, are dropped and counted.
func (s *Sink) Record(e *Entry) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- e:
	default:
		n := s.dropped.Add(1)
		s.logger.Error("audit buffer full, entry dropped", "agent", e.Agent, "dropped_total", n)
	}
}

func (s *Sink) consume() {
	defer close(s.done)
	for e := range s.ch {
		if err := s.persist(e); err != nil {
			s.dropped.Add(1)
			s.logger.Error("audit entry lost after retries",
				"agent", e.Agent, "attempts", insertAttempts, "error", err)
			continue
		}
		s.written.Add(1)
		s.notify(e)
	}
}

// persist inserts with bounded retry on store error.
func (s *Sink) persist(e *Entry) error {
	var err error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		if err = s.store.Insert(e); err == nil {
			return nil
		}
		if attempt < insertAttempts {
			s.logger.Warn("audit insert failed, retrying",
				"agent", e.Agent, "attempt", attempt, "error", err)
			time.Sleep(insertBackoff * time.Duration(attempt))
		}
	}
	return err
}

func (s *Sink) notify(e *Entry) {
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("audit observer panicked", "panic", r)
				}
			}()
			fn(e)
		}()
	}
}

// Close stops accepting entries and waits until the buffer is drained.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.closed = true
		close(s.ch)
		s.stateMu.Unlock()
		<-s.done
	})
}

// Written returns how many entries have been persisted.
func (s *Sink) Written() int64 { return s.written.Load() }

// Dropped returns how many entries were lost, to a full buffer or to a
// store that kept failing.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }
