// Package obligation runs the fire-and-forget duties attached to a
// decision after the upstream call completes: audit logging, operator
// notification, and retention scheduling. Obligation failures never
// revoke a granted permit; they are retried and recorded.
package obligation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/directive"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 30 * time.Second
	historyMax       = 1000
)

// Executor runs one family of obligation directives.
type Executor interface {
	Name() string
	CanExecute(f directive.Family) bool
	Execute(ctx context.Context, dctx *decision.Context, dec *decision.Decision, dir string) error
}

// Record is one completed obligation execution, kept in the history ring.
type Record struct {
	Directive string        `json:"directive"`
	Family    string        `json:"family"`
	Executor  string        `json:"executor"`
	Agent     string        `json:"agent"`
	Success   bool          `json:"success"`
	Attempts  int           `json:"attempts"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// FamilyStats aggregates outcomes per directive family.
type FamilyStats struct {
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

type task struct {
	dctx *decision.Context
	dec  *decision.Decision
}

// Manager executes obligations on a background worker pool fed by a
// bounded queue. Under back-pressure Enqueue drops with a warning
// rather than stalling the serving path.
type Manager struct {
	executors []Executor
	queue     chan task
	timeout   time.Duration
	retries   int
	backoff   time.Duration // between attempts, shortened in tests
	logger    *slog.Logger

	wg sync.WaitGroup

	stateMu sync.RWMutex
	closed  bool

	mu       sync.Mutex
	history  []Record
	counters map[string]*FamilyStats

	dropped atomic.Int64
}

// NewManager creates a Manager and starts its workers. timeout <= 0
// selects 30s, retries < 0 selects 0, workers <= 0 selects 4.
func NewManager(timeout time.Duration, retries, workers int, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retries < 0 {
		retries = 0
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		queue:    make(chan task, defaultQueueSize),
		timeout:  timeout,
		retries:  retries,
		backoff:  500 * time.Millisecond,
		logger:   logger.With("component", "obligation.Manager"),
		counters: make(map[string]*FamilyStats),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Register adds an executor. The first registered executor claiming a
// family wins dispatch for it.
func (m *Manager) Register(e Executor) {
	m.executors = append(m.executors, e)
}

// Enqueue schedules the decision's obligations for background
// execution. Non-blocking: a full queue drops the batch with a warning.
func (m *Manager) Enqueue(dctx *decision.Context, dec *decision.Decision) {
	if len(dec.Obligations) == 0 {
		return
	}

	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}

	select {
	case m.queue <- task{dctx: dctx, dec: dec}:
	default:
		m.dropped.Add(1)
		m.logger.Warn("obligation queue full, dropping batch",
			"agent", dctx.Agent,
			"obligations", len(dec.Obligations),
		)
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		for _, dir := range t.dec.Obligations {
			m.run(t.dctx, t.dec, dir)
		}
	}
}

func (m *Manager) run(dctx *decision.Context, dec *decision.Decision, dir string) {
	f := directive.Classify(dir)
	if directive.IsConstraint(f) {
		// Constraints belong to the serving path; a stray one here is
		// a policy authoring mistake, not ours to execute.
		m.logger.Warn("constraint directive in obligation list, skipping", "directive", dir)
		return
	}

	exec := m.executorFor(f)
	if exec == nil {
		m.logger.Warn("no executor for obligation directive, skipping",
			"directive", dir, "family", string(f))
		return
	}

	start := time.Now()
	var lastErr error
	attempts := 0
	for attempts <= m.retries {
		attempts++
		lastErr = m.attempt(exec, dctx, dec, dir)
		if lastErr == nil {
			break
		}
		if attempts <= m.retries {
			time.Sleep(m.backoff * time.Duration(attempts))
		}
	}

	rec := Record{
		Directive: dir,
		Family:    string(f),
		Executor:  exec.Name(),
		Agent:     dctx.Agent,
		Success:   lastErr == nil,
		Attempts:  attempts,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	if lastErr != nil {
		rec.Error = lastErr.Error()
		m.logger.Error("obligation failed after retries",
			"directive", dir,
			"executor", exec.Name(),
			"attempts", attempts,
			"error", lastErr,
		)
	}
	m.record(rec)
}

func (m *Manager) attempt(exec Executor, dctx *decision.Context, dec *decision.Decision, dir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- exec.Execute(ctx, dctx, dec, dir)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("obligation %q timed out in %s", dir, exec.Name())
	}
}

func (m *Manager) executorFor(f directive.Family) Executor {
	for _, e := range m.executors {
		if e.CanExecute(f) {
			return e
		}
	}
	return nil
}

func (m *Manager) record(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, rec)
	if len(m.history) > historyMax {
		m.history = m.history[len(m.history)-historyMax:]
	}

	stats, ok := m.counters[rec.Family]
	if !ok {
		stats = &FamilyStats{}
		m.counters[rec.Family] = stats
	}
	if rec.Success {
		stats.Succeeded++
	} else {
		stats.Failed++
	}
}

// History returns a copy of the execution ring, oldest first.
func (m *Manager) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}

// Stats returns per-family success/failure counters.
func (m *Manager) Stats() map[string]FamilyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]FamilyStats, len(m.counters))
	for k, v := range m.counters {
		out[k] = *v
	}
	return out
}

// Dropped returns the number of batches lost to back-pressure.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// Close stops accepting work and waits for in-flight obligations.
func (m *Manager) Close() {
	m.stateMu.Lock()
	if m.closed {
		m.stateMu.Unlock()
		return
	}
	m.closed = true
	m.stateMu.Unlock()

	close(m.queue)
	m.wg.Wait()
}
