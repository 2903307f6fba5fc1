// Package monitor tracks in-flight tasks. It enforces the heavy-task
// concurrency ceiling (chains and autonomous loops) and evicts tasks that
// outlive their deadline by cancelling their context.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensemble-ai/ensemble/pkg/logger"
	"github.com/ensemble-ai/ensemble/pkg/observability"
)

// ErrBusy is returned when the heavy-task ceiling is reached. Callers map
// it to a retry-later response.
var ErrBusy = errors.New("heavy task ceiling reached")

const evictInterval = 5 * time.Second

// Task is one tracked in-flight request.
type Task struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Heavy     bool      `json:"heavy"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`

	cancel context.CancelFunc
}

// Monitor is the active task registry.
type Monitor struct {
	maxHeavy int
	logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string]*Task
	heavy int

	stopOnce sync.Once
	stop     chan struct{}
}

func New(maxHeavy int) *Monitor {
	if maxHeavy <= 0 {
		maxHeavy = 3
	}
	m := &Monitor{
		maxHeavy: maxHeavy,
		logger:   logger.Get(),
		tasks:    make(map[string]*Task),
		stop:     make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Begin registers a task and returns a derived context that is cancelled
// when the task outlives its deadline. Heavy tasks above the ceiling are
// refused with ErrBusy before any work starts. The returned done function
// must be called when the task finishes.
func (m *Monitor) Begin(ctx context.Context, agent string, heavy bool, deadline time.Duration) (context.Context, func(), error) {
	m.mu.Lock()
	if heavy && m.heavy >= m.maxHeavy {
		m.mu.Unlock()
		return nil, nil, ErrBusy
	}

	ctx, cancel := context.WithCancel(ctx)
	task := &Task{
		ID:        uuid.NewString(),
		Agent:     agent,
		Heavy:     heavy,
		StartedAt: time.Now(),
		cancel:    cancel,
	}
	if deadline > 0 {
		task.Deadline = task.StartedAt.Add(deadline)
	}
	m.tasks[task.ID] = task
	if heavy {
		m.heavy++
	}
	m.mu.Unlock()

	if heavy {
		observability.GetGlobalMetrics().RecordHeavyTasks(ctx, 1)
	}

	var once sync.Once
	done := func() {
		once.Do(func() {
			cancel()
			m.mu.Lock()
			if _, ok := m.tasks[task.ID]; ok {
				delete(m.tasks, task.ID)
				if heavy {
					m.heavy--
				}
			}
			m.mu.Unlock()
			if heavy {
				observability.GetGlobalMetrics().RecordHeavyTasks(context.Background(), -1)
			}
		})
	}
	return ctx, done, nil
}

// Active returns a snapshot of in-flight tasks.
func (m *Monitor) Active() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	return out
}

// HeavyCount returns the number of in-flight heavy tasks.
func (m *Monitor) HeavyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heavy
}

func (m *Monitor) evictLoop() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.evict(now)
		}
	}
}

func (m *Monitor) evict(now time.Time) {
	m.mu.Lock()
	var expired []*Task
	for _, t := range m.tasks {
		if !t.Deadline.IsZero() && now.After(t.Deadline) {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()

	// Cancellation propagates into the task's provider and sandbox calls;
	// the task's own done() performs the deregistration.
	for _, t := range expired {
		m.logger.Warn("Evicting task past its deadline",
			"task", t.ID, "agent", t.Agent, "started", t.StartedAt)
		t.cancel()
	}
}

// Close stops the eviction loop.
func (m *Monitor) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
