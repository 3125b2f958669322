package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stratacms/strata/common"
)

// MemoryAdapter is the in-process queue used when no broker is configured,
// and by tests. Jobs live in a priority-ordered slice guarded by a mutex;
// Listen polls with a short tick so delayed jobs become ready without timers.
type MemoryAdapter struct {
	errorSink

	mu      sync.Mutex
	queue   []*Job
	pending map[string]bool
	closed  bool

	// Tick is the poll interval for Listen; tests shorten it.
	Tick time.Duration
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{pending: map[string]bool{}, Tick: 50 * time.Millisecond}
}

func (m *MemoryAdapter) Capabilities() Capabilities {
	return Capabilities{
		LongRunningConsumer: true,
		RunOnceConsumer:     true,
		Scheduling:          true,
		Singleton:           true,
	}
}

func (m *MemoryAdapter) Publish(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return common.E(common.KindInternal, "memory queue is closed")
	}
	if job.Singleton && m.pending[job.Name] {
		return nil
	}
	m.pending[job.Name] = true
	m.queue = append(m.queue, job)
	sort.SliceStable(m.queue, func(i, j int) bool {
		return m.queue[i].Priority > m.queue[j].Priority
	})
	return nil
}

// Depth reports queued jobs, ready or not.
func (m *MemoryAdapter) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// pop removes the highest-priority ready job, nil when none.
func (m *MemoryAdapter) pop(now time.Time) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, job := range m.queue {
		if !job.Ready(now) {
			continue
		}
		m.queue = append(m.queue[:i], m.queue[i+1:]...)
		if !m.stillQueued(job.Name) {
			delete(m.pending, job.Name)
		}
		return job
	}
	return nil
}

func (m *MemoryAdapter) stillQueued(name string) bool {
	for _, job := range m.queue {
		if job.Name == name {
			return true
		}
	}
	return false
}

func (m *MemoryAdapter) Listen(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(m.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				job := m.pop(time.Now())
				if job == nil {
					break
				}
				// Handler errors are terminal here; retry policy
				// re-enqueues through Publish.
				_ = handler(ctx, job)
			}
		}
	}
}

func (m *MemoryAdapter) RunOnce(ctx context.Context, handler Handler) (int, error) {
	count := 0
	for {
		job := m.pop(time.Now())
		if job == nil {
			return count, nil
		}
		_ = handler(ctx, job)
		count++
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
	}
}

func (m *MemoryAdapter) CreatePushConsumer(Handler) (PushConsumer, error) {
	return nil, common.E(common.KindNotImplemented, "memory adapter has no push consumer")
}

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queue = nil
	m.pending = map[string]bool{}
	return nil
}
