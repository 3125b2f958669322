package jobs

import (
	"context"
	"sync"
)

// Capabilities describe what an adapter can do. The registry consults them
// before delegating; unsupported operations fail with NotImplemented.
type Capabilities struct {
	// LongRunningConsumer: Listen blocks and consumes until cancelled.
	LongRunningConsumer bool
	// RunOnceConsumer: RunOnce drains currently ready jobs and returns.
	RunOnceConsumer bool
	// PushConsumer: jobs are pushed to the handler without polling.
	PushConsumer bool
	// Scheduling: the adapter natively honours StartAfter delays.
	Scheduling bool
	// Singleton: the adapter deduplicates queued singleton jobs by name.
	Singleton bool
}

// Handler processes one dequeued job. A non-nil error marks the attempt
// failed; retry policy is the registry's concern.
type Handler func(ctx context.Context, job *Job) error

// PushConsumer processes one batch of jobs pushed by the platform, for
// backends where the broker invokes the consumer instead of being polled.
type PushConsumer func(ctx context.Context, batch []*Job) error

// Adapter is the queue backend contract.
type Adapter interface {
	Capabilities() Capabilities

	// Publish enqueues a job.
	Publish(ctx context.Context, job *Job) error

	// Listen consumes jobs until the context is cancelled.
	Listen(ctx context.Context, handler Handler) error

	// RunOnce drains ready jobs and returns the number processed.
	RunOnce(ctx context.Context, handler Handler) (int, error)

	// CreatePushConsumer builds a batch consumer around the handler.
	// Fails with NotImplemented unless Capabilities().PushConsumer.
	CreatePushConsumer(handler Handler) (PushConsumer, error)

	// OnError registers a callback for adapter-level failures that
	// happen outside a handler call (decode errors, broker hiccups).
	OnError(fn func(error))

	// Close releases the adapter's resources.
	Close() error
}

// errorSink is the shared OnError implementation; adapters embed it and
// emit through it from their consume loops.
type errorSink struct {
	errMu sync.Mutex
	errFn func(error)
}

func (s *errorSink) OnError(fn func(error)) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.errFn = fn
}

func (s *errorSink) emitError(err error) {
	s.errMu.Lock()
	fn := s.errFn
	s.errMu.Unlock()
	if fn != nil && err != nil {
		fn(err)
	}
}
