package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/stratacms/strata/common"
)

// Registry owns the job definitions and routes between publishers, the cron
// scheduler and the queue adapter. Handlers run through the registry so
// payload validation, expiry and retry policy apply regardless of backend.
type Registry struct {
	adapter Adapter

	mu      sync.RWMutex
	defs    map[string]*Definition
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

func NewRegistry(adapter Adapter) *Registry {
	return &Registry{
		adapter: adapter,
		defs:    map[string]*Definition{},
		cron:    cron.New(),
		entries: map[string]cron.EntryID{},
	}
}

// Register adds a job definition. Definitions with a cron expression are
// scheduled immediately; the schedule publishes with an empty payload.
func (r *Registry) Register(def *Definition) error {
	if def.Name == "" {
		return common.E(common.KindBadRequest, "job definition requires a name")
	}
	if def.Handler == nil {
		return common.E(common.KindBadRequest, "job %q requires a handler", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return common.E(common.KindConflict, "job %q is already registered", def.Name)
	}
	if def.Options.Cron != "" {
		if err := r.scheduleLocked(def.Name, def.Options.Cron); err != nil {
			return err
		}
	}
	r.defs[def.Name] = def
	return nil
}

// Definitions lists registered job names.
func (r *Registry) Definitions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// Publish validates the payload and enqueues one job.
func (r *Registry) Publish(ctx context.Context, name string, payload map[string]any) (*Job, error) {
	def, err := r.definition(name)
	if err != nil {
		return nil, err
	}
	if err := def.validatePayload(payload); err != nil {
		return nil, err
	}
	job := newJob(def, payload)
	if err := r.adapter.Publish(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// PublishAt enqueues a job that becomes ready at the given time.
func (r *Registry) PublishAt(ctx context.Context, name string, payload map[string]any, at time.Time) (*Job, error) {
	def, err := r.definition(name)
	if err != nil {
		return nil, err
	}
	if err := def.validatePayload(payload); err != nil {
		return nil, err
	}
	job := newJob(def, payload)
	job.StartAfter = &at
	if err := r.adapter.Publish(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Schedule attaches (or replaces) a cron expression for a registered job.
func (r *Registry) Schedule(name, spec string) error {
	if _, err := r.definition(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
	}
	return r.scheduleLocked(name, spec)
}

// Unschedule removes a job's cron trigger.
func (r *Registry) Unschedule(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.entries[name]; ok {
		r.cron.Remove(id)
		delete(r.entries, name)
	}
}

func (r *Registry) scheduleLocked(name, spec string) error {
	id, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Publish(context.Background(), name, nil); err != nil {
			common.Logger.WithError(err).WithField("job", name).Error("scheduled publish failed")
		}
	})
	if err != nil {
		return common.E(common.KindBadRequest, "invalid cron expression for job %q: %v", name, err)
	}
	r.entries[name] = id
	return nil
}

// Listen consumes jobs until the context is cancelled. Fails with
// NotImplemented when the adapter has no long-running consumer.
func (r *Registry) Listen(ctx context.Context) error {
	if !r.adapter.Capabilities().LongRunningConsumer {
		return common.E(common.KindNotImplemented, "queue adapter has no long-running consumer")
	}
	r.cron.Start()
	defer r.cron.Stop()
	return r.adapter.Listen(ctx, r.process)
}

// RunOnce drains ready jobs and returns the number processed.
func (r *Registry) RunOnce(ctx context.Context) (int, error) {
	if !r.adapter.Capabilities().RunOnceConsumer {
		return 0, common.E(common.KindNotImplemented, "queue adapter has no run-once consumer")
	}
	return r.adapter.RunOnce(ctx, r.process)
}

// CreatePushConsumer builds a batch consumer that routes pushed jobs
// through the registry's processing pipeline. Fails with NotImplemented
// when the adapter has no push consumer.
func (r *Registry) CreatePushConsumer() (PushConsumer, error) {
	if !r.adapter.Capabilities().PushConsumer {
		return nil, common.E(common.KindNotImplemented, "queue adapter has no push consumer")
	}
	return r.adapter.CreatePushConsumer(r.process)
}

// OnError registers a callback for adapter-level failures that happen
// outside a handler call.
func (r *Registry) OnError(fn func(error)) {
	r.adapter.OnError(fn)
}

// Close stops the cron scheduler and the adapter.
func (r *Registry) Close() error {
	ctx := r.cron.Stop()
	<-ctx.Done()
	return r.adapter.Close()
}

// process is the consumer side: expiry check, payload validation, handler
// dispatch, retry bookkeeping.
func (r *Registry) process(ctx context.Context, job *Job) error {
	log := common.Logger.WithFields(logrus.Fields{"job": job.Name, "job_id": job.ID})

	def, err := r.definition(job.Name)
	if err != nil {
		log.Warn("dropping job with no definition")
		return nil
	}
	if job.Expired(time.Now()) {
		log.Info("dropping expired job")
		return nil
	}
	if err := def.validatePayload(job.Payload); err != nil {
		log.WithError(err).Warn("dropping job with invalid payload")
		return nil
	}

	if err := def.Handler(ctx, job.Payload); err != nil {
		return r.retry(ctx, def, job, err)
	}
	return nil
}

func (r *Registry) retry(ctx context.Context, def *Definition, job *Job, cause error) error {
	log := common.Logger.WithFields(logrus.Fields{
		"job": job.Name, "job_id": job.ID, "retry": job.RetryCount,
	}).WithError(cause)

	if job.RetryCount >= def.Options.RetryLimit {
		log.Error("job failed permanently")
		return cause
	}
	job.RetryCount++
	at := time.Now().Add(def.retryDelay(job.RetryCount))
	job.StartAfter = &at
	if err := r.adapter.Publish(ctx, job); err != nil {
		log.WithError(err).Error("retry enqueue failed")
		return err
	}
	log.Warn("job failed, retry scheduled")
	return nil
}

func (r *Registry) definition(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, common.NotFound("job", name)
	}
	return def, nil
}
