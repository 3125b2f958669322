// Package jobs provides schema-validated background job definitions, a typed
// registry with cron scheduling, and queue adapters (memory, Redis, AMQP).
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
)

// Options tune how a job kind is queued and retried.
type Options struct {
	// Priority orders competing jobs where the adapter supports it;
	// higher runs first.
	Priority int `json:"priority,omitempty"`

	// RetryLimit is the number of re-runs after a failed attempt.
	RetryLimit int `json:"retryLimit,omitempty"`

	// RetryDelay is the base delay before a retry.
	RetryDelay time.Duration `json:"retryDelay,omitempty"`

	// RetryBackoff doubles the delay with each attempt.
	RetryBackoff bool `json:"retryBackoff,omitempty"`

	// ExpireIn drops the job unprocessed once the interval has passed
	// since enqueue.
	ExpireIn time.Duration `json:"expireInSeconds,omitempty"`

	// StartAfter delays the first attempt.
	StartAfter time.Duration `json:"startAfter,omitempty"`

	// Cron publishes the job on a schedule with an empty payload.
	Cron string `json:"cron,omitempty"`

	// Singleton keeps at most one queued instance per job name.
	Singleton bool `json:"singleton,omitempty"`
}

// Definition declares one job kind. Schema validates payloads before both
// enqueue and handling; nil means any payload.
type Definition struct {
	Name    string
	Schema  *field.Fields
	Handler func(ctx context.Context, payload map[string]any) error
	Options Options
}

// retryDelay computes the delay before the given retry attempt (1-based).
func (d *Definition) retryDelay(attempt int) time.Duration {
	delay := d.Options.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	if d.Options.RetryBackoff {
		for i := 1; i < attempt; i++ {
			delay *= 2
		}
	}
	return delay
}

// validatePayload checks a payload against the definition's schema.
func (d *Definition) validatePayload(payload map[string]any) error {
	if d.Schema == nil {
		return nil
	}
	var fieldErrors []common.FieldError
	for _, name := range d.Schema.Names() {
		def, _ := d.Schema.Get(name)
		fieldErrors = append(fieldErrors, def.ValidateValue(name, payload[name])...)
	}
	for key := range payload {
		if _, known := d.Schema.Get(key); !known {
			fieldErrors = append(fieldErrors, common.FieldError{
				Field: key, Rule: "unknown", Message: "unknown payload field",
			})
		}
	}
	if len(fieldErrors) > 0 {
		return common.ValidationFailed(fieldErrors)
	}
	return nil
}

// Job is one queued unit of work.
type Job struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	RetryCount int            `json:"retryCount,omitempty"`
	Singleton  bool           `json:"singleton,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	StartAfter *time.Time     `json:"startAfter,omitempty"`
	ExpireAt   *time.Time     `json:"expireAt,omitempty"`
}

// newJob stamps a job from a definition and payload.
func newJob(def *Definition, payload map[string]any) *Job {
	now := time.Now()
	job := &Job{
		ID:         uuid.NewString(),
		Name:       def.Name,
		Payload:    payload,
		Priority:   def.Options.Priority,
		Singleton:  def.Options.Singleton,
		EnqueuedAt: now,
	}
	if def.Options.StartAfter > 0 {
		at := now.Add(def.Options.StartAfter)
		job.StartAfter = &at
	}
	if def.Options.ExpireIn > 0 {
		at := now.Add(def.Options.ExpireIn)
		job.ExpireAt = &at
	}
	return job
}

// Expired reports whether the job's deadline has passed.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpireAt != nil && now.After(*j.ExpireAt)
}

// Ready reports whether the job's start delay has elapsed.
func (j *Job) Ready(now time.Time) bool {
	return j.StartAfter == nil || !now.Before(*j.StartAfter)
}
