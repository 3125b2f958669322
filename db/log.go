package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stratacms/strata/common"
)

// LogChannel is the NOTIFY channel carrying realtime log entries. NOTIFY
// fires inside the mutating transaction, so subscribers only see committed
// changes.
const LogChannel = "strata_realtime"

// LogEntry is one row of the append-only realtime change log.
type LogEntry struct {
	Seq          int64          `json:"seq"`
	ResourceType string         `json:"resourceType"`
	Resource     string         `json:"resource"`
	Operation    string         `json:"operation"`
	RecordID     string         `json:"recordId"`
	Locale       string         `json:"locale,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// EnsureRealtimeLog creates the log table and its indexes. Idempotent.
func (d *DB) EnsureRealtimeLog(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS realtime_log (
			seq BIGSERIAL PRIMARY KEY,
			resource_type TEXT NOT NULL,
			resource TEXT NOT NULL,
			operation TEXT NOT NULL,
			record_id TEXT,
			locale TEXT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS realtime_log_resource_idx ON realtime_log (resource_type, resource)`,
		`CREATE INDEX IF NOT EXISTS realtime_log_created_at_idx ON realtime_log (created_at)`,
	}
	for _, stmt := range statements {
		if err := d.Exec(ctx, stmt); err != nil {
			return common.Internalf(err, "failed to create realtime log")
		}
	}
	return nil
}

// AppendLog writes a log row through the ambient executor and notifies
// subscribers. Inside a transaction the notification is delivered on commit
// and dropped on rollback, which keeps the log and its consumers consistent.
func (d *DB) AppendLog(ctx context.Context, entry *LogEntry) error {
	var payload any
	if entry.Payload != nil {
		raw, err := json.Marshal(entry.Payload)
		if err != nil {
			return common.Internalf(err, "failed to encode log payload")
		}
		payload = string(raw)
	}
	err := d.QueryRow(ctx,
		`INSERT INTO realtime_log (resource_type, resource, operation, record_id, locale, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq, created_at`,
		entry.ResourceType, entry.Resource, entry.Operation,
		entry.RecordID, nullable(entry.Locale), payload,
	).Scan(&entry.Seq, &entry.CreatedAt)
	if err != nil {
		return common.Internalf(err, "failed to append realtime log")
	}

	notification, err := json.Marshal(entry)
	if err != nil {
		return common.Internalf(err, "failed to encode log notification")
	}
	if err := d.Exec(ctx, `SELECT pg_notify($1, $2)`, LogChannel, string(notification)); err != nil {
		return common.Internalf(err, "failed to notify realtime channel")
	}
	return nil
}

// MaxSeq reads the latest log sequence for a resource; zero when the log has
// no entries for it yet.
func (d *DB) MaxSeq(ctx context.Context, resourceType, resource string) (int64, error) {
	var seq int64
	err := d.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM realtime_log WHERE resource_type = $1 AND resource = $2`,
		resourceType, resource,
	).Scan(&seq)
	if err != nil {
		return 0, common.Internalf(err, "failed to read realtime log sequence")
	}
	return seq, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
