package crud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/db"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
)

// Version is one entry of a record's history.
type Version struct {
	VersionID string         `json:"versionId"`
	Number    int            `json:"versionNumber"`
	Operation string         `json:"versionOperation"`
	UserID    string         `json:"versionUserId,omitempty"`
	CreatedAt time.Time      `json:"versionCreatedAt"`
	Stage     string         `json:"versionStage,omitempty"`
	Content   map[string]any `json:"content"`
}

// insertVersion snapshots the record's current main and sidecar state into
// the versions tables, assigning the next monotonic version number.
func (s *Service) insertVersion(ctx context.Context, id, operation, stage string) error {
	versionID := uuid.NewString()
	var userID any
	if session := SessionFrom(ctx); session != nil && session.UserID != "" {
		userID = session.UserID
	}

	columns := make([]string, 0, len(s.col.Table.Columns))
	for _, col := range s.col.Table.Columns {
		columns = append(columns, field.QuoteIdent(col.Name))
	}
	colList := strings.Join(columns, ", ")

	sql := fmt.Sprintf(
		`INSERT INTO %s (%s, %s, %s, %s, %s, %s)
		 SELECT %s, %s, (SELECT COALESCE(MAX(%s), 0) + 1 FROM %s WHERE %s = $2), $3, $4, $5
		 FROM %s WHERE %s = $2`,
		field.QuoteIdent(s.col.VersionsTable.Name),
		field.QuoteIdent(schema.ColVersionID), colList,
		field.QuoteIdent(schema.ColVersionNumber), field.QuoteIdent(schema.ColVersionOperation),
		field.QuoteIdent(schema.ColVersionUserID), field.QuoteIdent(schema.ColVersionStage),
		"$1", colList,
		field.QuoteIdent(schema.ColVersionNumber), field.QuoteIdent(s.col.VersionsTable.Name),
		field.QuoteIdent(schema.ColID),
		field.QuoteIdent(s.col.Table.Name), field.QuoteIdent(schema.ColID),
	)
	if err := s.engine.DB.Exec(ctx, sql, versionID, id, operation, userID, nullableString(stage)); err != nil {
		return common.FromPg(err)
	}

	if s.col.VersionsI18nTable == nil {
		return nil
	}
	// Copy every locale's sidecar row under the new version id.
	rows, err := s.engine.DB.Query(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE %s = $1",
		field.QuoteIdent(s.col.I18nTable.Name), field.QuoteIdent(schema.ColParentID)), id)
	if err != nil {
		return common.FromPg(err)
	}
	sidecars, err := db.CollectRows(rows)
	if err != nil {
		return common.FromPg(err)
	}
	for _, sidecar := range sidecars {
		args := field.NewArgList()
		cols := []string{
			field.QuoteIdent(schema.ColID),
			field.QuoteIdent(schema.ColParentID),
			field.QuoteIdent(schema.ColLocale),
		}
		placeholders := []string{
			args.Add(uuid.NewString()),
			args.Add(versionID),
			args.Add(sidecar[schema.ColLocale]),
		}
		for _, name := range s.col.LocalizedFields {
			cols = append(cols, field.QuoteIdent(name))
			placeholders = append(placeholders, args.Add(encodeValue(s.col, name, sidecar[name])))
		}
		cols = append(cols, field.QuoteIdent(schema.ColLocalized))
		placeholders = append(placeholders, args.Add(jsonOrNil(sidecar[schema.ColLocalized])))

		sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			field.QuoteIdent(s.col.VersionsI18nTable.Name),
			strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if err := s.engine.DB.Exec(ctx, sql, args.Values()...); err != nil {
			return common.FromPg(err)
		}
	}
	return nil
}

// FindVersions lists a record's history, newest first.
func (s *Service) FindVersions(ctx context.Context, id string) ([]Version, error) {
	decision, err := s.col.Access.Resolve(ctx, OpRead)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		return nil, common.Forbidden(string(OpRead), s.Name())
	}
	if !s.col.Versioned() {
		return nil, common.E(common.KindBadRequest, "%s does not keep versions", s.Name())
	}

	locale, fallback := s.engine.locale(ctx)
	args := field.NewArgList()
	from := fmt.Sprintf(" FROM %s t", field.QuoteIdent(s.col.VersionsTable.Name))
	if s.col.VersionsI18nTable != nil {
		sidecar := field.QuoteIdent(s.col.VersionsI18nTable.Name)
		from += fmt.Sprintf(" LEFT JOIN %s i ON i.%s = t.%s AND i.%s = %s",
			sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColVersionID),
			field.QuoteIdent(schema.ColLocale), args.Add(locale))
		if fallback {
			from += fmt.Sprintf(" LEFT JOIN %s f ON f.%s = t.%s AND f.%s = %s",
				sidecar, field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColVersionID),
				field.QuoteIdent(schema.ColLocale), args.Add(s.engine.DefaultLocale))
		}
	}
	sql := "SELECT " + s.col.versionSelectColumns(fallback) + from +
		fmt.Sprintf(" WHERE t.%s = %s ORDER BY t.%s DESC",
			field.QuoteIdent(schema.ColID), args.Add(id), field.QuoteIdent(schema.ColVersionNumber))

	rows, err := s.engine.DB.Query(ctx, sql, args.Values()...)
	if err != nil {
		return nil, common.FromPg(err)
	}
	records, err := db.CollectRows(rows)
	if err != nil {
		return nil, common.FromPg(err)
	}

	versions := make([]Version, 0, len(records))
	for _, row := range records {
		versions = append(versions, s.decodeVersion(row))
	}
	return versions, nil
}

func (s *Service) decodeVersion(row map[string]any) Version {
	v := Version{}
	if id, ok := row[schema.ColVersionID].(string); ok {
		v.VersionID = id
	}
	switch n := row[schema.ColVersionNumber].(type) {
	case int32:
		v.Number = int(n)
	case int64:
		v.Number = int(n)
	case int:
		v.Number = n
	}
	v.Operation, _ = row[schema.ColVersionOperation].(string)
	v.UserID, _ = row[schema.ColVersionUserID].(string)
	if at, ok := row[schema.ColVersionCreatedAt].(time.Time); ok {
		v.CreatedAt = at
	}
	v.Stage, _ = row[schema.ColVersionStage].(string)

	content := cloneMap(row)
	for _, key := range []string{
		schema.ColVersionID, schema.ColVersionNumber, schema.ColVersionOperation,
		schema.ColVersionUserID, schema.ColVersionCreatedAt, schema.ColVersionStage,
	} {
		delete(content, key)
	}
	v.Content = s.col.decodeRecord(content)
	return v
}

// RevertToVersion re-applies a past version's content through the normal
// update path, producing a new version tagged "revert".
func (s *Service) RevertToVersion(ctx context.Context, id string, versionNumber int) (Record, error) {
	if !s.col.Versioned() {
		return nil, common.E(common.KindBadRequest, "%s does not keep versions", s.Name())
	}
	versions, err := s.FindVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	var target *Version
	for i := range versions {
		if versions[i].Number == versionNumber {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return nil, common.NotFound(fmt.Sprintf("%s version", s.Name()), fmt.Sprintf("%d", versionNumber))
	}

	data := cloneMap(target.Content)
	for _, key := range []string{schema.ColID, schema.KeyCreatedAt, schema.KeyUpdatedAt, schema.KeyDeletedAt} {
		delete(data, key)
	}
	return s.updateByID(ctx, id, data, OpRevert)
}

// CurrentStage resolves a record's workflow stage: the latest transition
// version's stage, or the initial stage when none exists.
func (s *Service) CurrentStage(ctx context.Context, id string) (string, error) {
	wf := s.col.Collection.Options.Workflow
	if wf == nil {
		return "", common.E(common.KindBadRequest, "%s has no workflow", s.Name())
	}
	var stage *string
	err := s.engine.DB.QueryRow(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = $1 AND %s = 'transition' ORDER BY %s DESC LIMIT 1`,
		field.QuoteIdent(schema.ColVersionStage), field.QuoteIdent(s.col.VersionsTable.Name),
		field.QuoteIdent(schema.ColID), field.QuoteIdent(schema.ColVersionOperation),
		field.QuoteIdent(schema.ColVersionNumber)), id,
	).Scan(&stage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No transition yet: the record sits in the initial stage.
			return wf.InitialStage(), nil
		}
		return "", common.FromPg(err)
	}
	if stage == nil {
		return wf.InitialStage(), nil
	}
	return *stage, nil
}

// TransitionStage moves a record to another workflow stage by snapshotting
// the current draft into a version row tagged with the target stage. The
// main row never changes. A future scheduledAt defers the transition through
// the scheduler.
func (s *Service) TransitionStage(ctx context.Context, id, stage string, scheduledAt *time.Time) (Record, error) {
	wf := s.col.Collection.Options.Workflow
	if wf == nil || !s.col.Versioned() {
		return nil, common.E(common.KindBadRequest, "%s has no workflow", s.Name())
	}
	decision, err := s.col.Access.Resolve(ctx, OpTransition)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		return nil, common.Forbidden(string(OpTransition), s.Name())
	}
	if !wf.HasStage(stage) {
		return nil, common.EKey(common.KindIllegalTransition, "error.illegal_transition",
			map[string]any{"from": "", "to": stage})
	}

	if scheduledAt != nil && scheduledAt.After(time.Now()) {
		if s.engine.Scheduler == nil {
			return nil, common.EKey(common.KindSchedulingUnavailable, "error.scheduling_unavailable", nil)
		}
		if err := s.engine.Scheduler.ScheduleTransition(ctx, s.Name(), id, stage, *scheduledAt); err != nil {
			return nil, err
		}
		return s.FindByID(ctx, id, nil)
	}

	var record Record
	err = s.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		locale, _ := s.engine.locale(txCtx)

		row, ferr := s.fetchForWrite(txCtx, id, decision, false)
		if ferr != nil {
			return ferr
		}
		current := s.col.decodeRecord(row)

		fromStage, serr := s.CurrentStage(txCtx, id)
		if serr != nil {
			return serr
		}
		if !wf.Allowed(fromStage, stage) {
			return common.EKey(common.KindIllegalTransition, "error.illegal_transition",
				map[string]any{"from": fromStage, "to": stage})
		}

		event := &TransitionEvent{
			Collection: s.Name(), RecordID: id,
			FromStage: fromStage, ToStage: stage, Record: current,
		}
		for _, hook := range s.col.Hooks.BeforeTransition {
			if err := hook(txCtx, event); err != nil {
				return common.AsError(err)
			}
		}

		if err := s.insertVersion(txCtx, id, string(OpTransition), stage); err != nil {
			return err
		}
		if err := s.appendLog(txCtx, OpTransition, id, locale, []string{stage}); err != nil {
			return err
		}

		for _, hook := range s.col.Hooks.AfterTransition {
			if err := hook(txCtx, event); err != nil {
				return common.AsError(err)
			}
		}

		record, err = s.readBack(txCtx, id)
		if err != nil {
			return err
		}
		s.engine.indexChanged(txCtx, s.Name(), id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(v any) any {
	if v == nil {
		return nil
	}
	return jsonValue(v)
}
