package crud

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/db"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/query"
	"github.com/stratacms/strata/schema"
)

// Create inserts a record and returns its stored shape.
func (s *Service) Create(ctx context.Context, input map[string]any) (Record, error) {
	decision, err := s.col.Access.Resolve(ctx, OpCreate)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		return nil, common.Forbidden(string(OpCreate), s.Name())
	}

	var record Record
	err = s.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		record, err = s.createInTx(txCtx, input, decision)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) createInTx(ctx context.Context, input map[string]any, decision Decision) (Record, error) {
	locale, _ := s.engine.locale(ctx)

	data := s.col.NormalizeInput(input)
	nested := s.extractNested(data)
	if err := s.resolveBelongsTo(ctx, data, nested); err != nil {
		return nil, err
	}
	s.col.ApplyDefaults(data)
	if err := s.col.ValidateInsert(data); err != nil {
		return nil, err
	}
	if err := s.runValidateHooks(ctx, data); err != nil {
		return nil, err
	}

	event := &ChangeEvent{Collection: s.Name(), Operation: OpCreate, Locale: locale, Data: data}
	if err := s.runBeforeChange(ctx, event); err != nil {
		return nil, err
	}

	id, _ := data[schema.ColID].(string)
	if id == "" {
		id = uuid.NewString()
	}

	assignment := s.splitPayload(data)
	columns := []string{field.QuoteIdent(schema.ColID)}
	args := field.NewArgList()
	placeholders := []string{args.Add(id)}
	for _, col := range sortedMapKeys(assignment.main) {
		columns = append(columns, field.QuoteIdent(col))
		placeholders = append(placeholders, args.Add(encodeValue(s.col, col, assignment.main[col])))
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		field.QuoteIdent(s.col.Table.Name), strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	if err := s.engine.DB.Exec(ctx, sql, args.Values()...); err != nil {
		return nil, common.FromPg(err)
	}

	if err := s.upsertI18n(ctx, id, locale, assignment); err != nil {
		return nil, err
	}
	if err := s.applyHasMany(ctx, id, nested); err != nil {
		return nil, err
	}
	if err := s.checkWritePredicate(ctx, id, decision, OpCreate); err != nil {
		return nil, err
	}
	if s.col.Versioned() {
		if err := s.insertVersion(ctx, id, string(OpCreate), ""); err != nil {
			return nil, err
		}
	}
	if err := s.appendLog(ctx, OpCreate, id, locale, changedKeys(data)); err != nil {
		return nil, err
	}

	record, err := s.readBack(ctx, id)
	if err != nil {
		return nil, err
	}
	event.Record = record
	if err := s.runAfterChange(ctx, event); err != nil {
		return nil, err
	}
	s.engine.indexChanged(ctx, s.Name(), id)
	return record, nil
}

// UpdateByID applies a partial update to a record.
func (s *Service) UpdateByID(ctx context.Context, id string, data map[string]any) (Record, error) {
	return s.updateByID(ctx, id, data, OpUpdate)
}

func (s *Service) updateByID(ctx context.Context, id string, input map[string]any, op Operation) (Record, error) {
	decision, err := s.col.Access.Resolve(ctx, op)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		return nil, common.Forbidden(string(op), s.Name())
	}

	var record Record
	err = s.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		record, err = s.updateInTx(txCtx, id, input, decision, op)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) updateInTx(ctx context.Context, id string, input map[string]any, decision Decision, op Operation) (Record, error) {
	locale, _ := s.engine.locale(ctx)

	row, err := s.fetchForWrite(ctx, id, decision, false)
	if err != nil {
		return nil, err
	}
	previous := s.col.decodeRecord(row)

	data := s.col.NormalizeInput(input)
	nested := s.extractNested(data)
	if err := s.resolveBelongsTo(ctx, data, nested); err != nil {
		return nil, err
	}
	if err := s.col.ValidatePartial(data); err != nil {
		return nil, err
	}
	if err := s.runValidateHooks(ctx, data); err != nil {
		return nil, err
	}

	event := &ChangeEvent{Collection: s.Name(), Operation: op, Locale: locale, Data: data, Previous: previous}
	if err := s.runBeforeChange(ctx, event); err != nil {
		return nil, err
	}

	assignment := s.splitPayload(data)
	if len(assignment.main) > 0 || s.col.Collection.Options.Timestamps {
		sets := make([]string, 0, len(assignment.main)+1)
		args := field.NewArgList()
		for _, col := range sortedMapKeys(assignment.main) {
			sets = append(sets, fmt.Sprintf("%s = %s", field.QuoteIdent(col), args.Add(encodeValue(s.col, col, assignment.main[col]))))
		}
		if s.col.Collection.Options.Timestamps {
			sets = append(sets, fmt.Sprintf("%s = now()", field.QuoteIdent(schema.ColUpdatedAt)))
		}
		sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
			field.QuoteIdent(s.col.Table.Name), strings.Join(sets, ", "),
			field.QuoteIdent(schema.ColID), args.Add(id))
		if err := s.engine.DB.Exec(ctx, sql, args.Values()...); err != nil {
			return nil, common.FromPg(err)
		}
	}

	if err := s.upsertI18n(ctx, id, locale, assignment); err != nil {
		return nil, err
	}
	if err := s.applyHasMany(ctx, id, nested); err != nil {
		return nil, err
	}
	if s.col.Versioned() {
		if err := s.insertVersion(ctx, id, string(op), ""); err != nil {
			return nil, err
		}
	}
	if err := s.appendLog(ctx, op, id, locale, changedKeys(data)); err != nil {
		return nil, err
	}

	record, err := s.readBack(ctx, id)
	if err != nil {
		return nil, err
	}
	event.Record = record
	if err := s.runAfterChange(ctx, event); err != nil {
		return nil, err
	}
	s.engine.indexChanged(ctx, s.Name(), id)
	return record, nil
}

// UpdateMany applies the same partial update to every record matching the
// filter. Hooks fire and one log row is written per record.
func (s *Service) UpdateMany(ctx context.Context, where query.Where, data map[string]any) (int, error) {
	decision, err := s.col.Access.Resolve(ctx, OpUpdate)
	if err != nil {
		return 0, err
	}
	if !decision.Allow {
		return 0, common.Forbidden(string(OpUpdate), s.Name())
	}

	count := 0
	err = s.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		ids, err := s.matchingIDs(txCtx, where, decision.Where)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := s.updateInTx(txCtx, id, cloneMap(data), decision, OpUpdate); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteByID removes a record: soft delete sets deletedAt, otherwise the row
// is deleted and sidecars plus versions cascade.
func (s *Service) DeleteByID(ctx context.Context, id string) (string, error) {
	decision, err := s.col.Access.Resolve(ctx, OpDelete)
	if err != nil {
		return "", err
	}
	if !decision.Allow {
		return "", common.Forbidden(string(OpDelete), s.Name())
	}

	err = s.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		return s.deleteInTx(txCtx, id, decision)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) deleteInTx(ctx context.Context, id string, decision Decision) error {
	locale, _ := s.engine.locale(ctx)
	soft := s.col.Collection.Options.SoftDelete

	row, err := s.fetchForWrite(ctx, id, decision, false)
	if err != nil {
		return err
	}
	record := s.col.decodeRecord(row)

	event := &DeleteEvent{Collection: s.Name(), Record: record, Soft: soft}
	if err := s.runBeforeDelete(ctx, event); err != nil {
		return err
	}

	if soft {
		sql := fmt.Sprintf("UPDATE %s SET %s = now() WHERE %s = $1",
			field.QuoteIdent(s.col.Table.Name),
			field.QuoteIdent(schema.ColDeletedAt), field.QuoteIdent(schema.ColID))
		if err := s.engine.DB.Exec(ctx, sql, id); err != nil {
			return common.FromPg(err)
		}
	} else {
		sql := fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
			field.QuoteIdent(s.col.Table.Name), field.QuoteIdent(schema.ColID))
		if err := s.engine.DB.Exec(ctx, sql, id); err != nil {
			return common.FromPg(err)
		}
	}

	if err := s.appendLog(ctx, OpDelete, id, locale, nil); err != nil {
		return err
	}
	if err := s.runAfterDelete(ctx, event); err != nil {
		return err
	}
	s.engine.indexDeleted(ctx, s.Name(), id)
	return nil
}

// DeleteMany removes every record matching the filter, firing per-record
// hooks and log rows.
func (s *Service) DeleteMany(ctx context.Context, where query.Where) (int, error) {
	decision, err := s.col.Access.Resolve(ctx, OpDelete)
	if err != nil {
		return 0, err
	}
	if !decision.Allow {
		return 0, common.Forbidden(string(OpDelete), s.Name())
	}

	count := 0
	err = s.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		ids, err := s.matchingIDs(txCtx, where, decision.Where)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := s.deleteInTx(txCtx, id, decision); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Restore undoes a soft delete. Fails with NotRestorable when the collection
// does not use soft delete.
func (s *Service) Restore(ctx context.Context, id string) (Record, error) {
	if !s.col.Collection.Options.SoftDelete {
		return nil, common.EKey(common.KindNotRestorable, "error.not_restorable",
			map[string]any{"collection": s.Name()})
	}
	decision, err := s.col.Access.Resolve(ctx, OpRestore)
	if err != nil {
		return nil, err
	}
	if !decision.Allow {
		return nil, common.Forbidden(string(OpRestore), s.Name())
	}

	var record Record
	err = s.engine.DB.WithTransaction(ctx, func(txCtx context.Context) error {
		locale, _ := s.engine.locale(txCtx)
		if _, err := s.fetchForWrite(txCtx, id, decision, true); err != nil {
			return err
		}
		sql := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = $1",
			field.QuoteIdent(s.col.Table.Name),
			field.QuoteIdent(schema.ColDeletedAt), field.QuoteIdent(schema.ColID))
		if err := s.engine.DB.Exec(txCtx, sql, id); err != nil {
			return common.FromPg(err)
		}
		if err := s.appendLog(txCtx, OpRestore, id, locale, nil); err != nil {
			return err
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

// payloadSplit separates a normalised payload into main-table column
// assignments, sidecar column assignments, and nested localised values.
type payloadSplit struct {
	main      map[string]any
	localized map[string]any
	nestedLoc map[string]any
}

// splitPayload routes each input key to its table and extracts nested
// localised values through the precomputed localisation schemas.
func (s *Service) splitPayload(data map[string]any) *payloadSplit {
	out := &payloadSplit{
		main:      map[string]any{},
		localized: map[string]any{},
		nestedLoc: map[string]any{},
	}
	for key, value := range data {
		if key == schema.ColID {
			continue
		}
		if s.col.Localized(key) {
			out.localized[key] = value
			continue
		}
		if loc, nested := s.col.Loc[key]; nested {
			structure, i18nValues := loc.Split(value)
			out.main[key] = structure
			if i18nValues != nil {
				out.nestedLoc[key] = i18nValues
			}
			continue
		}
		out.main[key] = value
	}
	return out
}

// upsertI18n writes the sidecar row for the current locale, merging the
// _localized JSONB per top-level field.
func (s *Service) upsertI18n(ctx context.Context, id, locale string, assignment *payloadSplit) error {
	if !s.col.HasI18n() {
		return nil
	}
	if len(assignment.localized) == 0 && len(assignment.nestedLoc) == 0 {
		return nil
	}

	args := field.NewArgList()
	columns := []string{
		field.QuoteIdent(schema.ColID),
		field.QuoteIdent(schema.ColParentID),
		field.QuoteIdent(schema.ColLocale),
	}
	placeholders := []string{args.Add(uuid.NewString()), args.Add(id), args.Add(locale)}
	updates := make([]string, 0, len(assignment.localized)+1)

	for _, name := range sortedMapKeys(assignment.localized) {
		quoted := field.QuoteIdent(name)
		columns = append(columns, quoted)
		placeholders = append(placeholders, args.Add(encodeValue(s.col, name, assignment.localized[name])))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted, quoted))
	}
	if len(assignment.nestedLoc) > 0 {
		quoted := field.QuoteIdent(schema.ColLocalized)
		columns = append(columns, quoted)
		placeholders = append(placeholders, args.Add(jsonValue(assignment.nestedLoc)))
		table := field.QuoteIdent(s.col.I18nTable.Name)
		// Top-level field keys replace; untouched fields keep their values.
		updates = append(updates, fmt.Sprintf("%s = COALESCE(%s.%s, '{}'::jsonb) || EXCLUDED.%s",
			quoted, table, quoted, quoted))
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s, %s) DO UPDATE SET %s",
		field.QuoteIdent(s.col.I18nTable.Name),
		strings.Join(columns, ", "), strings.Join(placeholders, ", "),
		field.QuoteIdent(schema.ColParentID), field.QuoteIdent(schema.ColLocale),
		strings.Join(updates, ", "))
	if err := s.engine.DB.Exec(ctx, sql, args.Values()...); err != nil {
		return common.FromPg(err)
	}
	return nil
}

// checkWritePredicate verifies a freshly written row matches the access
// rule's predicate; creates cannot be pre-checked.
func (s *Service) checkWritePredicate(ctx context.Context, id string, decision Decision, op Operation) error {
	if len(decision.Where) == 0 {
		return nil
	}
	locale, fallback := s.engine.locale(ctx)
	compiler := &query.Compiler{Schema: s.col.Compiled, UseFallback: fallback}
	args := field.NewArgList()
	from := s.mainFrom(locale, fallback, args)
	clause, err := compiler.CompileWhere(decision.Where, args)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf("SELECT count(*)%s WHERE t.%s = %s", from, field.QuoteIdent(schema.ColID), args.Add(id))
	if clause != "" {
		sql += " AND " + clause
	}
	var count int
	if err := s.engine.DB.QueryRow(ctx, sql, args.Values()...).Scan(&count); err != nil {
		return common.FromPg(err)
	}
	if count == 0 {
		return common.Forbidden(string(op), s.Name())
	}
	return nil
}

func (s *Service) appendLog(ctx context.Context, op Operation, id, locale string, changed []string) error {
	entry := &db.LogEntry{
		ResourceType: s.resourceType,
		Resource:     s.Name(),
		Operation:    string(op),
		RecordID:     id,
		Locale:       locale,
	}
	if changed != nil {
		entry.Payload = map[string]any{"changed": changed}
	}
	return s.engine.DB.AppendLog(ctx, entry)
}

// readBack fetches the stored record inside the transaction, bypassing the
// read access rule: the caller just wrote it.
func (s *Service) readBack(ctx context.Context, id string) (Record, error) {
	rows, total, err := s.query(ctx, &FindOptions{Where: query.Where{"id": id}, Limit: 1}, nil)
	if err != nil {
		return nil, err
	}
	if total == 0 || len(rows) == 0 {
		return nil, common.NotFound(s.Name(), id)
	}
	return s.col.decodeRecord(rows[0]), nil
}

func (s *Service) runValidateHooks(ctx context.Context, data map[string]any) error {
	for _, hook := range s.col.Hooks.Validate {
		if err := hook(ctx, data); err != nil {
			return common.AsError(err)
		}
	}
	return nil
}

func (s *Service) runBeforeChange(ctx context.Context, event *ChangeEvent) error {
	for _, hook := range s.col.Hooks.BeforeChange {
		if err := hook(ctx, event); err != nil {
			return common.AsError(err)
		}
	}
	for _, module := range s.engine.moduleHooks {
		if !module.Matches(s.Name()) {
			continue
		}
		for _, hook := range module.BeforeChange {
			if err := hook(ctx, event); err != nil {
				return common.AsError(err)
			}
		}
	}
	return nil
}

func (s *Service) runAfterChange(ctx context.Context, event *ChangeEvent) error {
	for _, hook := range s.col.Hooks.AfterChange {
		if err := hook(ctx, event); err != nil {
			return common.AsError(err)
		}
	}
	for _, module := range s.engine.moduleHooks {
		if !module.Matches(s.Name()) {
			continue
		}
		for _, hook := range module.AfterChange {
			if err := hook(ctx, event); err != nil {
				return common.AsError(err)
			}
		}
	}
	return nil
}

func (s *Service) runBeforeDelete(ctx context.Context, event *DeleteEvent) error {
	for _, hook := range s.col.Hooks.BeforeDelete {
		if err := hook(ctx, event); err != nil {
			return common.AsError(err)
		}
	}
	for _, module := range s.engine.moduleHooks {
		if !module.Matches(s.Name()) {
			continue
		}
		for _, hook := range module.BeforeDelete {
			if err := hook(ctx, event); err != nil {
				return common.AsError(err)
			}
		}
	}
	return nil
}

func (s *Service) runAfterDelete(ctx context.Context, event *DeleteEvent) error {
	for _, hook := range s.col.Hooks.AfterDelete {
		if err := hook(ctx, event); err != nil {
			return common.AsError(err)
		}
	}
	for _, module := range s.engine.moduleHooks {
		if !module.Matches(s.Name()) {
			continue
		}
		for _, hook := range module.AfterDelete {
			if err := hook(ctx, event); err != nil {
				return common.AsError(err)
			}
		}
	}
	return nil
}

func changedKeys(data map[string]any) []string {
	keys := sortedMapKeys(data)
	return keys
}

func sortedMapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
