package db

import (
	"github.com/jackc/pgx/v5"
)

// CollectRows drains a result set into generic records keyed by column name.
func CollectRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	var out []map[string]any
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		record := make(map[string]any, len(fields))
		for i, fd := range fields {
			record[fd.Name] = values[i]
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// CollectOneRow returns the first record of a result set, or nil when empty.
func CollectOneRow(rows pgx.Rows) (map[string]any, error) {
	records, err := CollectRows(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}
