package migrate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/stratacms/strata/common"
)

const snapshotsDir = "snapshots"

// Migration is one generated migration: an ordered list of diff operations
// plus the schema snapshot the database looks like after applying it.
type Migration struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Operations []Operation `json:"operations"`
}

// UpSQL renders the forward statements for the whole migration.
func (m *Migration) UpSQL() ([]string, error) {
	var stmts []string
	for _, op := range m.Operations {
		s, err := SQLForward(op)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s...)
	}
	return stmts, nil
}

// DownSQL renders the reverse statements, undoing operations last-first.
func (m *Migration) DownSQL() ([]string, error) {
	var stmts []string
	for i := len(m.Operations) - 1; i >= 0; i-- {
		s, err := SQLReverse(m.Operations[i])
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s...)
	}
	return stmts, nil
}

var migrationFile = regexp.MustCompile(`^(\d{14}_[a-z0-9_]+)\.json$`)

const idStampFormat = "20060102150405"

// NewID stamps a migration identifier: a 14-digit UTC timestamp followed by
// the snake_cased name.
func NewID(name string, at time.Time) string {
	return at.UTC().Format(idStampFormat) + "_" + snakeCase(name)
}

func snakeCase(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "_"):
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// Generate diffs the directory's latest snapshot against the current compiled
// schema and writes a new migration file plus its snapshot. It returns nil
// when the schema is unchanged.
func Generate(dir, name string, next *Snapshot) (*Migration, error) {
	migrations, err := Load(dir)
	if err != nil {
		return nil, err
	}
	prev, err := latestSnapshot(dir, migrations)
	if err != nil {
		return nil, err
	}
	ops := Diff(prev, next)
	if len(ops) == 0 {
		return nil, nil
	}

	at := time.Now()
	if len(migrations) > 0 {
		// Ids order the history lexicographically; a second generate within
		// the same second must take the next stamp.
		last := migrations[len(migrations)-1].ID
		if at.UTC().Format(idStampFormat) <= last[:14] {
			if stamp, perr := time.Parse(idStampFormat, last[:14]); perr == nil {
				at = stamp.Add(time.Second)
			}
		}
	}

	migration := &Migration{ID: NewID(name, at), Name: name, Operations: ops}
	if err := writeMigration(dir, migration, next); err != nil {
		return nil, err
	}
	return migration, nil
}

func writeMigration(dir string, m *Migration, snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Join(dir, snapshotsDir), 0o755); err != nil {
		return fmt.Errorf("create migrations dir: %w", err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, m.ID+".json"), raw, 0o644); err != nil {
		return fmt.Errorf("write migration: %w", err)
	}
	snapRaw, err := snap.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, snapshotsDir, m.ID+".json"), snapRaw, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads every migration in the directory, ordered by id. A missing
// directory yields an empty list.
func Load(dir string) ([]*Migration, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []*Migration
	for _, entry := range entries {
		if entry.IsDir() || !migrationFile.MatchString(entry.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var m Migration
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, common.E(common.KindMigrationConflict, "corrupt migration file %s: %v", entry.Name(), err)
		}
		if m.ID != strings.TrimSuffix(entry.Name(), ".json") {
			return nil, common.E(common.KindMigrationConflict, "migration id %q does not match file %s", m.ID, entry.Name())
		}
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LatestSnapshot returns the snapshot of the newest migration, or an empty
// snapshot when the directory holds none.
func LatestSnapshot(dir string) (*Snapshot, error) {
	migrations, err := Load(dir)
	if err != nil {
		return nil, err
	}
	return latestSnapshot(dir, migrations)
}

func latestSnapshot(dir string, migrations []*Migration) (*Snapshot, error) {
	if len(migrations) == 0 {
		return Empty(), nil
	}
	last := migrations[len(migrations)-1]
	raw, err := os.ReadFile(filepath.Join(dir, snapshotsDir, last.ID+".json"))
	if os.IsNotExist(err) {
		return nil, common.E(common.KindMigrationConflict, "migration %s has no snapshot", last.ID)
	}
	if err != nil {
		return nil, err
	}
	return Unmarshal(raw)
}
