package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Migration is one versioned schema step. SQL runs first, then Apply, both
// inside the same transaction.
type Migration struct {
	Version     int
	Description string
	SQL         string
	Apply       func(ctx context.Context, tx *sql.Tx) error
}

// memoryColumns lists every base-table column added after the first release,
// with the definition used to retrofit it onto older shard files.
var memoryColumns = []struct {
	Name string
	Def  string
}{
	{"tags_vector", "BLOB"},
	{"tags", "TEXT NOT NULL DEFAULT ''"},
	{"type", "TEXT NOT NULL DEFAULT ''"},
	{"metadata", "TEXT"},
	{"display_name", "TEXT"},
	{"user_name", "TEXT"},
	{"user_email", "TEXT"},
	{"project_path", "TEXT"},
	{"project_name", "TEXT"},
	{"git_repo_url", "TEXT"},
	{"updated_at", "INTEGER NOT NULL DEFAULT 0"},
	{"is_pinned", "INTEGER NOT NULL DEFAULT 0"},
}

// ShardMigrations bootstraps the base record table and the lexical index of a
// shard file. Vector index tables belong to the index backend.
var ShardMigrations = []Migration{
	{
		Version:     1,
		Description: "memories: base record table",
		SQL: `
CREATE TABLE IF NOT EXISTS memories (
    id             TEXT PRIMARY KEY,
    content        TEXT NOT NULL,
    vector         BLOB NOT NULL,
    tags_vector    BLOB,
    container_tag  TEXT NOT NULL,
    tags           TEXT NOT NULL DEFAULT '',
    type           TEXT NOT NULL DEFAULT '',
    metadata       TEXT,
    display_name   TEXT,
    user_name      TEXT,
    user_email     TEXT,
    project_path   TEXT,
    project_name   TEXT,
    git_repo_url   TEXT,
    created_at     INTEGER NOT NULL,
    updated_at     INTEGER NOT NULL DEFAULT 0,
    is_pinned      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memories_container_created ON memories(container_tag, created_at DESC);
`,
	},
	{
		Version:     2,
		Description: "memories: retrofit columns missing from older shard files",
		Apply:       addMissingColumns,
		SQL: `
-- Rows from before updated_at existed age from their creation time.
UPDATE memories SET updated_at = created_at WHERE updated_at = 0;

CREATE INDEX IF NOT EXISTS idx_memories_updated ON memories(updated_at);
CREATE INDEX IF NOT EXISTS idx_memories_pinned  ON memories(is_pinned) WHERE is_pinned = 1;
`,
	},
	{
		Version:     3,
		Description: "memories_fts: lexical index over content and tags",
		SQL: `
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    content,
    tags,
    content='memories',
    content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS memories_fts_ai AFTER INSERT ON memories BEGIN
    INSERT INTO memories_fts(rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_ad AFTER DELETE ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
END;

CREATE TRIGGER IF NOT EXISTS memories_fts_au AFTER UPDATE OF content, tags ON memories BEGIN
    INSERT INTO memories_fts(memories_fts, rowid, content, tags) VALUES ('delete', old.rowid, old.content, old.tags);
    INSERT INTO memories_fts(rowid, content, tags) VALUES (new.rowid, new.content, new.tags);
END;

-- Backfill rows written before the lexical index existed.
INSERT INTO memories_fts(memories_fts) VALUES ('rebuild');
`,
	},
}

// addMissingColumns runs before the version-2 SQL so the new indexes can
// reference retrofitted columns.
func addMissingColumns(ctx context.Context, tx *sql.Tx) error {
	have, err := tableColumns(ctx, tx, "memories")
	if err != nil {
		return err
	}
	for _, col := range memoryColumns {
		if have[col.Name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE memories ADD COLUMN %s %s", col.Name, col.Def)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", col.Name, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, q Querier, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func (db *DB) migrate(ctx context.Context, migrations []Migration) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if m.Apply != nil {
			if err := m.Apply(ctx, tx); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}
		if m.SQL != "" {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}

// TableExists reports whether a table or virtual table with the given name exists.
func TableExists(ctx context.Context, q Querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}
