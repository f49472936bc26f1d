package index

import (
	"context"
	"fmt"

	"github.com/lazypower/recall/internal/store"
)

// Hybrid weights for the SQL backend. Exact distances from a full scan make
// the content signal noisier relative to tags than the chromem ranking does.
const (
	SQLiteTagWeight     = 0.8
	SQLiteContentWeight = 0.2
)

var sqliteTables = map[Field]string{
	FieldContent: "vec_memories",
	FieldTags:    "vec_tags",
}

// SQLite keeps vectors in two side tables of each shard and ranks them with
// the vec_distance_cosine SQL function.
type SQLite struct{}

// NewSQLite returns the SQL-table backend.
func NewSQLite() *SQLite { return &SQLite{} }

func (*SQLite) Name() string { return BackendSQLite }

func (*SQLite) Weights() Weights {
	return Weights{Tag: SQLiteTagWeight, Content: SQLiteContentWeight}
}

func (*SQLite) EnsureSchema(ctx context.Context, db *store.DB) error {
	for _, table := range sqliteTables {
		_, err := db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				memory_id  TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
				embedding  BLOB NOT NULL
			)`, table))
		if err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// Warm backfills index rows for base rows written before the index tables
// existed or by an older build.
func (*SQLite) Warm(ctx context.Context, db *store.DB) (int, error) {
	total := 0
	backfills := map[string]string{
		"vec_memories": "SELECT id, vector FROM memories WHERE vector IS NOT NULL",
		"vec_tags":     "SELECT id, tags_vector FROM memories WHERE tags_vector IS NOT NULL",
	}
	for table, src := range backfills {
		res, err := db.ExecContext(ctx, fmt.Sprintf(
			"INSERT OR IGNORE INTO %s (memory_id, embedding) %s AND id NOT IN (SELECT memory_id FROM %s)",
			table, src, table))
		if err != nil {
			return total, fmt.Errorf("backfill %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

// Upsert deletes then inserts; index rows are never mutated in place.
func (s *SQLite) Upsert(ctx context.Context, ex store.Execer, path string, e Entry) error {
	if err := s.Remove(ctx, ex, path, e.ID); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx,
		"INSERT INTO vec_memories (memory_id, embedding) VALUES (?, ?)", e.ID, store.EncodeVector(e.Vector)); err != nil {
		return fmt.Errorf("index content vector %s: %w", e.ID, err)
	}
	if len(e.TagsVector) > 0 {
		if _, err := ex.ExecContext(ctx,
			"INSERT INTO vec_tags (memory_id, embedding) VALUES (?, ?)", e.ID, store.EncodeVector(e.TagsVector)); err != nil {
			return fmt.Errorf("index tags vector %s: %w", e.ID, err)
		}
	}
	return nil
}

func (*SQLite) Remove(ctx context.Context, ex store.Execer, _ string, id string) error {
	for _, table := range sqliteTables {
		if _, err := ex.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE memory_id = ?", table), id); err != nil {
			return fmt.Errorf("remove %s from %s: %w", id, table, err)
		}
	}
	return nil
}

func (*SQLite) Search(ctx context.Context, q store.Querier, _ string, field Field, vec []float32, k int) ([]Candidate, error) {
	table, ok := sqliteTables[field]
	if !ok {
		return nil, fmt.Errorf("search: unknown field %q", field)
	}
	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT memory_id, %s(embedding, ?) AS distance
		FROM %s
		ORDER BY distance ASC
		LIMIT ?`, store.VectorDistanceFunc, table), store.EncodeVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", table, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Distance); err != nil {
			return nil, fmt.Errorf("scan %s candidate: %w", table, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (*SQLite) Forget(string) {}
