package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Memory is one stored unit of knowledge inside a shard.
type Memory struct {
	ID           string
	Content      string
	Vector       []float32
	TagsVector   []float32 // optional
	ContainerTag string
	Tags         string // comma-separated
	Type         string
	Metadata     json.RawMessage

	DisplayName string
	UserName    string
	UserEmail   string
	ProjectPath string
	ProjectName string
	GitRepoURL  string

	CreatedAt int64
	UpdatedAt int64
	IsPinned  bool
}

// TagList splits the comma-separated tag string, trimming blanks.
func (m *Memory) TagList() []string {
	return SplitTags(m.Tags)
}

// SplitTags splits a comma-separated tag string into trimmed, non-empty tags.
func SplitTags(tags string) []string {
	var out []string
	for _, t := range strings.Split(tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// NewID returns a new lexicographically sortable record id.
func NewID() string {
	return ulid.Make().String()
}

const memoryCols = `id, content, %s, container_tag, tags, type, metadata,
	display_name, user_name, user_email, project_path, project_name, git_repo_url,
	created_at, updated_at, is_pinned`

// selectMemory returns the column list, optionally aliased, with or without vector blobs.
func selectMemory(alias string, withVectors bool) string {
	vecs := "NULL, NULL"
	if withVectors {
		vecs = "vector, tags_vector"
	}
	cols := fmt.Sprintf(memoryCols, vecs)
	if alias == "" {
		return cols
	}
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p != "NULL" {
			p = alias + "." + p
		}
		parts[i] = p
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemory(s scanner, extra ...any) (*Memory, error) {
	var m Memory
	var vec, tagsVec []byte
	var metadata, displayName, userName, userEmail, projectPath, projectName, gitRepoURL sql.NullString
	var pinned int
	dest := []any{&m.ID, &m.Content, &vec, &tagsVec, &m.ContainerTag, &m.Tags, &m.Type, &metadata,
		&displayName, &userName, &userEmail, &projectPath, &projectName, &gitRepoURL,
		&m.CreatedAt, &m.UpdatedAt, &pinned}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.Vector = DecodeVector(vec)
	m.TagsVector = DecodeVector(tagsVec)
	if metadata.Valid && metadata.String != "" {
		m.Metadata = json.RawMessage(metadata.String)
	}
	m.DisplayName = displayName.String
	m.UserName = userName.String
	m.UserEmail = userEmail.String
	m.ProjectPath = projectPath.String
	m.ProjectName = projectName.String
	m.GitRepoURL = gitRepoURL.String
	m.IsPinned = pinned != 0
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// InsertMemory writes the base row. The lexical index follows via triggers.
func InsertMemory(ctx context.Context, ex Execer, m *Memory) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO memories (id, content, vector, tags_vector, container_tag, tags, type, metadata,
			display_name, user_name, user_email, project_path, project_name, git_repo_url,
			created_at, updated_at, is_pinned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)
	`, m.ID, m.Content, EncodeVector(m.Vector), EncodeVector(m.TagsVector), m.ContainerTag, m.Tags, m.Type, nullJSON(m.Metadata),
		m.DisplayName, m.UserName, m.UserEmail, m.ProjectPath, m.ProjectName, m.GitRepoURL,
		m.CreatedAt, m.UpdatedAt, boolInt(m.IsPinned))
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// UpdateMemory replaces content, vectors, tags, type and metadata of an
// existing row. Returns false if the row does not exist.
func UpdateMemory(ctx context.Context, ex Execer, m *Memory) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		UPDATE memories SET content = ?, vector = ?, tags_vector = ?, tags = ?, type = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, m.Content, EncodeVector(m.Vector), EncodeVector(m.TagsVector), m.Tags, m.Type, nullJSON(m.Metadata), m.UpdatedAt, m.ID)
	if err != nil {
		return false, fmt.Errorf("update memory %s: %w", m.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMemory removes the base row. Deleting an absent id is not an error.
func DeleteMemory(ctx context.Context, ex Execer, id string) (bool, error) {
	res, err := ex.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetPinned flips the pin flag and nothing else, so the retention clock
// keeps running from the last content update. Returns false if the row does
// not exist.
func SetPinned(ctx context.Context, ex Execer, id string, pinned bool) (bool, error) {
	res, err := ex.ExecContext(ctx, "UPDATE memories SET is_pinned = ? WHERE id = ?", boolInt(pinned), id)
	if err != nil {
		return false, fmt.Errorf("set pinned %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetMemory returns a record by id, or nil if not found.
func GetMemory(ctx context.Context, q Querier, id string, withVectors bool) (*Memory, error) {
	row := q.QueryRowContext(ctx, "SELECT "+selectMemory("", withVectors)+" FROM memories WHERE id = ?", id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return m, nil
}

// GetMemoriesByIDs returns the records among ids that belong to containerTag.
func GetMemoriesByIDs(ctx context.Context, q Querier, ids []string, containerTag string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, containerTag)

	query := fmt.Sprintf("SELECT %s FROM memories WHERE id IN (%s) AND container_tag = ?",
		selectMemory("", false), placeholders(len(ids)))
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get memories by ids: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// ListMemories returns a container's records newest first.
func ListMemories(ctx context.Context, q Querier, containerTag string, limit, offset int) ([]Memory, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx,
		"SELECT "+selectMemory("", false)+" FROM memories WHERE container_tag = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		containerTag, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// AllMemories returns every record in the shard ordered by creation time.
func AllMemories(ctx context.Context, q Querier, withVectors bool) ([]Memory, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+selectMemory("", withVectors)+" FROM memories ORDER BY created_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("all memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// CountMemories counts a container's records.
func CountMemories(ctx context.Context, q Querier, containerTag string) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories WHERE container_tag = ?", containerTag).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// CountAllMemories counts every record in the shard.
func CountAllMemories(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, fmt.Errorf("count all memories: %w", err)
	}
	return n, nil
}

// ContainerSummary is one distinct container found in a shard.
type ContainerSummary struct {
	ContainerTag string
	Count        int
	DisplayName  string
	UserName     string
	UserEmail    string
	ProjectPath  string
	ProjectName  string
	GitRepoURL   string
	LastActivity int64
}

// DistinctContainers summarizes the containers present in a shard, newest
// provenance first.
func DistinctContainers(ctx context.Context, q Querier) ([]ContainerSummary, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT container_tag, COUNT(*),
			COALESCE(MAX(display_name), ''), COALESCE(MAX(user_name), ''), COALESCE(MAX(user_email), ''),
			COALESCE(MAX(project_path), ''), COALESCE(MAX(project_name), ''), COALESCE(MAX(git_repo_url), ''),
			MAX(created_at)
		FROM memories GROUP BY container_tag ORDER BY MAX(created_at) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("distinct containers: %w", err)
	}
	defer rows.Close()

	var out []ContainerSummary
	for rows.Next() {
		var c ContainerSummary
		if err := rows.Scan(&c.ContainerTag, &c.Count,
			&c.DisplayName, &c.UserName, &c.UserEmail,
			&c.ProjectPath, &c.ProjectName, &c.GitRepoURL, &c.LastActivity); err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LexicalHit is a record matched by the full-text index with its bm25 rank
// (more negative is better).
type LexicalHit struct {
	Memory Memory
	Rank   float64
}

// SearchLexical runs a pre-sanitized FTS5 match expression scoped to a container.
func SearchLexical(ctx context.Context, q Querier, match, containerTag string, limit int) ([]LexicalHit, error) {
	if match == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s, bm25(memories_fts) AS rank
		FROM memories_fts JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND m.container_tag = ?
		ORDER BY rank
		LIMIT ?
	`, selectMemory("m", false))
	rows, err := q.QueryContext(ctx, query, match, containerTag, limit)
	if err != nil {
		return nil, fmt.Errorf("search lexical: %w", err)
	}
	defer rows.Close()

	var hits []LexicalHit
	for rows.Next() {
		var rank float64
		m, err := scanMemory(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("scan lexical hit: %w", err)
		}
		hits = append(hits, LexicalHit{Memory: *m, Rank: rank})
	}
	return hits, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
