package shard

import "github.com/lazypower/recall/internal/store"

var registryMigrations = []store.Migration{
	{
		Version:     1,
		Description: "shards: registry of shard files per scope",
		SQL: `
CREATE TABLE shards (
    id            INTEGER PRIMARY KEY,
    scope         TEXT NOT NULL CHECK (scope IN ('user', 'project')),
    scope_hash    TEXT NOT NULL,
    shard_index   INTEGER NOT NULL,
    db_path       TEXT NOT NULL UNIQUE,
    vector_count  INTEGER NOT NULL DEFAULT 0,
    is_active     INTEGER NOT NULL DEFAULT 1,
    created_at    INTEGER NOT NULL,

    UNIQUE (scope, scope_hash, shard_index)
);

CREATE INDEX idx_shards_scope ON shards(scope, scope_hash);

-- At most one write target per (scope, scope_hash).
CREATE UNIQUE INDEX idx_shards_active ON shards(scope, scope_hash) WHERE is_active = 1;
`,
	},
}
