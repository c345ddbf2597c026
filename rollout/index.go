// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rollout

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/codex-core/internal/coreerr"
)

// Index is an advisory SQLite/Postgres/MySQL mirror of rollout metadata,
// giving O(1) thread lookup and cross-cutting queries by provider/source/
// archived without scanning the rollout tree (§4.1: "the index is
// advisory: the rollout files are the source of truth").
type Index struct {
	db      *sql.DB
	dialect string
}

// OpenIndex opens dialect ("sqlite", "postgres", or "mysql") at dsn and
// ensures the index schema exists.
func OpenIndex(dialect, dsn string) (*Index, error) {
	driver := dialect
	switch dialect {
	case "sqlite", "sqlite3":
		driver, dialect = "sqlite3", "sqlite"
	case "postgres", "mysql":
		driver = dialect
	default:
		return nil, coreerr.New(coreerr.KindConfig, fmt.Sprintf("unsupported rollout index dialect %q", dialect))
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindConfig, "open rollout index db", err)
	}

	idx := &Index{db: db, dialect: dialect}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	_, err := idx.db.Exec(`
CREATE TABLE IF NOT EXISTS rollout_index (
	thread_id   TEXT PRIMARY KEY,
	path        TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	source      TEXT NOT NULL,
	created_at  BIGINT NOT NULL,
	mutated_at  BIGINT NOT NULL,
	archived    BOOLEAN NOT NULL DEFAULT FALSE
)`)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "migrate rollout_index", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// Upsert records or refreshes one thread's index row.
func (idx *Index) Upsert(e Entry, providerID string) error {
	_, err := idx.db.Exec(idx.upsertSQL(),
		e.ThreadID, e.Path, providerID, e.Source,
		e.CreatedAt.Unix(), e.MutatedAt.Unix(), e.Archived)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "upsert rollout_index", err)
	}
	return nil
}

func (idx *Index) upsertSQL() string {
	switch idx.dialect {
	case "postgres":
		return `INSERT INTO rollout_index (thread_id, path, provider_id, source, created_at, mutated_at, archived)
                VALUES ($1, $2, $3, $4, $5, $6, $7)
                ON CONFLICT (thread_id) DO UPDATE SET
                  path = excluded.path, provider_id = excluded.provider_id, source = excluded.source,
                  mutated_at = excluded.mutated_at, archived = excluded.archived`
	case "mysql":
		return `INSERT INTO rollout_index (thread_id, path, provider_id, source, created_at, mutated_at, archived)
                VALUES (?, ?, ?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE
                  path = VALUES(path), provider_id = VALUES(provider_id), source = VALUES(source),
                  mutated_at = VALUES(mutated_at), archived = VALUES(archived)`
	default: // sqlite
		return `INSERT INTO rollout_index (thread_id, path, provider_id, source, created_at, mutated_at, archived)
                VALUES (?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (thread_id) DO UPDATE SET
                  path = excluded.path, provider_id = excluded.provider_id, source = excluded.source,
                  mutated_at = excluded.mutated_at, archived = excluded.archived`
	}
}

// Lookup returns the indexed path for threadID, or coreerr.NotFound if
// absent — callers should fall back to a directory scan, not treat this as
// fatal (the index may be missing or stale).
func (idx *Index) Lookup(threadID string) (string, error) {
	var path string
	q := idx.placeholder(`SELECT path FROM rollout_index WHERE thread_id = %s`, 1)
	err := idx.db.QueryRow(q, threadID).Scan(&path)
	if err == sql.ErrNoRows {
		return "", coreerr.Wrap(coreerr.KindNotFound, "thread not in rollout index: "+threadID, err)
	}
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindInternal, "query rollout_index", err)
	}
	return path, nil
}

// ByProvider lists thread ids indexed under providerID, most-recently
// mutated first.
func (idx *Index) ByProvider(providerID string) ([]string, error) {
	q := idx.placeholder(`SELECT thread_id FROM rollout_index WHERE provider_id = %s AND archived = false ORDER BY mutated_at DESC`, 1)
	rows, err := idx.db.Query(q, providerID)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, "query rollout_index by provider", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInternal, "scan rollout_index row", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkArchived updates a row's archived flag and path after Store.Archive.
func (idx *Index) MarkArchived(threadID, newPath string) error {
	q := idx.placeholder(`UPDATE rollout_index SET archived = true, path = %s, mutated_at = %s WHERE thread_id = %s`, 3)
	_, err := idx.db.Exec(q, newPath, time.Now().Unix(), threadID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInternal, "mark rollout_index archived", err)
	}
	return nil
}

// placeholder rewrites a %s-templated query for postgres' $N placeholders;
// sqlite/mysql use ? as written.
func (idx *Index) placeholder(q string, n int) string {
	if idx.dialect != "postgres" {
		return fmt.Sprintf(q, repeatArg("?", n)...)
	}
	args := make([]any, n)
	for i := range args {
		args[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(q, args...)
}

func repeatArg(s string, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = s
	}
	return out
}
