package template

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists templates in a local SQLite database. Intended for
// single-process deployments where template edits must survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS templates (
	id            TEXT    NOT NULL,
	version       INTEGER NOT NULL,
	name          TEXT    NOT NULL,
	system_prompt TEXT    NOT NULL DEFAULT '',
	user_prompt   TEXT    NOT NULL DEFAULT '',
	variables     TEXT    NOT NULL DEFAULT '[]',
	model_class   TEXT    NOT NULL DEFAULT '',
	temperature   REAL    NOT NULL DEFAULT 0,
	max_tokens    INTEGER NOT NULL DEFAULT 0,
	tags          TEXT    NOT NULL DEFAULT '[]',
	created_at    TEXT    NOT NULL,
	updated_at    TEXT    NOT NULL,
	PRIMARY KEY (id, version)
);
`

// OpenSQLiteStore opens (creating if needed) the template database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open template db: %w", err)
	}
	// SQLite allows one writer; serialize access through a single connection
	// instead of surfacing SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate template db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, t Template) error {
	variables, err := json.Marshal(t.Variables)
	if err != nil {
		return fmt.Errorf("encode variables: %w", err)
	}
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO templates
			(id, version, name, system_prompt, user_prompt, variables, model_class, temperature, max_tokens, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, version) DO UPDATE SET
			name = excluded.name,
			system_prompt = excluded.system_prompt,
			user_prompt = excluded.user_prompt,
			variables = excluded.variables,
			model_class = excluded.model_class,
			temperature = excluded.temperature,
			max_tokens = excluded.max_tokens,
			tags = excluded.tags,
			updated_at = excluded.updated_at`,
		t.ID, t.Version, t.Name, t.SystemPrompt, t.UserPrompt, string(variables),
		t.ModelClass, t.Temperature, t.MaxTokens, string(tags),
		t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put template %s v%d: %w", t.ID, t.Version, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string, version int) (Template, error) {
	const cols = `id, version, name, system_prompt, user_prompt, variables, model_class, temperature, max_tokens, tags, created_at, updated_at`
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM templates WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+cols+` FROM templates WHERE id = ? AND version = ?`, id, version)
	}
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, name, system_prompt, user_prompt, variables, model_class, temperature, max_tokens, tags, created_at, updated_at
		FROM templates ORDER BY id, version`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("list templates: %w", err)
		}
		if f.matches(t) {
			out = append(out, t)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	if f.LatestOnly {
		out = latestOnly(out)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (Template, error) {
	var (
		t                    Template
		variables, tags      string
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.Version, &t.Name, &t.SystemPrompt, &t.UserPrompt,
		&variables, &t.ModelClass, &t.Temperature, &t.MaxTokens, &tags, &createdAt, &updatedAt)
	if err != nil {
		return Template{}, err
	}
	if err := json.Unmarshal([]byte(variables), &t.Variables); err != nil {
		return Template{}, fmt.Errorf("decode variables: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return Template{}, fmt.Errorf("decode tags: %w", err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Template{}, fmt.Errorf("decode created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Template{}, fmt.Errorf("decode updated_at: %w", err)
	}
	return t, nil
}
