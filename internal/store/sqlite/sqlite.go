// Package sqlite provides the SQLite-backed composition and user store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS compositions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	owner_id   TEXT NOT NULL,
	is_public  INTEGER NOT NULL DEFAULT 0,
	notes      TEXT NOT NULL DEFAULT '[]',
	version    INTEGER NOT NULL DEFAULT 1,
	views      INTEGER NOT NULL DEFAULT 0,
	downloads  INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS collaborators (
	composition_id TEXT NOT NULL REFERENCES compositions(id) ON DELETE CASCADE,
	user_id        TEXT NOT NULL,
	role           TEXT NOT NULL CHECK (role IN ('editor', 'viewer')),
	PRIMARY KEY (composition_id, user_id)
);

CREATE TABLE IF NOT EXISTS history (
	composition_id TEXT NOT NULL REFERENCES compositions(id) ON DELETE CASCADE,
	version        INTEGER NOT NULL,
	notes          TEXT NOT NULL,
	edited_by      TEXT NOT NULL,
	edited_at      DATETIME NOT NULL,
	change_note    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (composition_id, version)
);
`

// DB implements store.Store on SQLite.
type DB struct {
	conn *sql.DB
}

var _ store.Store = (*DB)(nil)

// Open opens (or creates) the SQLite database and applies the schema.
// Transactions start IMMEDIATE so concurrent writers queue on the busy timeout
// instead of failing on lock upgrade.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

const pragmas = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"

// withPragmas appends the connection options to dsn, which may already carry
// its own query string (file:scores.db?cache=shared).
func withPragmas(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + pragmas
	}
	return dsn + "?" + pragmas
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// CreateComposition inserts c with its collaborators. Version starts at 1.
func (db *DB) CreateComposition(ctx context.Context, c *models.Composition) error {
	notes, err := json.Marshal(store.NonNil(c.Notes))
	if err != nil {
		return fmt.Errorf("sqlite: encode notes: %w", err)
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.Version = 1

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM compositions WHERE id = ?`, c.ID).Scan(&exists)
	if err == nil {
		return apperr.ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: check composition: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO compositions (id, title, owner_id, is_public, notes, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, c.ID, c.Title, c.OwnerID, c.IsPublic, string(notes), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: insert composition: %w", err)
	}

	if len(c.Collaborators) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO collaborators (composition_id, user_id, role) VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("sqlite: prepare collaborator insert: %w", err)
		}
		defer stmt.Close()
		for _, col := range c.Collaborators {
			if _, err := stmt.ExecContext(ctx, c.ID, col.UserID, string(col.Role)); err != nil {
				return fmt.Errorf("sqlite: insert collaborator: %w", err)
			}
		}
	}

	return tx.Commit()
}

// GetComposition loads a composition, its collaborators and its history.
func (db *DB) GetComposition(ctx context.Context, id string) (*models.Composition, error) {
	var (
		c     models.Composition
		notes string
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, title, owner_id, is_public, notes, version, views, downloads, created_at, updated_at
		FROM compositions WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.OwnerID, &c.IsPublic, &notes, &c.Version, &c.Views, &c.Downloads, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get composition: %w", err)
	}
	if err := json.Unmarshal([]byte(notes), &c.Notes); err != nil {
		return nil, fmt.Errorf("sqlite: decode notes: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT user_id, role FROM collaborators WHERE composition_id = ? ORDER BY user_id`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: collaborators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col models.Collaborator
		if err := rows.Scan(&col.UserID, &col.Role); err != nil {
			return nil, err
		}
		c.Collaborators = append(c.Collaborators, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if c.History, err = db.History(ctx, id); err != nil {
		return nil, err
	}
	c.Notes = store.NonNil(c.Notes)
	c.Collaborators = store.NonNil(c.Collaborators)
	return &c, nil
}

// History returns every history entry of a composition ordered by version.
func (db *DB) History(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT version, notes, edited_by, edited_at, change_note
		FROM history WHERE composition_id = ?
		ORDER BY version ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history: %w", err)
	}
	defer rows.Close()

	out := []models.HistoryEntry{}
	for rows.Next() {
		var (
			h     models.HistoryEntry
			notes string
		)
		if err := rows.Scan(&h.Version, &notes, &h.EditedBy, &h.EditedAt, &h.ChangeNote); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(notes), &h.Notes); err != nil {
			return nil, fmt.Errorf("sqlite: decode history notes: %w", err)
		}
		h.Notes = store.NonNil(h.Notes)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CommitMutation records the current notes as a history entry, stores the new
// notes and bumps the version, all inside one transaction.
func (db *DB) CommitMutation(ctx context.Context, id string, notes []models.Note, editorID, changeNote string) (int64, error) {
	newNotes, err := json.Marshal(store.NonNil(notes))
	if err != nil {
		return 0, fmt.Errorf("sqlite: encode notes: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	var (
		curNotes string
		curVer   int64
	)
	err = tx.QueryRowContext(ctx, `SELECT notes, version FROM compositions WHERE id = ?`, id).Scan(&curNotes, &curVer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.ErrNotFound
		}
		return 0, fmt.Errorf("sqlite: read composition: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (composition_id, version, notes, edited_by, edited_at, change_note)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, curVer, curNotes, editorID, now, changeNote)
	if err != nil {
		return 0, fmt.Errorf("sqlite: append history: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE compositions SET notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(newNotes), now, id, curVer)
	if err != nil {
		return 0, fmt.Errorf("sqlite: update composition: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return 0, fmt.Errorf("sqlite: version moved during commit of %s", id)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return curVer + 1, nil
}

// GetUser loads a user by id.
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := db.conn.QueryRowContext(ctx, `SELECT id, name, avatar FROM users WHERE id = ?`, id).Scan(&u.ID, &u.Name, &u.Avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get user: %w", err)
	}
	return &u, nil
}

// PutUser inserts or replaces a user.
func (db *DB) PutUser(ctx context.Context, u *models.User) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (id, name, avatar) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, avatar = excluded.avatar
	`, u.ID, u.Name, u.Avatar)
	if err != nil {
		return fmt.Errorf("sqlite: put user: %w", err)
	}
	return nil
}

// IncrementCounter adds one to the views or downloads counter.
func (db *DB) IncrementCounter(ctx context.Context, id, field string) error {
	col, err := store.CounterColumn(field)
	if err != nil {
		return err
	}
	res, err := db.conn.ExecContext(ctx, `UPDATE compositions SET `+col+` = `+col+` + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: increment %s: %w", col, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
