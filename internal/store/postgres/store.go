package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/starford/scoreroom/internal/apperr"
	"github.com/starford/scoreroom/internal/models"
	"github.com/starford/scoreroom/internal/store"
)

var _ store.Store = (*DB)(nil)

// CreateComposition inserts c and its collaborators at version 1.
func (db *DB) CreateComposition(ctx context.Context, c *models.Composition) (err error) {
	notes, err := json.Marshal(store.NonNil(c.Notes))
	if err != nil {
		return fmt.Errorf("postgres: encode notes: %w", err)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	c.Version = 1

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const ins = `INSERT INTO compositions (id, title, owner_id, is_public, notes, version, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,1,$6,$7)`
	if _, err = tx.Exec(ctx, ins, c.ID, c.Title, c.OwnerID, c.IsPublic, notes, c.CreatedAt, c.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert composition: %w", err)
	}

	const insCol = `INSERT INTO collaborators (composition_id, user_id, role) VALUES ($1,$2,$3)`
	for _, col := range c.Collaborators {
		if _, err = tx.Exec(ctx, insCol, c.ID, col.UserID, string(col.Role)); err != nil {
			return fmt.Errorf("postgres: insert collaborator: %w", err)
		}
	}
	return nil
}

// GetComposition loads a composition, its collaborators and its history.
func (db *DB) GetComposition(ctx context.Context, id string) (*models.Composition, error) {
	const q = `
SELECT id, title, owner_id, is_public, notes, version, views, downloads, created_at, updated_at
FROM compositions WHERE id=$1`
	var (
		c     models.Composition
		notes []byte
	)
	err := db.Pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.Title, &c.OwnerID, &c.IsPublic, &notes, &c.Version, &c.Views, &c.Downloads, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get composition: %w", err)
	}
	if err := json.Unmarshal(notes, &c.Notes); err != nil {
		return nil, fmt.Errorf("postgres: decode notes: %w", err)
	}

	const qc = `SELECT user_id, role FROM collaborators WHERE composition_id=$1 ORDER BY user_id`
	rows, err := db.Pool.Query(ctx, qc, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: collaborators: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, err
		}
		c.Collaborators = append(c.Collaborators, models.Collaborator{UserID: userID, Role: models.Role(role)})
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

// History returns the history entries of a composition ordered by version.
func (db *DB) History(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	const q = `
SELECT version, notes, edited_by, edited_at, change_note
FROM history
WHERE composition_id=$1
ORDER BY version ASC`
	rows, err := db.Pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: history: %w", err)
	}
	defer rows.Close()

	out := []models.HistoryEntry{}
	for rows.Next() {
		var (
			h     models.HistoryEntry
			notes []byte
		)
		if err := rows.Scan(&h.Version, &notes, &h.EditedBy, &h.EditedAt, &h.ChangeNote); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(notes, &h.Notes); err != nil {
			return nil, fmt.Errorf("postgres: decode history notes: %w", err)
		}
		h.Notes = store.NonNil(h.Notes)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CommitMutation locks the composition row, appends the current notes to
// history, writes the new notes and increments the version.
func (db *DB) CommitMutation(
	ctx context.Context, id string, notes []models.Note, editorID, changeNote string,
) (newVer int64, err error) {
	newNotes, err := json.Marshal(store.NonNil(notes))
	if err != nil {
		return 0, fmt.Errorf("postgres: encode notes: %w", err)
	}

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
			newVer = 0
		}
	}()

	const sel = `SELECT notes, version FROM compositions WHERE id=$1 FOR UPDATE`
	const ins = `INSERT INTO history (composition_id, version, notes, edited_by, edited_at, change_note) VALUES ($1,$2,$3,$4,$5,$6)`
	const upd = `UPDATE compositions SET notes=$2, version=$3, updated_at=$4 WHERE id=$1`

	var (
		curNotes []byte
		curVer   int64
	)
	if err = tx.QueryRow(ctx, sel, id).Scan(&curNotes, &curVer); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperr.ErrNotFound
		}
		return 0, err
	}

	now := time.Now().UTC()
	if _, err = tx.Exec(ctx, ins, id, curVer, curNotes, editorID, now, changeNote); err != nil {
		return 0, err
	}
	if _, err = tx.Exec(ctx, upd, id, newNotes, curVer+1, now); err != nil {
		return 0, err
	}
	return curVer + 1, nil
}

// GetUser loads a user by id.
func (db *DB) GetUser(ctx context.Context, id string) (*models.User, error) {
	const q = `SELECT id, name, avatar FROM users WHERE id=$1`
	var u models.User
	if err := db.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Name, &u.Avatar); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return &u, nil
}

// PutUser inserts or updates a user.
func (db *DB) PutUser(ctx context.Context, u *models.User) error {
	const q = `INSERT INTO users (id, name, avatar) VALUES ($1,$2,$3) ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, avatar=EXCLUDED.avatar`
	if _, err := db.Pool.Exec(ctx, q, u.ID, u.Name, u.Avatar); err != nil {
		return fmt.Errorf("postgres: put user: %w", err)
	}
	return nil
}

// IncrementCounter adds one to the views or downloads counter.
func (db *DB) IncrementCounter(ctx context.Context, id, field string) error {
	col, err := store.CounterColumn(field)
	if err != nil {
		return err
	}
	tag, err := db.Pool.Exec(ctx, `UPDATE compositions SET `+col+`=`+col+`+1 WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("postgres: increment %s: %w", col, err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
