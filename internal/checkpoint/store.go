package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no checkpoint has the requested id.
var ErrNotFound = errors.New("checkpoint not found")

// Store handles checkpoint persistence. State is stored as gzip-compressed
// JSON alongside a few counters for cheap listing.
type Store struct {
	db *sql.DB
}

// NewStore creates a checkpoint store using the given database.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			trigger TEXT NOT NULL,
			note TEXT,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			session_count INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);
	`)
	return err
}

// Create saves a new checkpoint and returns it with ID populated.
func (s *Store) Create(ctx context.Context, trigger Trigger, note string, state *State) (*Checkpoint, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}

	compressed := buf.Bytes()
	now := time.Now().UTC()

	cp := &Checkpoint{
		ID:           id,
		CreatedAt:    now,
		Trigger:      trigger,
		Note:         note,
		State:        state,
		ByteSize:     int64(len(compressed)),
		SessionCount: len(state.Sessions),
		MessageCount: state.MessageCount(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, created_at, trigger, note, state_gz, byte_size, session_count, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id.String(), now.UnixNano(), string(trigger), note, compressed, cp.ByteSize, cp.SessionCount, cp.MessageCount)
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}

	return cp, nil
}

// Get retrieves a checkpoint by ID, including full state.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, trigger, note, byte_size, session_count, message_count, state_gz
		FROM checkpoints WHERE id = ?
	`, id.String())

	cp, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cp, err
}

// List returns checkpoints newest first, without state.
func (s *Store) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, trigger, note, byte_size, session_count, message_count
		FROM checkpoints
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := scanMeta(rows, &cp); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &cp)
	}
	return checkpoints, rows.Err()
}

// Latest returns the most recent checkpoint, or nil if none exist.
func (s *Store) Latest(ctx context.Context) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, trigger, note, byte_size, session_count, message_count, state_gz
		FROM checkpoints
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`)

	cp, err := scanFull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

// Delete removes a checkpoint by ID.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Prune deletes all but the keep newest checkpoints and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE id NOT IN (
			SELECT id FROM checkpoints
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner, cp *Checkpoint, extra ...any) error {
	var idStr, triggerStr string
	var created int64
	var note sql.NullString

	dest := append([]any{&idStr, &created, &triggerStr, &note, &cp.ByteSize, &cp.SessionCount, &cp.MessageCount}, extra...)
	if err := row.Scan(dest...); err != nil {
		return err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", idStr, err)
	}
	cp.ID = id
	cp.CreatedAt = time.Unix(0, created).UTC()
	cp.Trigger = Trigger(triggerStr)
	cp.Note = note.String
	return nil
}

func scanFull(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var stateGz []byte
	if err := scanMeta(row, &cp, &stateGz); err != nil {
		return nil, err
	}

	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	return &cp, nil
}
