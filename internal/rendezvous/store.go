package rendezvous

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no row exists for a room.
var ErrNotFound = errors.New("rendezvous: room not found")

// ErrAlreadyExists is returned by InsertIfAbsent when a row already exists
// for the room (an insert collision per spec.md §4.3 step 2).
var ErrAlreadyExists = errors.New("rendezvous: room already exists")

// Store persists signaling records in SQLite. There is at most one row per
// room (room_id is unique), matching spec.md §3.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies
// migrations. Use ":memory:" for ephemeral storage (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("rendezvous: database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("rendezvous: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: open sqlite: %w", err)
	}
	// A single shared signaling table under light write contention; one
	// writer connection avoids SQLITE_BUSY without needing a busy handler
	// loop for this store's access pattern.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("rendezvous store opened", "path", path)
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	room_id         TEXT PRIMARY KEY,
	passphrase_hash TEXT NOT NULL,
	initiator_id    TEXT NOT NULL,
	receiver_id     TEXT,
	offer           TEXT,
	answer          TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("rendezvous: run migrations: %w", err)
	}
	return nil
}

func scanRow(row interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		r                      Record
		receiverID, offer, ans sql.NullString
		createdAt, updatedAt   string
	)
	err := row.Scan(&r.RoomID, &r.PassphraseHash, &r.InitiatorID, &receiverID, &offer, &ans, &createdAt, &updatedAt)
	if err != nil {
		return Record{}, err
	}
	r.ReceiverID = receiverID.String
	r.Offer = offer.String
	r.Answer = ans.String
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return r, nil
}

const selectCols = `room_id, passphrase_hash, initiator_id, receiver_id, offer, answer, created_at, updated_at`

// Get fetches the row for room, or ErrNotFound.
func (s *Store) Get(ctx context.Context, room string) (Record, error) {
	const q = `SELECT ` + selectCols + ` FROM rooms WHERE room_id = ?`
	r, err := scanRow(s.db.QueryRowContext(ctx, q, room))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("rendezvous: get room %q: %w", room, err)
	}
	return r, nil
}

// InsertIfAbsent creates the row for a room with the initiator occupying it
// and the offer column holding ClaimedSentinel. Returns ErrAlreadyExists if
// a row is already present (spec.md §4.3 step 2).
func (s *Store) InsertIfAbsent(ctx context.Context, room, passphraseHash, initiatorID string) (Record, error) {
	now := time.Now().UTC()
	const q = `
INSERT INTO rooms (room_id, passphrase_hash, initiator_id, receiver_id, offer, answer, created_at, updated_at)
SELECT ?, ?, ?, NULL, ?, NULL, ?, ?
WHERE NOT EXISTS (SELECT 1 FROM rooms WHERE room_id = ?)
`
	res, err := s.db.ExecContext(ctx, q, room, passphraseHash, initiatorID, ClaimedSentinel,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), room)
	if err != nil {
		return Record{}, fmt.Errorf("rendezvous: insert room %q: %w", room, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Record{}, ErrAlreadyExists
	}
	rec, err := s.Get(ctx, room)
	if err != nil {
		return Record{}, err
	}
	slog.Info("rendezvous room created", "room", room, "initiator", initiatorID)
	return rec, nil
}

// Delete removes the row for room. Deleting a non-existent room is not an
// error (idempotent, matching cleanup's idempotence requirement).
func (s *Store) Delete(ctx context.Context, room string) error {
	const q = `DELETE FROM rooms WHERE room_id = ?`
	if _, err := s.db.ExecContext(ctx, q, room); err != nil {
		return fmt.Errorf("rendezvous: delete room %q: %w", room, err)
	}
	slog.Info("rendezvous room deleted", "room", room)
	return nil
}

// ClaimReceiver performs the conditional update at the heart of the receiver
// handshake (spec.md §4.3 step 5, §4.2(c)): it sets receiver_id and answer
// only if receiver_id is currently NULL. matched reports whether this call's
// predicate held (i.e. whether the caller won the race) — the
// zero-rows-affected signal spec.md calls out explicitly.
func (s *Store) ClaimReceiver(ctx context.Context, room, receiverID, answer string) (matched bool, err error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	const q = `UPDATE rooms SET receiver_id = ?, answer = ?, updated_at = ? WHERE room_id = ? AND receiver_id IS NULL`
	res, err := s.db.ExecContext(ctx, q, receiverID, answer, now, room)
	if err != nil {
		return false, fmt.Errorf("rendezvous: claim receiver for %q: %w", room, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("rendezvous receiver claimed", "room", room, "receiver", receiverID)
	}
	return n > 0, nil
}

// SetOffer writes the real offer over the claimed sentinel. Always called by
// the initiator that owns the row, so no predicate is needed beyond room_id.
func (s *Store) SetOffer(ctx context.Context, room, offer string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	const q = `UPDATE rooms SET offer = ?, updated_at = ? WHERE room_id = ?`
	if _, err := s.db.ExecContext(ctx, q, offer, now, room); err != nil {
		return fmt.Errorf("rendezvous: set offer for %q: %w", room, err)
	}
	return nil
}

// Touch refreshes updated_at for room, used by the heartbeat (spec.md
// §4.3 "Heartbeat"). Only updated_at is written; the id columns are left
// untouched.
func (s *Store) Touch(ctx context.Context, room string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	const q = `UPDATE rooms SET updated_at = ? WHERE room_id = ?`
	res, err := s.db.ExecContext(ctx, q, now, room)
	if err != nil {
		return fmt.Errorf("rendezvous: touch %q: %w", room, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
