package tamperlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// SQLiteReference keeps checkpoint history in an append-only SQLite table.
type SQLiteReference struct{ db *sql.DB }

// OpenSQLiteReference opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteReference(dsn string) (*SQLiteReference, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS checkpoints (
  id     INTEGER PRIMARY KEY AUTOINCREMENT,
  name   TEXT    NOT NULL,
  log_id BLOB    NOT NULL,
  seq    INTEGER NOT NULL,
  hash   BLOB    NOT NULL,
  ts     INTEGER NOT NULL,
  sig    BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_name_idx ON checkpoints(name, id);
CREATE TRIGGER IF NOT EXISTS checkpoints_no_update BEFORE UPDATE ON checkpoints
BEGIN SELECT RAISE(ABORT, 'checkpoints are append-only'); END;
CREATE TRIGGER IF NOT EXISTS checkpoints_no_delete BEFORE DELETE ON checkpoints
BEGIN SELECT RAISE(ABORT, 'checkpoints are append-only'); END;
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteReference{db: db}, nil
}

// Save appends c to the history of name.
func (s *SQLiteReference) Save(name string, c Checkpoint) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints(name, log_id, seq, hash, ts, sig) VALUES(?, ?, ?, ?, ?, ?)`,
		name, c.LogID[:], int64(c.Sequence), c.RunningHash, c.Timestamp, c.Signature)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// Load returns the most recent checkpoint for name.
func (s *SQLiteReference) Load(name string) (Checkpoint, bool, error) {
	row := s.db.QueryRow(
		`SELECT log_id, seq, hash, ts, sig FROM checkpoints WHERE name=? ORDER BY id DESC LIMIT 1`, name)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	return c, true, nil
}

// History returns every checkpoint for name, oldest first.
func (s *SQLiteReference) History(name string) ([]Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT log_id, seq, hash, ts, sig FROM checkpoints WHERE name=? ORDER BY id ASC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteReference) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		c       Checkpoint
		logID   []byte
		seq, ts int64
	)
	if err := row.Scan(&logID, &seq, &c.RunningHash, &ts, &c.Signature); err != nil {
		return c, err
	}
	id, err := uuid.FromBytes(logID)
	if err != nil {
		return c, fmt.Errorf("%w: stored log id: %v", ErrMalformedRecord, err)
	}
	c.LogID = id
	c.Sequence = uint64(seq)
	c.Timestamp = ts
	return c, nil
}
