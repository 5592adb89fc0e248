package ledger

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/ligmir/ligship/internal/errs"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	commit_sha  TEXT NOT NULL DEFAULT '',
	variant     TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	digest      TEXT NOT NULL DEFAULT '',
	cache_hit   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS transitions (
	run_id TEXT NOT NULL REFERENCES runs(id),
	state  TEXT NOT NULL,
	at     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tags (
	run_id TEXT NOT NULL REFERENCES runs(id),
	ref    TEXT NOT NULL,
	digest TEXT NOT NULL,
	pushed INTEGER NOT NULL DEFAULT 0,
	at     INTEGER NOT NULL,
	PRIMARY KEY (run_id, ref)
);
CREATE INDEX IF NOT EXISTS runs_started ON runs(started_at);
`

// A recorded pipeline run.
type Run struct {
	ID         string    `json:"id"`
	Commit     string    `json:"commit"`
	Variant    string    `json:"variant"`
	State      string    `json:"state"`
	Digest     string    `json:"digest,omitempty"`
	CacheHit   bool      `json:"cache_hit"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	States     []string  `json:"states,omitempty"`
	Tags       []Tag     `json:"tags,omitempty"`
}

// An image reference produced by a run.
type Tag struct {
	Ref    string    `json:"ref"`
	Digest string    `json:"digest"`
	Pushed bool      `json:"pushed"`
	At     time.Time `json:"at"`
}

// Final outcome of a run.
type Outcome struct {
	State    string // Final state.
	Commit   string // Resolved commit. Empty keeps the recorded one.
	Digest   string // Manifest digest of the built image, if any.
	CacheHit bool   // Every cache group was restored.
	Error    string // Failure message, if any.
}

// SQLite-backed run history.
type Ledger struct {
	db *sql.DB
}

// Opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(ErrLedger, err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errs.Wrap(ErrLedger, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrapf(ErrLedger, "create schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Records the start of a run.
func (l *Ledger) StartRun(ctx context.Context, id, commit, variant, state string, at time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(ErrLedger, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs(id, commit_sha, variant, state, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, commit, variant, state, at.UnixNano(),
	); err != nil {
		return errs.Wrap(ErrLedger, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions(run_id, state, at) VALUES (?, ?, ?)`,
		id, state, at.UnixNano(),
	); err != nil {
		return errs.Wrap(ErrLedger, err)
	}

	return errs.Wrap(ErrLedger, tx.Commit())
}

// Records a run entering state.
func (l *Ledger) RecordState(ctx context.Context, id, state string, at time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(ErrLedger, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return errs.Wrap(ErrLedger, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Wrapf(ErrNotFound, "%s", id)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions(run_id, state, at) VALUES (?, ?, ?)`,
		id, state, at.UnixNano(),
	); err != nil {
		return errs.Wrap(ErrLedger, err)
	}

	return errs.Wrap(ErrLedger, tx.Commit())
}

// Records an image reference created or pushed by a run. Recording the same
// reference again updates it.
func (l *Ledger) RecordTag(ctx context.Context, id, ref, digest string, pushed bool, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO tags(run_id, ref, digest, pushed, at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, ref) DO UPDATE SET digest = excluded.digest, pushed = excluded.pushed, at = excluded.at`,
		id, ref, digest, pushed, at.UnixNano(),
	)
	return errs.Wrap(ErrLedger, err)
}

// Records the final outcome of a run.
func (l *Ledger) FinishRun(ctx context.Context, id string, out Outcome, at time.Time) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, commit_sha = CASE WHEN ? = '' THEN commit_sha ELSE ? END,
		 digest = ?, cache_hit = ?, error = ?, finished_at = ? WHERE id = ?`,
		out.State, out.Commit, out.Commit, out.Digest, out.CacheHit, out.Error, at.UnixNano(), id,
	)
	if err != nil {
		return errs.Wrap(ErrLedger, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Wrapf(ErrNotFound, "%s", id)
	}
	return nil
}

// Returns the most recent runs, newest first. A limit of zero or less
// returns every run.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, commit_sha, variant, state, digest, cache_hit, error, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Wrap(ErrLedger, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(ErrLedger, err)
	}

	for i := range runs {
		tags, err := l.tags(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Tags = tags
	}

	return runs, nil
}

// Returns a run with its state history and tags.
func (l *Ledger) Get(ctx context.Context, id string) (*Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, commit_sha, variant, state, digest, cache_hit, error, started_at, finished_at
		 FROM runs WHERE id = ?`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return nil, err
	}

	if r.States, err = l.states(ctx, id); err != nil {
		return nil, err
	}
	if r.Tags, err = l.tags(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

// Returns the states a run entered, in order.
func (l *Ledger) states(ctx context.Context, id string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT state FROM transitions WHERE run_id = ? ORDER BY at, rowid`, id)
	if err != nil {
		return nil, errs.Wrap(ErrLedger, err)
	}
	defer rows.Close()

	var states []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errs.Wrap(ErrLedger, err)
		}
		states = append(states, s)
	}
	return states, errs.Wrap(ErrLedger, rows.Err())
}

// Returns a run's tags in the order they were first recorded.
func (l *Ledger) tags(ctx context.Context, id string) ([]Tag, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT ref, digest, pushed, at FROM tags WHERE run_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, errs.Wrap(ErrLedger, err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		var at int64
		if err := rows.Scan(&t.Ref, &t.Digest, &t.Pushed, &at); err != nil {
			return nil, errs.Wrap(ErrLedger, err)
		}
		t.At = time.Unix(0, at)
		tags = append(tags, t)
	}
	return tags, errs.Wrap(ErrLedger, rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

// Reads one runs row.
func scanRun(s scanner) (*Run, error) {
	var r Run
	var started, finished int64
	err := s.Scan(&r.ID, &r.Commit, &r.Variant, &r.State, &r.Digest, &r.CacheHit, &r.Error, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errs.Wrap(ErrLedger, err)
	}

	r.StartedAt = time.Unix(0, started)
	if finished != 0 {
		r.FinishedAt = time.Unix(0, finished)
	}
	return &r, nil
}
