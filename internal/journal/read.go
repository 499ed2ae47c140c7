package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/reshape/internal/value"
)

// ErrNotFound is returned when a requested dispatch is not in the journal.
var ErrNotFound = errors.New("journal: dispatch not found")

// Entry is one journal row.
type Entry struct {
	Seq        int64
	DispatchID string
	Tasks      []string
	Status     string
	Changed    bool
	Passes     int
	State      value.Value // nil for failed dispatches
	StateHash  string
	Error      string
}

const entryColumns = `seq, dispatch_id, tasks, status, changed, passes, state, state_hash, error`

// History returns journal entries in seq order. With limit > 0 only the
// newest limit entries are returned, still oldest first.
//
// Returns an empty slice (not nil) for an empty journal.
func (j *Journal) History(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM dispatches ORDER BY seq ASC`
	args := []any{}
	if limit > 0 {
		query = `SELECT ` + entryColumns + ` FROM (
			SELECT ` + entryColumns + ` FROM dispatches ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Get returns the entry for a dispatch ID, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, dispatchID string) (Entry, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM dispatches WHERE dispatch_id = ?`, dispatchID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// LatestState returns the newest successful entry. found is false for a
// journal with no successful dispatch.
func (j *Journal) LatestState(ctx context.Context) (e Entry, found bool, err error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM dispatches
		WHERE status = 'succeeded'
		ORDER BY seq DESC
		LIMIT 1
	`)
	e, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// LastSeq returns the highest recorded seq, or 0 for an empty journal.
func (j *Journal) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := j.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM dispatches`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e     Entry
		tasks string
		state sql.NullString
		hash  sql.NullString
	)
	if err := s.Scan(&e.Seq, &e.DispatchID, &tasks, &e.Status, &e.Changed, &e.Passes, &state, &hash, &e.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan dispatch: %w", err)
	}

	if err := json.Unmarshal([]byte(tasks), &e.Tasks); err != nil {
		return Entry{}, fmt.Errorf("scan dispatch %d: tasks: %w", e.Seq, err)
	}
	if state.Valid {
		v, err := value.Parse([]byte(state.String))
		if err != nil {
			return Entry{}, fmt.Errorf("scan dispatch %d: state: %w", e.Seq, err)
		}
		e.State = v
	}
	e.StateHash = hash.String
	return e, nil
}
