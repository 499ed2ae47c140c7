package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/reshape/internal/engine"
	"github.com/roach88/reshape/internal/value"
)

var _ engine.Recorder = (*Journal)(nil)

// Record appends one engine record. Writing the same dispatch ID twice is
// silently ignored, so a retried write is harmless.
func (j *Journal) Record(ctx context.Context, rec engine.Record) error {
	tasks, err := json.Marshal(rec.Tasks)
	if err != nil {
		return fmt.Errorf("write dispatch: marshal tasks: %w", err)
	}

	var state, hash sql.NullString
	if rec.Status == engine.RecordSucceeded {
		v, err := value.FromGo(rec.State)
		if err != nil {
			return fmt.Errorf("write dispatch: state: %w", err)
		}
		data, err := value.MarshalCanonical(v)
		if err != nil {
			return fmt.Errorf("write dispatch: state: %w", err)
		}
		h, err := value.StateHash(v)
		if err != nil {
			return fmt.Errorf("write dispatch: state hash: %w", err)
		}
		state = sql.NullString{String: string(data), Valid: true}
		hash = sql.NullString{String: h, Valid: true}
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO dispatches
		(seq, dispatch_id, tasks, status, changed, passes, state, state_hash, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		rec.Seq,
		rec.DispatchID,
		string(tasks),
		rec.Status,
		rec.Changed,
		rec.Passes,
		state,
		hash,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("write dispatch: %w", err)
	}
	return nil
}
