package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reshape/internal/engine"
	"github.com/roach88/reshape/internal/queue"
	"github.com/roach88/reshape/internal/value"
)

// createTestJournal opens a journal in a fresh temp directory.
func createTestJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func succeeded(seq int64, id string, state value.Object) engine.Record {
	return engine.Record{
		Seq:        seq,
		DispatchID: id,
		Tasks:      []string{"update"},
		Status:     engine.RecordSucceeded,
		Changed:    true,
		Passes:     1,
		State:      state,
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		j, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		j.Close()
	}

	j, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer j.Close()

	var version int
	if err := j.DB().QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}

	var mode string
	if err := j.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.DB().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	j.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestRecord_RoundTrip(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	state := value.Object{"name": value.String("Luke"), "height": value.Int(172)}
	require.NoError(t, j.Record(ctx, succeeded(1, "d-1", state)))

	e, err := j.Get(ctx, "d-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, []string{"update"}, e.Tasks)
	assert.Equal(t, engine.RecordSucceeded, e.Status)
	assert.True(t, e.Changed)
	assert.Equal(t, 1, e.Passes)
	assert.True(t, value.Equal(state, e.State))
	assert.Equal(t, value.MustStateHash(state), e.StateHash)
	assert.Empty(t, e.Error)

	var raw string
	require.NoError(t, j.DB().QueryRow("SELECT state FROM dispatches WHERE seq = 1").Scan(&raw))
	assert.Equal(t, `{"height":172,"name":"Luke"}`, raw, "states are stored as canonical JSON")
}

func TestRecord_Failed(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, engine.Record{
		Seq:        4,
		DispatchID: "d-4",
		Tasks:      []string{"inline"},
		Status:     engine.RecordFailed,
		Error:      "engine: contract violation: task is nil",
	}))

	e, err := j.Get(ctx, "d-4")
	require.NoError(t, err)
	assert.Equal(t, engine.RecordFailed, e.Status)
	assert.Nil(t, e.State)
	assert.Empty(t, e.StateHash)
	assert.Equal(t, "engine: contract violation: task is nil", e.Error)
}

func TestRecord_DuplicateIgnored(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	first := succeeded(1, "d-1", value.Object{"v": value.Int(1)})
	require.NoError(t, j.Record(ctx, first))

	second := succeeded(1, "d-1", value.Object{"v": value.Int(2)})
	require.NoError(t, j.Record(ctx, second))

	history, err := j.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, value.Equal(value.Object{"v": value.Int(1)}, history[0].State))
}

func TestRecord_RejectsFloatState(t *testing.T) {
	j := createTestJournal(t)

	rec := succeeded(1, "d-1", nil)
	rec.State = 1.5
	err := j.Record(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are not allowed")
}

func TestGet_NotFound(t *testing.T) {
	j := createTestJournal(t)

	_, err := j.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	empty, err := j.History(ctx, 0)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	// Written out of order on purpose.
	for _, seq := range []int64{3, 1, 5, 2, 4} {
		id := "d-" + string(rune('0'+seq))
		require.NoError(t, j.Record(ctx, succeeded(seq, id, value.Object{"n": value.Int(seq)})))
	}

	all, err := j.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	tail, err := j.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(4), tail[0].Seq)
	assert.Equal(t, int64(5), tail[1].Seq)
}

func TestLatestState(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	_, found, err := j.LatestState(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, j.Record(ctx, succeeded(1, "d-1", value.Object{"v": value.Int(1)})))
	require.NoError(t, j.Record(ctx, succeeded(2, "d-2", value.Object{"v": value.Int(2)})))
	require.NoError(t, j.Record(ctx, engine.Record{
		Seq: 3, DispatchID: "d-3", Tasks: []string{"boom"}, Status: engine.RecordFailed, Error: "panic",
	}))

	e, found, err := j.LatestState(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "d-2", e.DispatchID, "failed dispatches are skipped")
	assert.True(t, value.Equal(value.Object{"v": value.Int(2)}, e.State))
}

func TestLastSeq(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	seq, err := j.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	require.NoError(t, j.Record(ctx, succeeded(7, "d-7", value.Object{})))
	seq, err = j.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}

func TestJournal_AsEngineRecorder(t *testing.T) {
	j := createTestJournal(t)
	ctx := context.Background()

	run := func(start int64, ids ...string) {
		state := value.Object{}
		if e, found, err := j.LatestState(ctx); err == nil && found {
			state = e.State.(value.Object)
		}

		eng := engine.New[value.Object](
			engine.WithRecorder(j),
			engine.WithIDGenerator(engine.NewFixedGenerator(ids...)),
			engine.WithClock(queue.NewClockAt(start)),
		)
		defer eng.Close()
		eng.SetStateAccessor(func() value.Object { return state }).
			AddOnChange(engine.NewObserver(func(s value.Object) { state = s })).
			AddHandlers(engine.NewActionHandler("count", func(s value.Object, a engine.Action, _ engine.Dispatcher) (value.Object, bool) {
				n, _ := s["count"].(value.Int)
				return s.With("count", n+1), true
			}))

		for range ids {
			eng.Dispatch(engine.Action{ID: "inc"})
		}
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		require.NoError(t, eng.Drain(dctx))
	}

	run(0, "a-1", "a-2")

	last, err := j.LastSeq(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), last)

	// A second process resumes both the state and the sequence.
	run(last, "b-1")

	history, err := j.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{history[0].Seq, history[1].Seq, history[2].Seq})
	assert.Equal(t, "b-1", history[2].DispatchID)
	assert.True(t, value.Equal(value.Object{"count": value.Int(3)}, history[2].State))
}
