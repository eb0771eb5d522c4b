package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qrattend/internal/attendance"
)

type deliverFunc func(ctx context.Context, recs []attendance.Record) (Delivery, error)

func (f deliverFunc) Deliver(ctx context.Context, recs []attendance.Record) (Delivery, error) {
	return f(ctx, recs)
}

func record(id string, minute int) attendance.Record {
	return attendance.Record{
		SubjectID: id,
		Timestamp: time.Date(2025, 3, 10, 9, minute, 0, 0, time.UTC),
		Status:    attendance.StatusCheckIn,
	}
}

func openFileQueue(t *testing.T, path string, opts Options) *Queue {
	t.Helper()
	backend, err := OpenFile(path)
	require.NoError(t, err)
	return New(backend, opts)
}

func TestDrain_SuccessEmptiesQueue(t *testing.T) {
	ctx := context.Background()
	q := openFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, record("s", i)))
	}

	var got []attendance.Record
	report, err := q.Drain(ctx, deliverFunc(func(_ context.Context, recs []attendance.Record) (Delivery, error) {
		got = append(got, recs...)
		return Delivery{}, nil
	}))
	require.NoError(t, err)
	assert.True(t, report.Empty())
	assert.Equal(t, 3, report.Acked)
	assert.Len(t, got, 3)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestDrain_FailureLeavesQueueIntact(t *testing.T) {
	ctx := context.Background()
	q := openFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	require.NoError(t, q.Enqueue(ctx, record("s", 1)))
	require.NoError(t, q.Enqueue(ctx, record("s", 2)))

	boom := attendance.Wrap(attendance.KindNetwork, "push", errors.New("connection refused"))
	report, err := q.Drain(ctx, deliverFunc(func(context.Context, []attendance.Record) (Delivery, error) {
		return Delivery{}, boom
	}))
	require.ErrorIs(t, err, boom)
	assert.False(t, report.Empty())
	assert.Equal(t, 2, report.Remaining)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestDrain_PartialRejection(t *testing.T) {
	ctx := context.Background()
	q := openFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{MaxRejections: 2})
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, record(fmt.Sprintf("s%d", i), i)))
	}
	rejectMiddle := deliverFunc(func(_ context.Context, recs []attendance.Record) (Delivery, error) {
		for i, r := range recs {
			if r.SubjectID == "s1" {
				return Delivery{Rejected: []Rejection{{Index: i, Reason: "malformed shift"}}}, nil
			}
		}
		return Delivery{}, nil
	})

	report, err := q.Drain(ctx, rejectMiddle)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Acked)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 1, report.Remaining)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].Record.SubjectID)
	assert.Equal(t, 1, entries[0].Rejections)
	assert.Equal(t, "malformed shift", entries[0].LastError)

	report, err = q.Drain(ctx, rejectMiddle)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Parked)
	assert.True(t, report.Empty())

	parked, err := q.Parked(ctx)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, 2, parked[0].Rejections)
}

func TestDrain_KeepsEntriesEnqueuedMidFlight(t *testing.T) {
	ctx := context.Background()
	q := openFileQueue(t, filepath.Join(t.TempDir(), "queue.json"), Options{})
	require.NoError(t, q.Enqueue(ctx, record("early", 1)))

	report, err := q.Drain(ctx, deliverFunc(func(ctx context.Context, recs []attendance.Record) (Delivery, error) {
		require.NoError(t, q.Enqueue(ctx, record("late", 2)))
		return Delivery{}, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Acked)
	assert.Equal(t, 1, report.Remaining)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "late", entries[0].Record.SubjectID)
}

func TestDrain_BatchFailureStopsAfterDeliveredBatches(t *testing.T) {
	ctx := context.Background()
	q := New(NewInMemory(), Options{BatchSize: 2})
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, record("s", i)))
	}
	calls := 0
	report, err := q.Drain(ctx, deliverFunc(func(context.Context, []attendance.Record) (Delivery, error) {
		calls++
		if calls == 2 {
			return Delivery{}, errors.New("timeout")
		}
		return Delivery{}, nil
	}))
	require.Error(t, err)
	assert.Equal(t, 2, report.Acked)
	assert.Equal(t, 3, report.Remaining)
}

func TestDrain_OutOfRangeRejectionIsFailure(t *testing.T) {
	ctx := context.Background()
	q := New(NewInMemory(), Options{})
	require.NoError(t, q.Enqueue(ctx, record("s", 1)))

	_, err := q.Drain(ctx, deliverFunc(func(context.Context, []attendance.Record) (Delivery, error) {
		return Delivery{Rejected: []Rejection{{Index: 7, Reason: "?"}}}, nil
	}))
	require.Error(t, err)
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestFile_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.json")
	q := openFileQueue(t, path, Options{})
	rec := record("24-SWT-01", 15)
	in := rec.Timestamp
	rec.CheckInTime = &in
	require.NoError(t, q.Enqueue(ctx, rec))

	reopened := openFileQueue(t, path, Options{})
	entries, err := reopened.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, rec.Key(), entries[0].Record.Key())
	require.NotNil(t, entries[0].Record.CheckInTime)
	assert.True(t, entries[0].Record.CheckInTime.Equal(in))
	assert.NotEmpty(t, entries[0].ID)
}

func TestFile_MalformedIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("[{broken"), 0o644))

	backend, err := OpenFile(path)
	require.NoError(t, err)
	n, err := backend.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	matches, err := filepath.Glob(filepath.Join(dir, "queue.json.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSupersedeAndPendingKeys(t *testing.T) {
	ctx := context.Background()
	var sizes []int
	q := New(NewInMemory(), Options{OnChange: func(n int) { sizes = append(sizes, n) }})
	a, b := record("a", 1), record("b", 2)
	require.NoError(t, q.Enqueue(ctx, a))
	require.NoError(t, q.Enqueue(ctx, b))

	keys, err := q.PendingKeys(ctx)
	require.NoError(t, err)
	assert.True(t, keys[a.Key()])
	assert.True(t, keys[b.Key()])

	n, err := q.Supersede(ctx, map[attendance.Key]bool{a.Key(): true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{1, 2, 1}, sizes)
}
