package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type touch struct {
	id string
	at int
}

func (t touch) Key() string { return t.id }

type recorder struct {
	mu      sync.Mutex
	batches [][]Operation
	err     error
}

func (r *recorder) ProcessBatch(_ context.Context, ops []Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, ops)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestBatcher_CoalescesByKey(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher(100, time.Hour, rec)
	defer b.Stop(context.Background())

	require.NoError(t, b.Add(touch{"a", 1}))
	require.NoError(t, b.Add(touch{"b", 1}))
	require.NoError(t, b.Add(touch{"a", 2}))
	assert.Equal(t, 2, b.PendingCount())

	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, []Operation{touch{"a", 2}, touch{"b", 1}}, rec.batches[0])
	assert.Zero(t, b.PendingCount())
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher(2, time.Hour, rec)
	defer b.Stop(context.Background())

	require.NoError(t, b.Add(touch{"a", 1}))
	require.NoError(t, b.Add(touch{"b", 1}))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_StopFlushesAndRejects(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher(10, time.Hour, rec)

	require.NoError(t, b.Add(touch{"a", 1}))
	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, 1, rec.count())
	assert.ErrorIs(t, b.Add(touch{"b", 1}), ErrStopped)
	assert.NoError(t, b.Stop(context.Background()))
}

func TestBatcher_ReportsBackgroundErrors(t *testing.T) {
	rec := &recorder{err: errors.New("redis down")}
	b := NewBatcher(1, time.Hour, rec)
	defer b.Stop(context.Background())

	errs := make(chan error, 1)
	b.OnError(func(err error) { errs <- err })
	require.NoError(t, b.Add(touch{"a", 1}))

	select {
	case err := <-errs:
		assert.EqualError(t, err, "redis down")
	case <-time.After(time.Second):
		t.Fatal("no error reported")
	}
}
