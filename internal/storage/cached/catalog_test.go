package cached

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

type countingStore struct {
	mu       sync.Mutex
	items    collector.Catalog
	requests [][]collector.SubjectID
	flushErr error
	findErr  error
}

func (c *countingStore) FindBySubjects(_ context.Context, ids []collector.SubjectID) (collector.Catalog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, append([]collector.SubjectID(nil), ids...))
	if c.findErr != nil {
		return nil, c.findErr
	}
	out := collector.Catalog{}
	for _, id := range ids {
		if item, ok := c.items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (c *countingStore) Flush(_ context.Context, _ collector.Checkpoint, items collector.Catalog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flushErr != nil {
		return c.flushErr
	}
	for id, item := range items {
		c.items[id] = item
	}
	return nil
}

func newFixture() (*countingStore, *CatalogStore) {
	inner := &countingStore{items: collector.Catalog{
		1: {Title: "Frieren", Type: collector.ItemTV},
		2: {Title: "Dungeon Meshi", Type: collector.ItemTV},
	}}
	return inner, NewCatalogStore(inner, Config{SizeMB: 1, TTL: time.Minute}, zap.NewNop())
}

func TestFindBySubjectsReadsThrough(t *testing.T) {
	t.Parallel()

	inner, store := newFixture()
	ctx := context.Background()

	got, err := store.FindBySubjects(ctx, []collector.SubjectID{1, 3})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "Frieren", got[1].Title)

	got, err = store.FindBySubjects(ctx, []collector.SubjectID{1, 2})
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.Equal(t, [][]collector.SubjectID{{1, 3}, {2}}, inner.requests)
	require.EqualValues(t, 2, store.Len())
}

func TestFlushInvalidates(t *testing.T) {
	t.Parallel()

	inner, store := newFixture()
	ctx := context.Background()

	_, err := store.FindBySubjects(ctx, []collector.SubjectID{1})
	require.NoError(t, err)

	require.NoError(t, store.Flush(ctx, collector.Checkpoint{Hash: "h"}, collector.Catalog{1: {Title: "Sousou no Frieren"}}))
	require.EqualValues(t, 0, store.Len())

	got, err := store.FindBySubjects(ctx, []collector.SubjectID{1})
	require.NoError(t, err)
	require.Equal(t, "Sousou no Frieren", got[1].Title)
	require.Len(t, inner.requests, 2)
}

func TestFailedFlushKeepsCache(t *testing.T) {
	t.Parallel()

	inner, store := newFixture()
	ctx := context.Background()

	_, err := store.FindBySubjects(ctx, []collector.SubjectID{1})
	require.NoError(t, err)

	inner.flushErr = errors.New("tx aborted")
	require.ErrorIs(t, store.Flush(ctx, collector.Checkpoint{}, nil), inner.flushErr)
	require.EqualValues(t, 1, store.Len())
}

func TestFindBySubjectsPropagatesErrors(t *testing.T) {
	t.Parallel()

	inner, store := newFixture()
	inner.findErr = errors.New("pool closed")

	_, err := store.FindBySubjects(context.Background(), []collector.SubjectID{9})
	require.ErrorIs(t, err, inner.findErr)
}
