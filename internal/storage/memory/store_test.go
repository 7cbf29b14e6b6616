package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bgm-collector/internal/collector"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("user-%d", s.n.Add(1)), nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func ptr[T any](v T) *T { return &v }

var now = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

func TestUpsertProfileInsertsThenMergesByEitherIdentity(t *testing.T) {
	t.Parallel()

	store := NewStore(&seqIDs{}, fixedClock{now})
	ctx := context.Background()

	first, err := store.UpsertProfile(ctx, collector.ProfileRecord{NID: ptr(int64(1)), Name: "a", State: collector.StateActive})
	require.NoError(t, err)
	require.Equal(t, "user-1", first.ID)

	second, err := store.UpsertProfile(ctx, collector.ProfileRecord{NID: ptr(int64(1)), SID: ptr("sai"), Name: "b", State: collector.StateDropped})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 1, store.Users())

	bySlug, err := store.FindByUID(ctx, collector.SlugUID("sai"))
	require.NoError(t, err)
	require.Equal(t, "b", bySlug.Name)
	require.Equal(t, collector.StateDropped, bySlug.State)

	byNumber, err := store.FindByUID(ctx, collector.NumericUID(1))
	require.NoError(t, err)
	require.Equal(t, first.ID, byNumber.ID)

	_, err = store.FindByUID(ctx, collector.NumericUID(2))
	require.ErrorIs(t, err, collector.ErrNotFound)
}

func TestUpsertProfileLeavesForeignIdentifiersAlone(t *testing.T) {
	t.Parallel()

	store := NewStore(&seqIDs{}, fixedClock{now})
	ctx := context.Background()

	numeric, err := store.UpsertProfile(ctx, collector.ProfileRecord{NID: ptr(int64(9)), Name: "n"})
	require.NoError(t, err)
	slug, err := store.UpsertProfile(ctx, collector.ProfileRecord{SID: ptr("sai"), Name: "s"})
	require.NoError(t, err)

	merged, err := store.UpsertProfile(ctx, collector.ProfileRecord{NID: ptr(int64(9)), SID: ptr("sai"), Name: "both"})
	require.NoError(t, err)
	require.Equal(t, slug.ID, merged.ID)
	require.Nil(t, merged.NID)

	stillNumeric, err := store.FindByUID(ctx, collector.NumericUID(9))
	require.NoError(t, err)
	require.Equal(t, numeric.ID, stillNumeric.ID)
}

func TestUpsertProfileRejectsAnonymousRecord(t *testing.T) {
	t.Parallel()

	store := NewStore(&seqIDs{}, fixedClock{now})
	_, err := store.UpsertProfile(context.Background(), collector.ProfileRecord{Name: "nobody"})
	var perr *collector.PersistenceError
	require.ErrorAs(t, err, &perr)
}

func TestMergeNameHistoryReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewStore(&seqIDs{}, fixedClock{now})
	ctx := context.Background()
	u, err := store.UpsertProfile(ctx, collector.ProfileRecord{SID: ptr("sai")})
	require.NoError(t, err)

	merged, err := store.MergeNameHistory(ctx, u.ID, collector.NamesUpdate{KeyPoint: now, Names: collector.NewNameSet("x")})
	require.NoError(t, err)
	merged.Extra.NameHistory.Names.Add("mutated")

	stored, err := store.FindByUID(ctx, collector.SlugUID("sai"))
	require.NoError(t, err)
	require.Equal(t, []string{"x"}, stored.Extra.NameHistory.Names.Sorted())

	_, err = store.MergeNameHistory(ctx, "missing", collector.NamesUpdate{})
	require.ErrorIs(t, err, collector.ErrNotFound)
}

func TestFlushWritesCatalogAndCheckpoint(t *testing.T) {
	t.Parallel()

	store := NewStore(&seqIDs{}, fixedClock{now})
	ctx := context.Background()

	cp, err := collector.LoadCheckpoint(ctx, store)
	require.NoError(t, err)
	require.Empty(t, cp.Hash)

	items := collector.Catalog{1: {Title: "one"}, 2: {Title: "two"}}
	require.NoError(t, store.Flush(ctx, collector.Checkpoint{Hash: "h1", UpdateAt: now}, items))
	require.Equal(t, 1, store.Flushes())

	cp, err = collector.LoadCheckpoint(ctx, store)
	require.NoError(t, err)
	require.Equal(t, "h1", cp.Hash)
	require.True(t, now.Equal(cp.UpdateAt))

	found, err := store.FindBySubjects(ctx, []collector.SubjectID{2, 3})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "two", found[2].Title)
}
