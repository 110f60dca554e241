package hybrid

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keepsake/storage"
	"github.com/jmcleod/keepsake/storage/memory"
)

func newPair(opts ...memory.Option) (*memory.Adapter, *memory.Adapter) {
	primary := memory.New(append([]memory.Option{memory.WithName("primary")}, opts...)...)
	fallback := memory.New(memory.WithName("fallback"))
	return primary, fallback
}

type note struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func TestSaveRoutesToAvailablePrimary(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback)

	require.NoError(t, c.Save(ctx, "keepsake_note_1", note{ID: "1", Text: "hello"}))
	_, err := primary.Get(ctx, "keepsake_note_1")
	assert.NoError(t, err)
	_, err = fallback.Get(ctx, "keepsake_note_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFallbackWhenPrimaryUnavailable(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback)
	primary.SetAvailable(false)

	want := note{ID: "1", Text: "offline", UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, c.Save(ctx, "keepsake_note_1", want))

	var got note
	require.NoError(t, c.Load(ctx, "keepsake_note_1", &got))
	assert.Equal(t, want.Text, got.Text)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	// primary comes back: the next read repairs it
	primary.SetAvailable(true)
	require.NoError(t, c.Load(ctx, "keepsake_note_1", &got))
	_, err := primary.Get(ctx, "keepsake_note_1")
	assert.NoError(t, err)
}

func TestFallbackWhenPrimaryFull(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair(memory.WithQuota(4))
	c := New(primary, fallback, WithoutReadRepair())

	require.NoError(t, c.Put(ctx, "keepsake_note_1", "a long value"))
	got, err := fallback.Get(ctx, "keepsake_note_1")
	require.NoError(t, err)
	assert.Equal(t, "a long value", got)

	got, err = c.Get(ctx, "keepsake_note_1")
	require.NoError(t, err)
	assert.Equal(t, "a long value", got)
	_, err = primary.Get(ctx, "keepsake_note_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFallbackResultIsFinal(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback)
	primary.SetAvailable(false)
	fallback.SetAvailable(false)

	err := c.Put(ctx, "keepsake_note_1", "x")
	require.Error(t, err)
	assert.Equal(t, "fallback", err.(*storage.Error).Backend)

	_, err = c.Get(ctx, "keepsake_note_1")
	assert.ErrorIs(t, err, storage.ErrLoad)
}

func TestGetMissingEverywhere(t *testing.T) {
	primary, fallback := newPair()
	_, err := New(primary, fallback).Get(testContext(t), "keepsake_note_nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRemoveIsIdempotentAndDual(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback)

	require.NoError(t, primary.Put(ctx, "keepsake_note_1", "p"))
	require.NoError(t, fallback.Put(ctx, "keepsake_note_1", "f"))

	require.NoError(t, c.Delete(ctx, "keepsake_note_1"))
	require.NoError(t, c.Delete(ctx, "keepsake_note_1"))
	_, err := c.Get(ctx, "keepsake_note_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// one backend down: removal still succeeds on the other
	require.NoError(t, fallback.Put(ctx, "keepsake_note_2", "f"))
	primary.SetAvailable(false)
	require.NoError(t, c.Delete(ctx, "keepsake_note_2"))
	_, err = fallback.Get(ctx, "keepsake_note_2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// both down: the primary's error is reported
	fallback.SetAvailable(false)
	err = c.Delete(ctx, "keepsake_note_3")
	require.ErrorIs(t, err, storage.ErrRemove)
	assert.Equal(t, "primary", err.(*storage.Error).Backend)
}

func TestClearBoth(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback)
	require.NoError(t, primary.Put(ctx, "keepsake_note_1", "p"))
	require.NoError(t, fallback.Put(ctx, "keepsake_note_2", "f"))
	require.NoError(t, fallback.Put(ctx, "other", "kept"))

	require.NoError(t, c.Clear(ctx))
	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 1, fallback.Len())
}

func TestMirroring(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback, WithMirroring())

	require.NoError(t, c.Put(ctx, "keepsake_note_1", "both"))
	for _, a := range []*memory.Adapter{primary, fallback} {
		got, err := a.Get(ctx, "keepsake_note_1")
		require.NoError(t, err)
		assert.Equal(t, "both", got)
	}
}

func TestStorageInfoCachedUntilMutation(t *testing.T) {
	ctx := testContext(t)
	primary := memory.New(memory.WithQuota(100))
	fallback := memory.New(memory.WithQuota(100))
	c := New(primary, fallback, WithInfoTTL(time.Hour))

	require.NoError(t, c.Put(ctx, "keepsake_note_1", "0123456789"))
	info, err := c.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Primary.Used)
	assert.Equal(t, int64(200), info.Combined.Total)
	assert.InDelta(t, 5.0, info.Combined.Percentage, 0.001)

	// writes behind the coordinator's back are not seen until a flush
	require.NoError(t, fallback.Put(ctx, "keepsake_note_2", "0123456789"))
	info, err = c.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Combined.Used)

	require.NoError(t, c.Delete(ctx, "keepsake_note_1"))
	info, err = c.StorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Combined.Used)
	assert.Equal(t, int64(10), info.Fallback.Used)
}

func TestKeys(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback)
	require.NoError(t, primary.Put(ctx, "keepsake_note_1", "p"))
	require.NoError(t, fallback.Put(ctx, "keepsake_note_1", "f"))
	require.NoError(t, fallback.Put(ctx, "keepsake_note_2", "f"))

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keepsake_note_1", "keepsake_note_2"}, keys)

	unlisted := New(memory.New(memory.WithoutListing()), fallback)
	_, err = unlisted.Keys(ctx)
	assert.ErrorIs(t, err, storage.ErrListingUnsupported)
}

func TestCleanup(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	c := New(primary, fallback)
	old := time.Now().Add(-30 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, storage.Save(ctx, primary, fmt.Sprintf("keepsake_note_%d", i), note{ID: "x", UpdatedAt: old}))
	}

	reports, err := c.Cleanup(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "primary", reports[0].Backend)
	assert.Len(t, reports[0].Removed, 3)
	assert.Empty(t, reports[1].Removed)
}

func TestObserver(t *testing.T) {
	ctx := testContext(t)
	primary, fallback := newPair()
	var ops []string
	c := New(primary, fallback, WithObserver(func(op, backend string, err error) {
		ops = append(ops, fmt.Sprintf("%s/%s/%v", op, backend, err == nil))
	}))
	primary.SetAvailable(false)
	require.NoError(t, c.Put(ctx, "keepsake_note_1", "x"))
	assert.Equal(t, []string{"put/fallback/true"}, ops)
}
