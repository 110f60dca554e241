package entity

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keepsake/storage"
	"github.com/jmcleod/keepsake/storage/hybrid"
	"github.com/jmcleod/keepsake/storage/memory"
)

// tickingClock advances one minute per call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Minute)
		return now
	}
}

// unlistedStore is a hybrid store over two media that cannot enumerate keys.
func unlistedStore() (*hybrid.Coordinator, *memory.Adapter) {
	primary := memory.New(memory.WithoutListing())
	return hybrid.New(primary, memory.New(memory.WithoutListing())), primary
}

func TestIndexConsistencyWithoutNativeListing(t *testing.T) {
	ctx := testContext(t)
	store, primary := unlistedStore()
	repo := NewSessions(store, DefaultLimits(), WithClock(tickingClock()))

	var ids []string
	for i := 0; i < 30; i++ {
		s := &Session{Name: fmt.Sprintf("chat %d", i)}
		require.NoError(t, repo.Save(ctx, s))
		ids = append(ids, s.ID)
	}

	indexed, err := repo.IndexedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, ids, indexed)

	// a record vanishing behind the index is skipped, not fatal
	require.NoError(t, primary.Delete(ctx, storage.NewNamespace("").Key("session", ids[3])))
	require.NoError(t, repo.Remove(ctx, ids[7]))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 28)

	var want []string
	for i := len(ids) - 1; i >= 0; i-- {
		if i != 3 && i != 7 {
			want = append(want, ids[i])
		}
	}
	got := make([]string, len(list))
	for i, s := range list {
		got[i] = s.ID
	}
	assert.Equal(t, want, got)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i-1].UpdatedAt.After(list[i].UpdatedAt))
	}
}

func TestListUsesNativeListing(t *testing.T) {
	ctx := testContext(t)
	store := hybrid.New(memory.New(), memory.New())
	repo := NewSessions(store, DefaultLimits(), WithClock(tickingClock()))
	boards := NewBoards(store, DefaultLimits())

	require.NoError(t, repo.Save(ctx, &Session{ID: "a", Name: "a"}))
	require.NoError(t, boards.Save(ctx, &Board{ID: "b", Title: "b"}))
	// written without the repository: only native listing can see it
	require.NoError(t, store.Save(ctx, "keepsake_session_direct", Session{ID: "direct", Name: "direct"}))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{"a", "direct"}, []string{list[0].ID, list[1].ID})
}

func TestRetentionCap(t *testing.T) {
	ctx := testContext(t)
	store := memory.New()
	limits := DefaultLimits()
	limits.MaxEntities = 5
	repo := NewSessions(store, limits, WithClock(tickingClock()))

	var ids []string
	for i := 0; i < 8; i++ {
		s := &Session{Name: fmt.Sprintf("s%d", i)}
		require.NoError(t, repo.Save(ctx, s))
		ids = append(ids, s.ID)

		indexed, err := repo.IndexedIDs(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(indexed), 5)
		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		assert.LessOrEqual(t, countInstances(keys, "session"), 5)
	}

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 5)
	assert.Equal(t, ids[7], list[0].ID)
	assert.Equal(t, ids[3], list[4].ID)
	_, err = repo.Load(ctx, ids[0])
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// updating an existing entity never prunes
	existing := list[4]
	existing.Name = "renamed"
	require.NoError(t, repo.Save(ctx, existing))
	list, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 5)
	assert.Equal(t, "renamed", list[0].Name)
}

func countInstances(keys []string, typ string) int {
	ns := storage.NewNamespace("")
	n := 0
	for _, k := range keys {
		if kind, t, _ := ns.Parse(k); kind == storage.KindInstance && t == typ {
			n++
		}
	}
	return n
}

func TestSaveNormalizesAndTruncates(t *testing.T) {
	ctx := testContext(t)
	limits := Limits{MaxEntities: 10, MaxMessages: 3, MaxFiles: 1, MaxFileBytes: 5}
	repo := NewSessions(memory.New(), limits, WithIDGenerator(func() string { return "fixed" }))

	s := &Session{Name: "Cafe\u0301"}
	for i := 0; i < 5; i++ {
		s.Messages = append(s.Messages, Message{ID: fmt.Sprint(i), Role: "user", Content: "hi"})
	}
	s.Files = []File{
		{Name: "old.txt", Content: "dropped"},
		{Name: "new.txt", Content: "abéécd"},
	}
	require.NoError(t, repo.Save(ctx, s))

	got, err := repo.Load(ctx, "fixed")
	require.NoError(t, err)
	assert.Equal(t, "Caf\u00e9", got.Name)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "2", got.Messages[0].ID)
	require.Len(t, got.Files, 1)
	f := got.Files[0]
	assert.Equal(t, "new.txt", f.Name)
	assert.True(t, f.Truncated)
	assert.Equal(t, int64(8), f.Size)
	// five bytes would split the second é, so the cut lands before it
	assert.Equal(t, "abé"+TruncationMarker, f.Content)
	assert.False(t, got.CreatedAt.IsZero())
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	// saving again leaves the truncated file alone
	require.NoError(t, repo.Save(ctx, got))
	again, err := repo.Load(ctx, "fixed")
	require.NoError(t, err)
	assert.Equal(t, f.Content, again.Files[0].Content)
	assert.True(t, again.CreatedAt.Equal(got.CreatedAt))
}

func TestActive(t *testing.T) {
	ctx := testContext(t)
	repo := NewProjects(memory.New(), DefaultLimits())

	_, err := repo.Active(ctx)
	assert.ErrorIs(t, err, ErrNoActive)

	p := &Project{Name: "canvas"}
	require.NoError(t, repo.Save(ctx, p))
	require.NoError(t, repo.SetActive(ctx, p.ID))

	active, err := repo.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, p.ID, active.ID)

	require.NoError(t, repo.Remove(ctx, p.ID))
	_, err = repo.ActiveID(ctx)
	assert.ErrorIs(t, err, ErrNoActive)
	// removing again is harmless
	require.NoError(t, repo.Remove(ctx, p.ID))
}

func TestExportImport(t *testing.T) {
	ctx := testContext(t)
	repo := NewBoards(memory.New(), DefaultLimits())
	due := time.Date(2024, 7, 1, 17, 0, 0, 0, time.UTC)
	b := &Board{
		Title: "Launch",
		Columns: []Column{{ID: "todo", Title: "To do", Cards: []Card{
			{ID: "c1", Title: "Ship", Labels: []string{"p0"}, DueAt: &due},
		}}},
	}
	require.NoError(t, repo.Save(ctx, b))

	exported, err := repo.Export(ctx, b.ID)
	require.NoError(t, err)
	assert.Contains(t, exported, `"marker":"Date"`)

	imported, err := repo.Import(ctx, exported)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, imported.ID)
	assert.Equal(t, "Launch", imported.Title)
	require.NotNil(t, imported.Columns[0].Cards[0].DueAt)
	assert.True(t, due.Equal(*imported.Columns[0].Cards[0].DueAt))

	list, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestImportRejectsInvalid(t *testing.T) {
	ctx := testContext(t)
	store := memory.New()
	repo := NewSessions(store, DefaultLimits())

	cases := map[string]string{
		"malformed":          `{"id":`,
		"not an object":      `["a"]`,
		"missing id":         `{"name":"x","messages":[]}`,
		"numeric id":         `{"id":7,"name":"x","messages":[]}`,
		"missing name":       `{"id":"a","messages":[]}`,
		"missing collection": `{"id":"a","name":"x"}`,
		"collection type":    `{"id":"a","name":"x","messages":{}}`,
		"bad field type":     `{"id":"a","name":"x","messages":[{"content":5}]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := repo.Import(ctx, data)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFormat)
			var ve *ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
	assert.Zero(t, store.Len())
}

func TestImportMintsFreshID(t *testing.T) {
	ctx := testContext(t)
	repo := NewSessions(memory.New(), DefaultLimits())
	data := `{"id":"same","name":"dup","messages":[{"id":"m","role":"user","content":"hi"}]}`

	first, err := repo.Import(ctx, data)
	require.NoError(t, err)
	second, err := repo.Import(ctx, data)
	require.NoError(t, err)
	assert.NotEqual(t, "same", first.ID)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, strings.Count(first.ID, "-") == 4)
}

func TestReservedIDRejected(t *testing.T) {
	ctx := testContext(t)
	store := memory.New()
	repo := NewSessions(store, DefaultLimits())

	kept := &Session{Name: "kept"}
	require.NoError(t, repo.Save(ctx, kept))

	err := repo.Save(ctx, &Session{ID: "index", Name: "clobber"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidFormat)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)

	_, err = repo.Load(ctx, "index")
	assert.ErrorIs(t, err, ErrInvalidFormat)
	assert.ErrorIs(t, repo.Remove(ctx, "index"), ErrInvalidFormat)
	assert.ErrorIs(t, repo.SetActive(ctx, "index"), ErrInvalidFormat)
	_, err = repo.Load(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidFormat)

	indexed, err := repo.IndexedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{kept.ID}, indexed)
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, kept.ID, list[0].ID)
}
