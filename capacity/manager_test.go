package capacity

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keepsake/storage"
	"github.com/jmcleod/keepsake/storage/memory"
)

type record struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// seed writes n session records, record i aged i*step and sized 10+i bytes of body.
func seed(t *testing.T, a *memory.Adapter, n int, step time.Duration) {
	t.Helper()
	ns := storage.NewNamespace("")
	for i := 0; i < n; i++ {
		r := record{
			ID:        fmt.Sprintf("s%02d", i),
			Body:      strings.Repeat("x", 10+i),
			UpdatedAt: fixedNow.Add(-time.Duration(i) * step),
		}
		require.NoError(t, storage.Save(testContext(t), a, ns.Key("session", r.ID), r))
	}
}

func newManager(opts ...Option) *Manager {
	return NewManager(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

// quotaUntilBelow fails with QUOTA_EXCEEDED until the adapter holds fewer than n keys.
func quotaUntilBelow(a *memory.Adapter, n int, calls *int) func(context.Context) error {
	return func(ctx context.Context) error {
		*calls++
		if a.Len() >= n {
			return storage.Fail(storage.CodeQuotaExceeded, "memory", "put", "pending", nil)
		}
		return nil
	}
}

func TestRecoverTerminatesAfterFirstEviction(t *testing.T) {
	a := memory.New()
	seed(t, a, 25, 12*time.Hour)

	calls := 0
	report, err := newManager().Recover(testContext(t), a, quotaUntilBelow(a, 25, &calls))
	require.NoError(t, err)

	// records 15..24 are more than seven days old
	assert.Equal(t, "older-than-7d", report.Strategy)
	assert.Len(t, report.Removed, 10)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 15, a.Len())
	assert.Positive(t, report.Freed)
}

func TestRecoverFallsThroughToLargest(t *testing.T) {
	a := memory.New()
	seed(t, a, 25, time.Minute)

	calls := 0
	report, err := newManager().Recover(testContext(t), a, quotaUntilBelow(a, 25, &calls))
	require.NoError(t, err)

	assert.Equal(t, "largest-10", report.Strategy)
	assert.Equal(t, []string{"older-than-7d", "older-than-3d", "older-than-1d", "largest-10"}, report.Tried)
	require.Len(t, report.Removed, 10)
	// largest bodies belong to the highest indexes
	assert.Contains(t, report.Removed, "keepsake_session_s24")
	assert.NotContains(t, report.Removed, "keepsake_session_s00")
}

func TestRecoverExhaustedIsBounded(t *testing.T) {
	a := memory.New()
	seed(t, a, 25, 12*time.Hour)

	calls := 0
	never := func(context.Context) error {
		calls++
		return storage.Fail(storage.CodeQuotaExceeded, "memory", "put", "pending", nil)
	}
	m := newManager(WithStrategies(DefaultStrategies(10, 2)...))
	report, err := m.Recover(testContext(t), a, never)

	require.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)
	assert.Len(t, report.Tried, 5)
	assert.LessOrEqual(t, calls, 5)
	assert.Empty(t, report.Strategy)
}

func TestRecoverNeverEvictsProtected(t *testing.T) {
	a := memory.New()
	seed(t, a, 5, 10*24*time.Hour)
	ctx := testContext(t)
	require.NoError(t, a.Put(ctx, "keepsake_session_index", `["s00"]`))
	require.NoError(t, a.Put(ctx, "keepsake_activeSession", `"s00"`))

	_, err := newManager().Recover(ctx, a, func(context.Context) error { return storage.ErrQuotaExceeded })
	require.ErrorIs(t, err, ErrExhausted)

	_, err = a.Get(ctx, "keepsake_session_index")
	assert.NoError(t, err)
	_, err = a.Get(ctx, "keepsake_activeSession")
	assert.NoError(t, err)
}

type panicking struct{}

func (panicking) Name() string { return "panicking" }
func (panicking) Select([]storage.Entry, time.Time) []storage.Entry {
	panic("boom")
}

func TestPanickingStrategyFreesNothing(t *testing.T) {
	a := memory.New()
	seed(t, a, 3, 10*24*time.Hour)

	var observed []string
	m := newManager(
		WithStrategies(panicking{}, OlderThan(7*24*time.Hour)),
		WithObserver(func(_, strategy string, removed int, _ int64) {
			observed = append(observed, fmt.Sprintf("%s:%d", strategy, removed))
		}),
	)
	calls := 0
	report, err := m.Recover(testContext(t), a, quotaUntilBelow(a, 3, &calls))
	require.NoError(t, err)
	assert.Equal(t, "older-than-7d", report.Strategy)
	assert.Equal(t, []string{"panicking:0", "older-than-7d:2"}, observed)
}

func TestCleanup(t *testing.T) {
	a := memory.New()
	m := newManager()

	_, err := m.Cleanup(testContext(t), a)
	require.ErrorIs(t, err, ErrNothingToClean)

	seed(t, a, 4, 2*24*time.Hour)
	report, err := m.Cleanup(testContext(t), a)
	require.NoError(t, err)
	// ages 0, 2, 4 and 6 days: only the 4 and 6 day records exceed three days
	assert.Equal(t, "older-than-3d", report.Strategy)
	assert.ElementsMatch(t, []string{"keepsake_session_s02", "keepsake_session_s03"}, report.Removed)
}

func TestRetainNewest(t *testing.T) {
	entries := []storage.Entry{
		{Key: "k_session_a", Type: "session", ID: "a", UpdatedAt: fixedNow.Add(-1 * time.Hour)},
		{Key: "k_session_b", Type: "session", ID: "b", UpdatedAt: fixedNow.Add(-3 * time.Hour)},
		{Key: "k_session_c", Type: "session", ID: "c", UpdatedAt: fixedNow.Add(-2 * time.Hour)},
		{Key: "k_board_a", Type: "board", ID: "a", UpdatedAt: fixedNow.Add(-9 * time.Hour)},
		{Key: "k_session_index", Type: "session", Protected: true},
	}
	got := RetainNewest(1).Select(entries, fixedNow)
	keys := make([]string, len(got))
	for i, e := range got {
		keys[i] = e.Key
	}
	assert.Equal(t, []string{"k_session_c", "k_session_b"}, keys)

	assert.Empty(t, RetainNewest(3).Select(entries, fixedNow))
}

func TestStrategyNames(t *testing.T) {
	assert.Equal(t,
		[]string{"older-than-7d", "older-than-3d", "older-than-1d", "largest-10", "retain-newest"},
		NewManager().Strategies())
}
