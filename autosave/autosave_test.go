package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	writes []string
}

func (r *recorder) save(_ context.Context, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, payload)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func TestDebounceCollapsesWrites(t *testing.T) {
	rec := &recorder{}
	s := New(30 * time.Millisecond)
	defer s.Close()
	Bind(s, "session", rec.save)

	require.NoError(t, s.Schedule("session", "a", "first"))
	require.NoError(t, s.Schedule("session", "a", "second"))
	require.NoError(t, s.Schedule("session", "a", "third"))
	assert.Equal(t, 1, s.Pending())

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"third"}, rec.snapshot())
	assert.Zero(t, s.Pending())
}

func TestKeysAreIndependent(t *testing.T) {
	rec := &recorder{}
	s := New(10 * time.Millisecond)
	defer s.Close()
	Bind(s, "session", rec.save)
	Bind(s, "board", rec.save)

	require.NoError(t, s.Schedule("session", "a", "session-a"))
	require.NoError(t, s.Schedule("session", "b", "session-b"))
	require.NoError(t, s.Schedule("board", "a", "board-a"))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"session-a", "session-b", "board-a"}, rec.snapshot())
}

func TestCancel(t *testing.T) {
	rec := &recorder{}
	s := New(20 * time.Millisecond)
	defer s.Close()
	Bind(s, "session", rec.save)

	require.NoError(t, s.Schedule("session", "a", "stale"))
	assert.True(t, s.Cancel("session", "a"))
	assert.False(t, s.Cancel("session", "a"))

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, rec.snapshot())
}

func TestFlush(t *testing.T) {
	rec := &recorder{}
	s := New(time.Hour)
	defer s.Close()
	Bind(s, "session", rec.save)

	require.NoError(t, s.Schedule("session", "a", "now"))
	require.NoError(t, s.Flush(testContext(t)))
	assert.Equal(t, []string{"now"}, rec.snapshot())
	assert.Zero(t, s.Pending())
}

func TestFailuresAreNotRetried(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	var observed []error
	s := New(10*time.Millisecond, WithObserver(func(_ string, err error) {
		mu.Lock()
		observed = append(observed, err)
		mu.Unlock()
	}))
	defer s.Close()
	s.Register("session", func(context.Context, any) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("disk on fire")
	})

	require.NoError(t, s.Schedule("session", "a", "x"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Error(t, observed[0])
}

func TestBindRejectsWrongPayloadType(t *testing.T) {
	rec := &recorder{}
	s := New(time.Hour)
	defer s.Close()
	Bind(s, "session", rec.save)

	require.NoError(t, s.Schedule("session", "a", 42))
	err := s.Flush(testContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "int")
	assert.Empty(t, rec.snapshot())
}

func TestScheduleErrors(t *testing.T) {
	s := New(time.Hour)
	err := s.Schedule("ghost", "a", nil)
	assert.ErrorIs(t, err, ErrUnknownType)

	s.Register("session", func(context.Context, any) error { return nil })
	require.NoError(t, s.Schedule("session", "a", nil))
	s.Close()
	assert.Zero(t, s.Pending())
	assert.ErrorIs(t, s.Schedule("session", "a", nil), ErrClosed)
}
