package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespaceLayout(t *testing.T) {
	ns := NewNamespace("")
	assert.Equal(t, "keepsake_session_abc", ns.Key("session", "abc"))
	assert.Equal(t, "keepsake_activeSession", ns.Singleton("activeSession"))
	assert.Equal(t, "keepsake_session_index", ns.Index("session"))

	tests := []struct {
		key  string
		kind KeyKind
		typ  string
		id   string
	}{
		{"keepsake_session_abc", KindInstance, "session", "abc"},
		{"keepsake_session_a_b", KindInstance, "session", "a_b"},
		{"keepsake_activeSession", KindSingleton, "activeSession", ""},
		{"keepsake_board_index", KindIndex, "board", ""},
		{"other_session_abc", KindForeign, "", ""},
		{"keepsakesession", KindForeign, "", ""},
	}
	for _, tt := range tests {
		kind, typ, id := ns.Parse(tt.key)
		assert.Equal(t, tt.kind, kind, tt.key)
		assert.Equal(t, tt.typ, typ, tt.key)
		assert.Equal(t, tt.id, id, tt.key)
	}

	assert.Error(t, ValidateType("has_underscore"))
	assert.NoError(t, ValidateType("session"))

	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("index"))
	assert.NoError(t, ValidateID("index2"))
	assert.NoError(t, ValidateID("a_b"))
}

func TestNewInfoPercentage(t *testing.T) {
	assert.Zero(t, NewInfo(true, 100, 0).Percentage)
	assert.InDelta(t, 25.0, NewInfo(true, 25, 100).Percentage, 0.0001)

	c := Combine(NewInfo(false, 10, 0), NewInfo(true, 30, 100))
	assert.True(t, c.Combined.Available)
	assert.Equal(t, int64(40), c.Combined.Used)
	assert.Equal(t, int64(100), c.Combined.Total)
	assert.InDelta(t, 40.0, c.Combined.Percentage, 0.0001)
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Fail(CodeQuotaExceeded, "local", "put", "k", errors.New("full")))
	assert.True(t, errors.Is(err, ErrQuotaExceeded))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsRecoverable(err))
	assert.Equal(t, CodeQuotaExceeded, CodeOf(err))
	assert.Contains(t, err.Error(), `QUOTA_EXCEEDED [local] put "k": full`)

	assert.False(t, Fail(CodeNotFound, "", "get", "k", nil).Recoverable())
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
