package api

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePagination(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", defaultPageLimit, 0},
		{"custom limit", "limit=20", 20, 0},
		{"both", "limit=25&offset=5", 25, 5},
		{"limit capped", "limit=500", maxPageLimit, 0},
		{"negative values ignored", "limit=-1&offset=-5", defaultPageLimit, 0},
		{"non-numeric ignored", "limit=abc&offset=xyz", defaultPageLimit, 0},
		{"zero limit uses default", "limit=0", defaultPageLimit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/sessions?"+tt.query, nil)
			limit, offset := parsePagination(r)
			assert.Equal(t, tt.wantLimit, limit, "limit")
			assert.Equal(t, tt.wantOffset, offset, "offset")
		})
	}
}

func TestPaginateSlice(t *testing.T) {
	tests := []struct {
		name                 string
		total, limit, offset int
		wantStart, wantEnd   int
		wantMore             bool
	}{
		{"first page", 50, 10, 0, 0, 10, true},
		{"last page partial", 25, 10, 20, 20, 25, false},
		{"offset beyond total", 5, 10, 100, 5, 5, false},
		{"exact fit", 10, 10, 0, 0, 10, false},
		{"empty collection", 0, 10, 0, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, meta := paginateSlice(tt.total, tt.limit, tt.offset)
			assert.Equal(t, tt.wantStart, start, "start")
			assert.Equal(t, tt.wantEnd, end, "end")
			assert.Equal(t, tt.total, meta.TotalCount)
			assert.Equal(t, tt.wantMore, meta.HasMore)
			assert.LessOrEqual(t, start, end)
			assert.LessOrEqual(t, end, tt.total)
		})
	}
}
