package capacity

import (
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/keepsake/storage"
)

// Strategy selects the entries to evict in one recovery step.
type Strategy interface {
	Name() string
	Select(entries []storage.Entry, now time.Time) []storage.Entry
}

// DefaultStrategies returns the standard eviction order: age thresholds of
// seven, three and one days, then the largest records, then the excess of the
// most numerous entity type.
func DefaultStrategies(largest, retain int) []Strategy {
	return []Strategy{
		OlderThan(7 * 24 * time.Hour),
		OlderThan(3 * 24 * time.Hour),
		OlderThan(24 * time.Hour),
		Largest(largest),
		RetainNewest(retain),
	}
}

type olderThan struct {
	age time.Duration
}

// OlderThan evicts entries whose updatedAt is further than age in the past.
// Entries carrying no timestamp are left alone.
func OlderThan(age time.Duration) Strategy {
	return olderThan{age: age}
}

func (s olderThan) Name() string {
	return fmt.Sprintf("older-than-%dd", int(s.age/(24*time.Hour)))
}

func (s olderThan) Select(entries []storage.Entry, now time.Time) []storage.Entry {
	cutoff := now.Add(-s.age)
	var out []storage.Entry
	for _, e := range evictable(entries) {
		if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

type largest struct {
	n int
}

// Largest evicts the n largest entries by serialized size.
func Largest(n int) Strategy {
	return largest{n: n}
}

func (s largest) Name() string { return fmt.Sprintf("largest-%d", s.n) }

func (s largest) Select(entries []storage.Entry, _ time.Time) []storage.Entry {
	candidates := evictable(entries)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Size > candidates[j].Size
	})
	if len(candidates) > s.n {
		candidates = candidates[:s.n]
	}
	return candidates
}

type retainNewest struct {
	keep int
}

// RetainNewest evicts everything beyond the keep most recently updated
// entries of the most numerous entity type.
func RetainNewest(keep int) Strategy {
	return retainNewest{keep: keep}
}

func (s retainNewest) Name() string { return "retain-newest" }

func (s retainNewest) Select(entries []storage.Entry, _ time.Time) []storage.Entry {
	byType := make(map[string][]storage.Entry)
	for _, e := range evictable(entries) {
		byType[e.Type] = append(byType[e.Type], e)
	}
	var top string
	for t, group := range byType {
		if len(group) > len(byType[top]) || (len(group) == len(byType[top]) && t < top) {
			top = t
		}
	}
	group := byType[top]
	if len(group) <= s.keep {
		return nil
	}
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].UpdatedAt.After(group[j].UpdatedAt)
	})
	return group[s.keep:]
}

// evictable returns a fresh slice of the entries that may be removed.
func evictable(entries []storage.Entry) []storage.Entry {
	out := make([]storage.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Protected && e.ID != "" {
			out = append(out, e)
		}
	}
	return out
}
