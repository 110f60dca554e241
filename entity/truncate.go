package entity

import (
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended to file content cut to fit MaxFileBytes.
const TruncationMarker = "\n\n[... content truncated ...]"

// Limits bounds what a repository persists.
type Limits struct {
	// MaxEntities caps how many entities of one type are retained.
	MaxEntities int `yaml:"max_entities" toml:"max_entities"`
	// MaxMessages caps messages per session, activity per board and
	// history per project. Oldest entries go first.
	MaxMessages  int `yaml:"max_messages" toml:"max_messages"`
	MaxFiles     int `yaml:"max_files" toml:"max_files"`
	MaxFileBytes int `yaml:"max_file_bytes" toml:"max_file_bytes"`
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxEntities:  50,
		MaxMessages:  200,
		MaxFiles:     10,
		MaxFileBytes: 100 << 10,
	}
}

// keepNewest retains the last n items, which are the most recent since
// collections are append-only. n <= 0 disables the cap.
func keepNewest[E any](items []E, n int) []E {
	if n <= 0 || len(items) <= n {
		return items
	}
	out := make([]E, n)
	copy(out, items[len(items)-n:])
	return out
}

// truncateFile cuts content to max bytes on a rune boundary and marks it.
func truncateFile(f *File, max int) {
	if f.Size == 0 {
		f.Size = int64(len(f.Content))
	}
	if max <= 0 || len(f.Content) <= max {
		return
	}
	if f.Truncated && strings.HasSuffix(f.Content, TruncationMarker) {
		return
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(f.Content[cut]) {
		cut--
	}
	f.Content = f.Content[:cut] + TruncationMarker
	f.Truncated = true
}
