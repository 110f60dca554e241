package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/jmcleod/keepsake/storage"
)

// Progress reports snapshot progress. total is -1 when unknown.
type Progress func(done, total int)

type snapshotRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Export writes every namespaced record as zstd-compressed JSON lines and
// returns the number written.
func (a *App) Export(ctx context.Context, w io.Writer, progress Progress) (int, error) {
	keys, err := a.Store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing records: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("creating zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	n := 0
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return n, err
		}
		value, err := a.Store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			zw.Close()
			return n, fmt.Errorf("reading %s: %w", key, err)
		}
		if err := enc.Encode(snapshotRecord{Key: key, Value: value}); err != nil {
			zw.Close()
			return n, fmt.Errorf("writing %s: %w", key, err)
		}
		n++
		if progress != nil {
			progress(i+1, len(keys))
		}
	}
	if err := zw.Close(); err != nil {
		return n, fmt.Errorf("finishing snapshot: %w", err)
	}
	return n, nil
}

// Import reads a snapshot written by Export and stores each record. Records
// outside the namespace are skipped. It returns the number stored.
func (a *App) Import(ctx context.Context, r io.Reader, progress Progress) (int, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("opening snapshot: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		var rec snapshotRecord
		if err := dec.Decode(&rec); errors.Is(err, io.EOF) {
			return n, nil
		} else if err != nil {
			return n, fmt.Errorf("reading snapshot record %d: %w", n+1, err)
		}
		if !a.Namespace.Owns(rec.Key) {
			a.Logger.Warn("skipping foreign key in snapshot", "key", rec.Key)
			continue
		}
		if err := a.Store.Put(ctx, rec.Key, rec.Value); err != nil {
			return n, fmt.Errorf("storing %s: %w", rec.Key, err)
		}
		n++
		if progress != nil {
			progress(n, -1)
		}
	}
}
