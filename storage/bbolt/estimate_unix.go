//go:build unix

package bbolt

import (
	"context"

	"golang.org/x/sys/unix"
)

// DiskEstimator reports the bytes still available to unprivileged users on
// the filesystem holding dir.
func DiskEstimator(dir string) Estimator {
	return func(ctx context.Context) (int64, bool) {
		var st unix.Statfs_t
		if err := unix.Statfs(dir, &st); err != nil {
			return 0, false
		}
		return int64(st.Bavail) * int64(st.Bsize), true
	}
}
