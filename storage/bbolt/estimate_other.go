//go:build !unix

package bbolt

import "context"

// DiskEstimator has no portable implementation on this platform and never
// produces an estimate.
func DiskEstimator(dir string) Estimator {
	return func(ctx context.Context) (int64, bool) {
		return 0, false
	}
}
