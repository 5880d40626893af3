package execlog

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// moveAtomic publishes src to dst. POSIX rename is atomic; Windows cannot
// rename over an existing file, so there the target is removed first and the
// move retried with backoff to ride out AV/indexer locks.
func moveAtomic(src, dst string) error {
	if runtime.GOOS != "windows" {
		return os.Rename(src, dst)
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(50*(1<<attempt)) * time.Millisecond)
		}
		if _, err := os.Stat(dst); err == nil {
			if err := os.Remove(dst); err != nil {
				lastErr = err
				continue
			}
		}
		if err := os.Rename(src, dst); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("move %s -> %s: %w", src, dst, lastErr)
}
