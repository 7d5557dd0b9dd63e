package cache

import (
	"context"
	"runtime"
	"time"
)

// HeapPressure polls the Go heap every interval and signals when the heap in
// use exceeds limit bytes. Signals are coalesced. The channel closes when ctx
// is done.
func HeapPressure(ctx context.Context, limit uint64, interval time.Duration) <-chan struct{} {
	out := make(chan struct{}, 1)
	if limit == 0 || interval <= 0 {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var stats runtime.MemStats
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runtime.ReadMemStats(&stats)
				if stats.HeapInuse < limit {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	return out
}
