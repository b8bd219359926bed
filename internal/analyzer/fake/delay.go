package fake

import (
	"context"
	"time"
)

// Sleep returns a Delay function that blocks for d, honoring ctx
// cancellation/deadline (so a worker's chunk_timeout reliably fires
// against an injected slow analyzer in tests).
func Sleep(d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
