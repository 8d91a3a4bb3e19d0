package sdmmc

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softmmc/pkg"
)

// poll calls check until it reports done, returns an error, or attempts run
// out. Between attempts it sleeps interval, returning early if ctx ends.
func poll(ctx context.Context, what string, attempts int, interval time.Duration, check func() (bool, error)) error {
	for attempt := 1; attempt <= attempts; attempt++ {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			if attempt > 1 {
				pkg.LogDebug(pkg.ComponentCard, "poll done", "what", what, "attempts", attempt)
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if interval > 0 && attempt < attempts {
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", pkg.ErrTimeout, what, attempts)
}
