package call

import (
	"context"
	"time"
)

// retry runs op up to cfg.MaxSendAttempts times. After the n-th failure it
// waits n*cfg.RetryBase. The last error is returned once attempts run out.
func retry(ctx context.Context, cfg Config, op func(context.Context) error, onFail func(attempt int, err error)) error {
	var err error
	for attempt := 1; attempt <= cfg.MaxSendAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if onFail != nil {
			onFail(attempt, err)
		}
		if serr := cfg.Sleep(ctx, cfg.RetryBase*time.Duration(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
