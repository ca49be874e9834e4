package settlement

import (
	"context"
	"time"

	"settlement-core/internal/chain"
)

// retry runs fn, retrying transient chain failures on the configured
// backoff schedule. The last error is returned on exhaustion.
func (p *Pipeline) retry(ctx context.Context, op string, poolID int64, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !chain.IsTransient(err) || attempt >= len(p.opts.SubmitBackoff) {
			return err
		}
		wait := p.opts.SubmitBackoff[attempt]
		p.logger.Warn().Err(err).
			Str("op", op).
			Int64("pool_id", poolID).
			Int("attempt", attempt+1).
			Dur("backoff", wait).
			Msg("transient chain failure; retrying")
		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
