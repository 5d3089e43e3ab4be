package dispatch

import (
	"context"
	"time"

	logx "imgfetchd/pkg/logx"
)

// heartbeatInterval is half the lease, floored at one second so a very short
// lease still gets refreshed before it lapses.
func heartbeatInterval(lease time.Duration) time.Duration {
	iv := lease / 2
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// runHeartbeat keeps the job's lease alive until done is closed. Best-effort:
// failures are logged, never escalated — lease expiry plus the sweep is the
// single abandonment signal. A heartbeat that matches zero rows means the job
// is no longer ours (finalized or reclaimed); stop early to avoid log noise.
func (d *Dispatcher) runHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	log := d.log.With(logx.String("job", jobID))
	t := time.NewTicker(heartbeatInterval(d.lease))
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := d.store.Heartbeat(ctx, jobID, d.lease)
			switch {
			case err != nil:
				failures++
				log.Warn("heartbeat failed", logx.Err(err), logx.Int("consecutive", failures))
			case !ok:
				log.Warn("heartbeat matched no running job; stopping")
				return
			default:
				failures = 0
			}
		}
	}
}
