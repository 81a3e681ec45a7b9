package remote

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// submitter is the producer side of the outbound mailbox.
type submitter interface {
	SubmitJSON(v any) error
}

// runHeartbeat submits a liveness frame every interval, starting one interval
// after it is called, until ctx ends or a submission fails. It never closes
// the session itself.
func runHeartbeat(ctx context.Context, log *zap.SugaredLogger, interval time.Duration, out submitter, frame func() any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := out.SubmitJSON(frame()); err != nil {
				log.Warnw("heartbeat not sent, stopping", "error", err)
				return
			}
			log.Debug("heartbeat sent")
		}
	}
}
