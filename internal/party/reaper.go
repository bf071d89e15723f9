package party

import (
	"context"
	"time"
)

// Reaper periodically tears down rooms that have seen no activity within the
// idle window. It reuses the service's per-room serialization, so a reap and
// a join racing on the same id resolve to lock order.
type Reaper struct {
	service  *Service
	interval time.Duration
	window   time.Duration
}

func NewReaper(service *Service, interval, window time.Duration) *Reaper {
	return &Reaper{service: service, interval: interval, window: window}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.service.ReapIdle(ctx, r.window)
		}
	}
}
