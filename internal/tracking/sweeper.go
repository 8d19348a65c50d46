package tracking

import (
	"context"
	"time"
)

const (
	DefaultSweepInterval  = 5 * time.Second
	DefaultStaleThreshold = 60 * time.Second
)

// Sweeper periodically evicts stale collectors from a registry.
type Sweeper struct {
	registry  *Registry
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time

	// OnEvict, when set, is called with the ids removed by each sweep.
	OnEvict func(ids []string)
}

// NewSweeper returns a sweeper; zero durations take the defaults.
func NewSweeper(r *Registry, interval, threshold time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &Sweeper{registry: r, interval: interval, threshold: threshold, now: time.Now}
}

// Sweep runs one eviction pass.
func (s *Sweeper) Sweep() []string {
	ids := s.registry.EvictStale(s.now(), s.threshold)
	if len(ids) > 0 && s.OnEvict != nil {
		s.OnEvict(ids)
	}
	return ids
}

// Serve sweeps every interval until ctx is done.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep()
		}
	}
}

func (s *Sweeper) String() string { return "sweeper:" + s.registry.name }
