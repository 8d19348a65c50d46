package transport

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
	"wastetrack/internal/tracking"
)

// FetchFunc loads a batch of collector updates.
type FetchFunc func(ctx context.Context) ([]tracking.Update, error)

// poller fetches on a timer. The first fetch happens immediately. A slow
// fetch stretches the wait to half its duration so a struggling server is
// not hammered.
type poller struct {
	fetch    FetchFunc
	interval time.Duration
	timeout  time.Duration
	onBatch  func([]tracking.Update)
	log      zerolog.Logger
}

func newPoller(fetch FetchFunc, interval time.Duration, onBatch func([]tracking.Update)) *poller {
	return &poller{
		fetch:    fetch,
		interval: interval,
		timeout:  10 * time.Second,
		onBatch:  onBatch,
		log:      logging.Component("poller"),
	}
}

func (p *poller) run(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			p.tick(ctx)
			t.Reset(maxDuration(time.Since(start)/2, p.interval))
		}
	}
}

func (p *poller) tick(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	updates, err := p.fetch(cctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn().Err(err).Msg("poll failed")
		}
		return
	}
	p.log.Debug().Int("collectors", len(updates)).Msg("polled")
	p.onBatch(updates)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
