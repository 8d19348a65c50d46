package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/metrics"
	"wastetrack/internal/wire"
)

const (
	DefaultPublishInterval = 10 * time.Second

	PathPush = "push"
	PathPost = "post"

	reconnectTimeout = 5 * time.Second
)

// SampleSource yields the freshest known position.
type SampleSource interface {
	LastKnown() (geo.Sample, bool)
}

// Publisher sends a collector's position on a fixed interval. It prefers
// the shared push connection; without one it posts once and then tries to
// bring the push connection back for the next cycle.
type Publisher struct {
	client      *Client
	conns       *ConnManager
	collectorID string
	source      SampleSource
	interval    time.Duration
	log         zerolog.Logger

	mu      sync.Mutex
	holding bool
}

// NewPublisher returns a publisher for collectorID.
func NewPublisher(client *Client, conns *ConnManager, collectorID string, source SampleSource, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Publisher{
		client:      client,
		conns:       conns,
		collectorID: collectorID,
		source:      source,
		interval:    interval,
		log:         logging.Component("publisher").With().Str("collector_id", collectorID).Logger(),
	}
}

// Serve publishes the last known sample every interval until ctx is done.
// Ticks without a sample are skipped.
func (p *Publisher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s, ok := p.source.LastKnown()
			if !ok {
				continue
			}
			if _, err := p.PublishOnce(ctx, s); err != nil {
				p.log.Warn().Err(err).Msg("location publish failed")
			}
		}
	}
}

func (p *Publisher) String() string { return "publisher:" + p.collectorID }

// PublishOnce sends s and reports which path carried it.
func (p *Publisher) PublishOnce(ctx context.Context, s geo.Sample) (string, error) {
	report := wire.NewReport(p.collectorID, s)

	if conn, ok := p.conns.Current(RoleCollector); ok {
		err := conn.Emit(wire.EventLocation, report)
		metrics.RecordPublish(PathPush, err)
		if err == nil {
			return PathPush, nil
		}
		p.log.Debug().Err(err).Msg("push emit failed, posting instead")
	}

	err := p.client.PublishLocation(ctx, p.collectorID, report)
	metrics.RecordPublish(PathPost, err)
	p.reconnect(ctx)
	if err != nil {
		return PathPost, fmt.Errorf("post location: %w", err)
	}
	return PathPost, nil
}

// PublishOffline tells the relay this collector stopped sharing.
func (p *Publisher) PublishOffline(ctx context.Context) error {
	report := wire.OfflineReport(p.collectorID)
	if conn, ok := p.conns.Current(RoleCollector); ok {
		if err := conn.Emit(wire.EventOffline, report); err != nil {
			p.log.Debug().Err(err).Msg("offline emit failed")
		}
	}
	err := p.client.PublishLocation(ctx, p.collectorID, report)
	metrics.RecordPublish(PathPost, err)
	if err != nil {
		return fmt.Errorf("post offline: %w", err)
	}
	return nil
}

// Release returns the publisher's reference on the push connection.
func (p *Publisher) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holding {
		p.conns.Release(RoleCollector)
		p.holding = false
	}
}

func (p *Publisher) reconnect(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, reconnectTimeout)
	defer cancel()
	if _, err := p.conns.Acquire(cctx, RoleCollector); err != nil {
		p.log.Debug().Err(err).Msg("push reconnect failed")
		return
	}
	p.mu.Lock()
	if p.holding {
		p.conns.Release(RoleCollector)
	}
	p.holding = true
	p.mu.Unlock()
	p.log.Info().Msg("push connection re-established")
}
