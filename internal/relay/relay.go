// Package relay is a reference backend for the location boundary: it keeps
// the authoritative registry, accepts collector reports over HTTP and
// websocket, and pushes changes to observers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/metrics"
	"wastetrack/internal/tracking"
	"wastetrack/internal/wire"
)

const (
	DefaultStaleThreshold = 5 * time.Minute
	DefaultSweepInterval  = 15 * time.Second
	DefaultNearbyRadius   = 1000.0
)

var (
	ErrMissingCollector = errors.New("missing collector id")
	ErrInvalidReport    = errors.New("invalid location report")
)

// Options configure a relay. Zero values take the defaults.
type Options struct {
	StaleThreshold time.Duration
	SweepInterval  time.Duration
	// Fanout, when set, shares accepted reports with other relay instances.
	Fanout Fanout
}

// Relay holds collector state and the observer hub.
type Relay struct {
	id       string
	registry *tracking.Registry
	hub      *Hub
	sweeper  *tracking.Sweeper
	fanout   Fanout
	validate *validator.Validate
	log      zerolog.Logger

	// mu serializes report application so started/update are decided
	// against a stable view.
	mu      sync.Mutex
	version atomic.Uint64
}

// New returns a relay.
func New(opts Options) *Relay {
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = DefaultStaleThreshold
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	reg := tracking.NewRegistry("relay")
	r := &Relay{
		id:       uuid.NewString(),
		registry: reg,
		sweeper:  tracking.NewSweeper(reg, opts.SweepInterval, opts.StaleThreshold),
		fanout:   opts.Fanout,
		validate: validator.New(),
		log:      logging.Component("relay"),
	}
	r.hub = NewHub(r.observerSnapshot, r.handleInbound)
	r.sweeper.OnEvict = r.evicted
	return r
}

// Hub returns the websocket hub.
func (r *Relay) Hub() *Hub { return r.hub }

// Registry exposes the relay's registry for reading.
func (r *Relay) Registry() *tracking.Registry { return r.registry }

// Sweeper returns the eviction service.
func (r *Relay) Sweeper() *tracking.Sweeper { return r.sweeper }

// Version increases on every observable change.
func (r *Relay) Version() uint64 { return r.version.Load() }

// Accept applies a report from collectorID and shares it with other
// instances. An empty collectorID falls back to the id in the report.
func (r *Relay) Accept(ctx context.Context, collectorID string, rep wire.LocationReport) error {
	if collectorID == "" {
		collectorID = rep.CollectorID
	}
	if collectorID == "" {
		return ErrMissingCollector
	}
	if err := r.validate.Struct(rep); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := r.apply(collectorID, rep); err != nil {
		return err
	}

	if r.fanout != nil {
		ev := FanoutEvent{Origin: r.id, CollectorID: collectorID, Report: rep}
		if err := r.fanout.Publish(ctx, ev); err != nil {
			r.log.Warn().Err(err).Str("collector_id", collectorID).Msg("fan-out publish failed")
		} else {
			metrics.RelayFanout.WithLabelValues("out").Inc()
		}
	}
	return nil
}

func (r *Relay) apply(collectorID string, rep wire.LocationReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rep.IsOnline != nil && !*rep.IsOnline && rep.Latitude == nil && rep.Longitude == nil {
		if r.registry.Remove(collectorID) {
			r.hub.Broadcast(wire.EventStopped, wire.Stopped{CollectorID: collectorID})
			r.version.Add(1)
			r.log.Info().Str("collector_id", collectorID).Msg("collector went offline")
		}
		return nil
	}

	u, err := rep.ToUpdate(collectorID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}

	if _, known := r.registry.Get(collectorID); !known {
		r.registry.Add(u)
		st, _ := r.registry.Get(collectorID)
		r.hub.Broadcast(wire.EventStarted, wire.FromState(st))
		r.version.Add(1)
		r.log.Info().Str("collector_id", collectorID).Msg("collector started sharing")
		return nil
	}

	if changed := r.registry.Reconcile(u); len(changed) > 0 {
		st, _ := r.registry.Get(collectorID)
		r.hub.Broadcast(wire.EventUpdate, wire.FromState(st))
		r.version.Add(1)
	}
	return nil
}

func (r *Relay) evicted(ids []string) {
	for _, id := range ids {
		r.hub.Broadcast(wire.EventStopped, wire.Stopped{CollectorID: id})
	}
	r.version.Add(1)
	r.log.Info().Strs("collector_ids", ids).Msg("evicted silent collectors")
}

// handleInbound takes reports arriving on collector push connections.
func (r *Relay) handleInbound(c ClientInfo, env wire.Envelope) {
	switch env.Event {
	case wire.EventLocation, wire.EventOffline:
	default:
		r.log.Debug().Str("event", env.Event).Msg("ignoring inbound event")
		return
	}
	var rep wire.LocationReport
	if err := json.Unmarshal(env.Data, &rep); err != nil {
		r.log.Warn().Err(err).Str("event", env.Event).Msg("undecodable inbound report")
		return
	}
	if env.Event == wire.EventOffline {
		off := false
		rep.IsOnline = &off
		rep.Latitude, rep.Longitude = nil, nil
	}
	id := c.ID
	if id == "" {
		id = rep.CollectorID
	}
	if err := r.Accept(context.Background(), id, rep); err != nil {
		r.log.Warn().Err(err).Str("collector_id", id).Msg("rejected inbound report")
	}
}

// applyRemote applies a report shared by another instance.
func (r *Relay) applyRemote(ev FanoutEvent) {
	if ev.Origin == r.id {
		return
	}
	metrics.RelayFanout.WithLabelValues("in").Inc()
	if err := r.apply(ev.CollectorID, ev.Report); err != nil {
		r.log.Warn().Err(err).Str("origin", ev.Origin).Msg("rejected fan-out report")
	}
}

// Snapshot is the bulk map served to residents and the event stream.
func (r *Relay) Snapshot() map[string]wire.Record {
	return wire.SnapshotMap(r.registry.List())
}

// AdminList is the admin-shaped collector list.
func (r *Relay) AdminList() []wire.AdminRecord {
	states := r.registry.List()
	out := make([]wire.AdminRecord, 0, len(states))
	for _, st := range states {
		out = append(out, wire.ToAdmin(st))
	}
	return out
}

// Nearby lists positioned collectors within radius meters of p, nearest
// first.
func (r *Relay) Nearby(p geo.Point, radius float64) []wire.Record {
	type hit struct {
		rec wire.Record
		d   float64
	}
	var hits []hit
	for _, st := range r.registry.Markers() {
		if d := geo.Distance(p, *st.Position); d <= radius {
			hits = append(hits, hit{wire.FromState(st), d})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	out := make([]wire.Record, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.rec)
	}
	return out
}

// Feed encodes the positioned collectors as a GTFS-RT message.
func (r *Relay) Feed() ([]byte, error) {
	return wire.EncodeFeed(r.registry.Markers(), time.Now())
}

func (r *Relay) observerSnapshot() []wire.Record {
	states := r.registry.List()
	out := make([]wire.Record, 0, len(states))
	for _, st := range states {
		out = append(out, wire.FromState(st))
	}
	return out
}
