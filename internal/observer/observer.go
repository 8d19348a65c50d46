// Package observer keeps a live view of collector positions for an admin
// or resident dashboard. It loads a snapshot, follows the subscriber's
// events, evicts stale entries and announces every change on the bus.
package observer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"wastetrack/internal/bus"
	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/proximity"
	"wastetrack/internal/tracking"
	"wastetrack/internal/transport"
)

const (
	DefaultFindRadius      = 1000.0
	DefaultRefetchInterval = 2 * time.Second
)

// Options tune an observer. Zero values take the package defaults.
type Options struct {
	Role            string
	PollInterval    time.Duration
	SweepInterval   time.Duration
	StaleThreshold  time.Duration
	FindRadius      float64
	RefetchInterval time.Duration
}

// ProfileChanged is the payload of bus.TopicCollectorUpdated.
type ProfileChanged struct {
	CollectorID  string `json:"collectorId"`
	VehicleLabel string `json:"vehicleNumber,omitempty"`
	VehicleType  string `json:"vehicleType,omitempty"`
}

// Changed is the payload of bus.TopicRegistryChanged.
type Changed struct {
	Role string   `json:"role"`
	IDs  []string `json:"ids"`
}

// Observer is the data side of one dashboard.
type Observer struct {
	role       string
	client     *transport.Client
	bus        *bus.Bus
	notifier   *proximity.Notifier
	registry   *tracking.Registry
	sweeper    *tracking.Sweeper
	subscriber *transport.Subscriber
	limiter    *rate.Limiter
	findRadius float64
	loaded     atomic.Bool
	log        zerolog.Logger
}

// New wires an observer. notifier may be nil; admins normally run without
// one.
func New(client *transport.Client, conns *transport.ConnManager, b *bus.Bus, notifier *proximity.Notifier, opts Options) *Observer {
	if opts.Role == "" {
		opts.Role = transport.RoleResident
	}
	if opts.FindRadius <= 0 {
		opts.FindRadius = DefaultFindRadius
	}
	if opts.RefetchInterval <= 0 {
		opts.RefetchInterval = DefaultRefetchInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
		if opts.Role == transport.RoleAdmin {
			opts.PollInterval = 4 * time.Second
		}
	}

	reg := tracking.NewRegistry("observer-" + opts.Role)
	o := &Observer{
		role:       opts.Role,
		client:     client,
		bus:        b,
		notifier:   notifier,
		registry:   reg,
		sweeper:    tracking.NewSweeper(reg, opts.SweepInterval, opts.StaleThreshold),
		subscriber: transport.NewSubscriber(client, conns, opts.Role, opts.PollInterval),
		limiter:    rate.NewLimiter(rate.Every(opts.RefetchInterval), 1),
		findRadius: opts.FindRadius,
		log:        logging.Component("observer").With().Str("role", opts.Role).Logger(),
	}
	o.sweeper.OnEvict = func(ids []string) {
		o.log.Debug().Strs("collector_ids", ids).Msg("evicted stale collectors")
		o.changed(ids)
	}
	return o
}

// Registry exposes the observer's registry for reading.
func (o *Observer) Registry() *tracking.Registry { return o.registry }

// Mode reports the subscriber's current delivery path.
func (o *Observer) Mode() transport.Mode { return o.subscriber.Mode() }

func (o *Observer) String() string { return "observer:" + o.role }

// Serve loads the snapshot and follows updates until ctx is done. The push
// connection is released, not closed, on return.
func (o *Observer) Serve(ctx context.Context) error {
	if err := o.Refresh(ctx); err != nil && ctx.Err() == nil {
		o.log.Warn().Err(err).Msg("initial snapshot failed")
	}

	notes, err := o.bus.Subscribe(ctx, bus.TopicCollectorUpdated)
	if err != nil {
		return fmt.Errorf("observer: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = o.sweeper.Serve(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := o.subscriber.Run(ctx, o.apply); err != nil {
			o.log.Error().Err(err).Msg("subscriber stopped")
		}
	}()
	go func() {
		defer wg.Done()
		o.refetchLoop(ctx, notes)
	}()
	wg.Wait()
	return ctx.Err()
}

// Refresh loads a fresh snapshot. The first load replaces the registry
// outright; later ones resync it so positions pushed since the snapshot
// was taken are kept.
func (o *Observer) Refresh(ctx context.Context) error {
	fetch := o.client.Snapshot
	if o.role == transport.RoleAdmin {
		fetch = o.client.AdminSnapshot
	}
	since := time.Now()
	updates, err := fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	var ids []string
	if o.loaded.CompareAndSwap(false, true) && o.registry.Len() == 0 {
		o.registry.SnapshotReplace(updates)
		ids = make([]string, 0, len(updates))
		for _, u := range updates {
			ids = append(ids, u.CollectorID)
		}
	} else {
		ids = o.registry.Resync(updates, since)
	}
	o.log.Debug().Int("collectors", o.registry.Len()).Msg("snapshot loaded")
	o.changed(ids)
	return nil
}

// FindNearby asks the relay for collectors around p and merges them.
func (o *Observer) FindNearby(ctx context.Context, p geo.Point) ([]string, error) {
	updates, err := o.client.Nearby(ctx, p, o.findRadius)
	if err != nil {
		return nil, fmt.Errorf("find nearby: %w", err)
	}
	ids := o.registry.Reconcile(updates...)
	o.changed(ids)
	return ids, nil
}

func (o *Observer) apply(e transport.Event) {
	var ids []string
	var profiles []profile
	switch e.Kind {
	case transport.KindUpdate:
		profiles = o.profiles(e.Updates)
		ids = o.registry.Reconcile(e.Updates...)
	case transport.KindStarted:
		profiles = o.profiles(e.Updates)
		for _, u := range e.Updates {
			if o.registry.Add(u) {
				ids = append(ids, u.CollectorID)
			}
		}
	case transport.KindStopped:
		if o.registry.Remove(e.CollectorID) {
			ids = append(ids, e.CollectorID)
		}
	}
	o.changed(ids)
	o.announceProfiles(profiles)
}

// profile is a known collector's vehicle metadata before an event.
type profile struct {
	id, label, kind string
}

func (o *Observer) profiles(updates []tracking.Update) []profile {
	var out []profile
	for _, u := range updates {
		if u.VehicleLabel == "" && u.VehicleType == "" {
			continue
		}
		if st, ok := o.registry.Get(u.CollectorID); ok {
			out = append(out, profile{id: st.CollectorID, label: st.VehicleLabel, kind: st.VehicleType})
		}
	}
	return out
}

// announceProfiles publishes collector.updated for every known collector
// whose vehicle label or type was replaced by a different value.
func (o *Observer) announceProfiles(before []profile) {
	for _, p := range before {
		st, ok := o.registry.Get(p.id)
		if !ok {
			continue
		}
		relabelled := p.label != "" && st.VehicleLabel != p.label
		retyped := p.kind != "" && st.VehicleType != p.kind
		if !relabelled && !retyped {
			continue
		}
		o.log.Debug().Str("collector_id", p.id).Str("vehicle", st.VehicleLabel).Msg("collector profile changed")
		if err := o.bus.Notify(bus.TopicCollectorUpdated, ProfileChanged{CollectorID: p.id, VehicleLabel: st.VehicleLabel, VehicleType: st.VehicleType}); err != nil {
			o.log.Warn().Err(err).Msg("profile change notification failed")
		}
	}
}

func (o *Observer) changed(ids []string) {
	if len(ids) == 0 {
		return
	}
	if o.notifier != nil {
		o.notifier.Evaluate(o.registry.Markers())
	}
	if err := o.bus.Notify(bus.TopicRegistryChanged, Changed{Role: o.role, IDs: ids}); err != nil {
		o.log.Warn().Err(err).Msg("registry change notification failed")
	}
}

// refetchLoop reloads the snapshot when collector profiles change
// elsewhere. Bursts are coalesced by the limiter.
func (o *Observer) refetchLoop(ctx context.Context, notes <-chan bus.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notes:
			if !ok {
				return
			}
			if err := o.limiter.Wait(ctx); err != nil {
				return
			}
			drain(notes)
			if err := o.Refresh(ctx); err != nil && ctx.Err() == nil {
				o.log.Warn().Err(err).Msg("refetch failed")
			}
		}
	}
}

func drain(notes <-chan bus.Notification) {
	for {
		select {
		case _, ok := <-notes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
