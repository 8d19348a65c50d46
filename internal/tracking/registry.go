package tracking

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
	"wastetrack/internal/metrics"
)

// Registry maps collector id to CollectorState. All methods are safe for
// concurrent use.
type Registry struct {
	name string
	log  zerolog.Logger
	now  func() time.Time

	mu     sync.RWMutex
	states map[string]*CollectorState
}

// NewRegistry returns an empty registry. name labels its metrics.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:   name,
		log:    logging.Component("registry").With().Str("registry", name).Logger(),
		now:    time.Now,
		states: make(map[string]*CollectorState),
	}
}

type outcome int

type applyMode int

const (
	// modeOrdered applies the ordering guard.
	modeOrdered applyMode = iota
	// modeForce skips the ordering guard.
	modeForce
	// modeResync applies the ordering guard to position only; metadata
	// from a fresh snapshot replaces what is held even when the position
	// is older.
	modeResync
)

const (
	outcomeUnchanged outcome = iota
	outcomeApplied
	outcomeStale
	outcomeInvalid
)

// Reconcile merges updates and returns the ids whose observable state
// changed, in first-seen order.
//
// Metadata is sticky: a non-empty value replaces, an empty one never
// clears. Position and timestamp move together and only forward; an
// update older than what is held can still fill in missing metadata.
// When the same id appears more than once the last record wins.
func (r *Registry) Reconcile(updates ...Update) []string {
	batch := collapse(updates)
	received := r.now()

	r.mu.Lock()
	var changed []string
	var applied, stale, unchanged, invalid int
	for _, u := range batch {
		switch r.apply(r.states, u, received, modeOrdered) {
		case outcomeApplied:
			applied++
			changed = append(changed, u.CollectorID)
		case outcomeStale:
			stale++
		case outcomeInvalid:
			invalid++
		default:
			unchanged++
		}
	}
	size := len(r.states)
	r.mu.Unlock()

	metrics.RecordReconcile(applied, stale, unchanged, invalid)
	metrics.RegistrySize.WithLabelValues(r.name).Set(float64(size))
	if stale > 0 {
		r.log.Debug().Int("stale", stale).Msg("ignored out-of-order positions")
	}
	return changed
}

// SnapshotReplace discards the current contents and loads updates.
func (r *Registry) SnapshotReplace(updates []Update) {
	batch := collapse(updates)
	received := r.now()

	next := make(map[string]*CollectorState, len(batch))
	invalid := 0
	for _, u := range batch {
		if r.apply(next, u, received, modeOrdered) == outcomeInvalid {
			invalid++
		}
	}

	r.mu.Lock()
	r.states = next
	r.mu.Unlock()

	metrics.RegistrySize.WithLabelValues(r.name).Set(float64(len(next)))
	r.log.Debug().Int("collectors", len(next)).Int("invalid", invalid).Msg("snapshot loaded")
}

// Resync merges a fresh snapshot into a live registry. Positions obey the
// ordering guard so a snapshot that lags a pushed update cannot roll it
// back. Entries absent from the snapshot are removed unless they were
// received at or after since, the moment the snapshot was requested.
// Changed and removed ids are returned.
func (r *Registry) Resync(updates []Update, since time.Time) []string {
	batch := collapse(updates)
	received := r.now()

	r.mu.Lock()
	seen := make(map[string]bool, len(batch))
	var changed []string
	for _, u := range batch {
		seen[u.CollectorID] = true
		if r.apply(r.states, u, received, modeResync) == outcomeApplied {
			changed = append(changed, u.CollectorID)
		}
	}
	var removed []string
	for id, st := range r.states {
		if !seen[id] && st.ReceivedAt.Before(since) {
			delete(r.states, id)
			removed = append(removed, id)
		}
	}
	size := len(r.states)
	r.mu.Unlock()

	sort.Strings(removed)
	metrics.RegistrySize.WithLabelValues(r.name).Set(float64(size))
	r.log.Debug().Int("changed", len(changed)).Strs("removed", removed).Msg("snapshot resynced")
	return append(changed, removed...)
}

// Add upserts u without the ordering guard. It is used when a collector
// announces a new session.
func (r *Registry) Add(u Update) bool {
	r.mu.Lock()
	o := r.apply(r.states, u, r.now(), modeForce)
	size := len(r.states)
	r.mu.Unlock()
	metrics.RegistrySize.WithLabelValues(r.name).Set(float64(size))
	return o == outcomeApplied
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.states[id]
	delete(r.states, id)
	size := len(r.states)
	r.mu.Unlock()
	metrics.RegistrySize.WithLabelValues(r.name).Set(float64(size))
	return ok
}

// EvictStale removes every entry whose position is older than threshold at
// now. Entries without a position age from when they were last received.
// The evicted ids are returned sorted.
func (r *Registry) EvictStale(now time.Time, threshold time.Duration) []string {
	r.mu.Lock()
	var evicted []string
	for id, st := range r.states {
		ref := st.LastUpdate
		if st.Position == nil {
			ref = st.ReceivedAt
		}
		if now.Sub(ref) > threshold {
			delete(r.states, id)
			evicted = append(evicted, id)
		}
	}
	size := len(r.states)
	r.mu.Unlock()

	if len(evicted) > 0 {
		sort.Strings(evicted)
		metrics.Evictions.WithLabelValues(r.name).Add(float64(len(evicted)))
		r.log.Debug().Strs("collector_ids", evicted).Msg("evicted stale collectors")
	}
	metrics.RegistrySize.WithLabelValues(r.name).Set(float64(size))
	return evicted
}

// Get returns a copy of the state for id.
func (r *Registry) Get(id string) (CollectorState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return CollectorState{}, false
	}
	return st.clone(), true
}

// Len returns the number of collectors held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// List returns every collector sorted by id, including ones without a
// position.
func (r *Registry) List() []CollectorState {
	return r.project(false)
}

// Markers returns only collectors with a position, sorted by id.
func (r *Registry) Markers() []CollectorState {
	return r.project(true)
}

func (r *Registry) project(positioned bool) []CollectorState {
	r.mu.RLock()
	out := make([]CollectorState, 0, len(r.states))
	for _, st := range r.states {
		if positioned && st.Position == nil {
			continue
		}
		out = append(out, st.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CollectorID < out[j].CollectorID })
	return out
}

// apply merges u into states. Callers hold the write lock or own states.
func (r *Registry) apply(states map[string]*CollectorState, u Update, received time.Time, mode applyMode) outcome {
	if u.CollectorID == "" {
		return outcomeInvalid
	}
	if u.Position != nil && (!u.Position.Valid() || u.Position.IsNull()) {
		u.Position = nil
	}

	st, ok := states[u.CollectorID]
	if !ok {
		st = &CollectorState{CollectorID: u.CollectorID, Online: true}
		states[u.CollectorID] = st
	}
	before := st.clone()
	st.ReceivedAt = received

	ts := u.Timestamp
	if ts.IsZero() && u.Position != nil {
		ts = received
	}

	// A record is stale when it carries a timestamp older than the
	// position already held.
	isStale := mode != modeForce && st.Position != nil && !ts.IsZero() && ts.Before(st.LastUpdate)

	if isStale {
		if st.VehicleLabel == "" || (mode == modeResync && u.VehicleLabel != "") {
			st.VehicleLabel = u.VehicleLabel
		}
		if st.VehicleType == "" || (mode == modeResync && u.VehicleType != "") {
			st.VehicleType = u.VehicleType
		}
		if !ok || !st.sameAs(before) {
			return outcomeApplied
		}
		return outcomeStale
	}

	if u.Position != nil {
		p := *u.Position
		st.Position = &p
		st.LastUpdate = ts
		if u.Online != nil {
			st.Online = *u.Online
		} else {
			st.Online = true
		}
	} else if u.Online != nil {
		st.Online = *u.Online
	}
	if u.VehicleLabel != "" {
		st.VehicleLabel = u.VehicleLabel
	}
	if u.VehicleType != "" {
		st.VehicleType = u.VehicleType
	}

	if !ok || !st.sameAs(before) {
		return outcomeApplied
	}
	return outcomeUnchanged
}

// collapse keeps the last record per id, ordered by first appearance.
func collapse(updates []Update) []Update {
	if len(updates) < 2 {
		return updates
	}
	index := make(map[string]int, len(updates))
	out := make([]Update, 0, len(updates))
	for _, u := range updates {
		if i, ok := index[u.CollectorID]; ok {
			out[i] = u
			continue
		}
		index[u.CollectorID] = len(out)
		out = append(out, u)
	}
	return out
}
