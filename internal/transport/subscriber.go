package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
	"wastetrack/internal/metrics"
	"wastetrack/internal/tracking"
	"wastetrack/internal/wire"
)

// Mode is the subscriber's current delivery path.
type Mode int

const (
	ModePush Mode = iota
	ModeStream
	ModePoll
)

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModeStream:
		return "stream"
	case ModePoll:
		return "poll"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// EventKind classifies what a subscriber delivers.
type EventKind int

const (
	// KindUpdate carries records to merge.
	KindUpdate EventKind = iota
	// KindStarted announces a collector that began sharing.
	KindStarted
	// KindStopped announces a collector that stopped sharing.
	KindStopped
)

// Event is delivered to the subscriber's sink.
type Event struct {
	Kind        EventKind
	Mode        Mode
	Updates     []tracking.Update
	CollectorID string // KindStopped only
}

// Sink consumes subscriber events. It may be called from several
// goroutines, never concurrently for the same mode.
type Sink func(Event)

// Subscriber delivers collector updates to an observer. It starts on the
// push connection, falls back to the event stream when push is unavailable
// or drops, and to polling when the stream fails. It never moves back up.
type Subscriber struct {
	client       *Client
	conns        *ConnManager
	role         string
	pollInterval time.Duration
	fetch        FetchFunc
	streamHTTP   *http.Client
	log          zerolog.Logger

	mu   sync.Mutex
	mode Mode
}

// NewSubscriber returns a subscriber for role. Admin observers poll the
// admin endpoint; everyone else polls the public snapshot.
func NewSubscriber(client *Client, conns *ConnManager, role string, pollInterval time.Duration) *Subscriber {
	fetch := client.Snapshot
	if role == RoleAdmin {
		fetch = client.AdminSnapshot
	}
	return &Subscriber{
		client:       client,
		conns:        conns,
		role:         role,
		pollInterval: pollInterval,
		fetch:        fetch,
		streamHTTP:   &http.Client{},
		log:          logging.Component("subscriber").With().Str("role", role).Logger(),
	}
}

// Mode returns the current mode.
func (s *Subscriber) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Run delivers events to sink until ctx is done.
func (s *Subscriber) Run(ctx context.Context, sink Sink) error {
	s.setMode(ModePush)
	metrics.TransportMode.Set(float64(ModePush))

	err := s.runPush(ctx, sink)
	if ctx.Err() != nil {
		return nil
	}
	s.degrade(ModeStream, err)

	err = s.runStream(ctx, sink)
	if ctx.Err() != nil {
		return nil
	}
	s.degrade(ModePoll, err)

	newPoller(s.fetch, s.pollInterval, func(updates []tracking.Update) {
		sink(Event{Kind: KindUpdate, Mode: ModePoll, Updates: updates})
	}).run(ctx)
	return nil
}

func (s *Subscriber) setMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

func (s *Subscriber) degrade(to Mode, cause error) {
	from := s.Mode()
	s.setMode(to)
	metrics.RecordTransition(from.String(), to.String(), int(to))
	s.log.Info().
		Err(cause).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("subscriber degraded")
}

// runPush returns when the push connection cannot be opened or drops.
func (s *Subscriber) runPush(ctx context.Context, sink Sink) error {
	conn, err := s.conns.Acquire(ctx, s.role)
	if err != nil {
		return err
	}
	defer s.conns.Release(s.role)

	decode := func(kind EventKind) Handler {
		return func(env wire.Envelope) {
			updates, recErrs, err := wire.Decode(env.Data)
			if err != nil {
				s.log.Warn().Err(err).Str("event", env.Event).Msg("undecodable push payload")
				return
			}
			logRecordErrors(s.log, env.Event, recErrs)
			if len(updates) > 0 {
				sink(Event{Kind: kind, Mode: ModePush, Updates: updates})
			}
		}
	}
	offs := []func(){
		conn.On(wire.EventUpdate, decode(KindUpdate)),
		conn.On(wire.EventStarted, decode(KindStarted)),
		conn.On(wire.EventStopped, func(env wire.Envelope) {
			var st wire.Stopped
			if err := json.Unmarshal(env.Data, &st); err != nil || st.CollectorID == "" {
				s.log.Warn().Err(err).Msg("undecodable stop payload")
				return
			}
			sink(Event{Kind: KindStopped, Mode: ModePush, CollectorID: st.CollectorID})
		}),
	}
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			return fmt.Errorf("push dropped: %w", err)
		}
		return errors.New("push dropped")
	}
}

func (s *Subscriber) runStream(ctx context.Context, sink Sink) error {
	return streamOnce(ctx, s.streamHTTP, s.client.StreamURL(), s.client.AuthHeader(),
		func(updates []tracking.Update, recErrs []*wire.RecordError) {
			logRecordErrors(s.log, "stream", recErrs)
			sink(Event{Kind: KindUpdate, Mode: ModeStream, Updates: updates})
		})
}
