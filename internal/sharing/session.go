// Package sharing runs a collector's location sharing session: an initial
// fix, a continuous device watch, and the periodic publisher, with the
// on/off state persisted so sharing resumes after a restart.
package sharing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wastetrack/internal/geo"
	"wastetrack/internal/logging"
	"wastetrack/internal/notify"
	"wastetrack/internal/store"
	"wastetrack/internal/transport"
)

const offlineTimeout = 5 * time.Second

// ErrAlreadySharing is returned by Start on an active session.
var ErrAlreadySharing = errors.New("sharing already active")

// FlagStore persists the sharing flag.
type FlagStore interface {
	SetFlag(ctx context.Context, key string, on bool) error
	Flag(ctx context.Context, key string) (bool, error)
}

// Session is one collector's sharing lifecycle.
type Session struct {
	collectorID string
	sampler     *geo.Sampler
	publisher   *transport.Publisher
	conns       *transport.ConnManager
	flags       FlagStore
	toaster     notify.Toaster
	log         zerolog.Logger

	mu    sync.Mutex
	cur   *run
	ended chan struct{}
}

type run struct {
	cancel context.CancelFunc
	loops  chan struct{} // closed when watch and sender have returned
	ended  chan struct{} // closed after teardown
	err    error
}

// New returns an idle session.
func New(collectorID string, sampler *geo.Sampler, publisher *transport.Publisher, conns *transport.ConnManager, flags FlagStore, toaster notify.Toaster) *Session {
	return &Session{
		collectorID: collectorID,
		sampler:     sampler,
		publisher:   publisher,
		conns:       conns,
		flags:       flags,
		toaster:     toaster,
		log:         logging.Component("sharing").With().Str("collector_id", collectorID).Logger(),
	}
}

// Active reports whether the session is sharing.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// Ended is closed once the latest session has been torn down, either by
// Stop or because the device failed. Before the first start the returned
// channel is already closed.
func (s *Session) Ended() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.ended
}

// Start asks for an initial fix and begins sharing. A denied permission
// aborts the start. Any other acquisition failure is reported as a warning
// and sharing continues, waiting for the watch to deliver a position.
func (s *Session) Start(ctx context.Context) error {
	if s.Active() {
		return ErrAlreadySharing
	}

	sample, err := s.sampler.InitialFix(ctx)
	switch {
	case errors.Is(err, geo.ErrPermissionDenied):
		s.toaster.Toast(notify.LevelError, "Location permission denied. Enable location access to share your position.")
		return fmt.Errorf("start sharing: %w", err)
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Warn().Err(err).Msg("initial fix failed, sharing anyway")
		s.toaster.Toast(notify.LevelWarning, "Could not get your location yet. Sharing will continue once a position is available.")
	default:
		if path, err := s.publisher.PublishOnce(ctx, sample); err != nil {
			s.log.Warn().Err(err).Msg("initial publish failed")
		} else {
			s.log.Debug().Str("path", path).Msg("initial fix published")
		}
	}

	if err := s.flags.SetFlag(ctx, store.KeySharing, true); err != nil {
		s.log.Warn().Err(err).Msg("could not persist sharing flag")
	}
	if !s.launch() {
		return ErrAlreadySharing
	}
	s.toaster.Toast(notify.LevelSuccess, "Location sharing started")
	s.log.Info().Msg("sharing started")
	return nil
}

// Restore resumes sharing when the persisted flag says it was left on. It
// skips the initial fix so the user is not prompted again.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	on, err := s.flags.Flag(ctx, store.KeySharing)
	if err != nil {
		return false, fmt.Errorf("read sharing flag: %w", err)
	}
	if !on {
		return false, nil
	}
	if !s.launch() {
		return true, nil
	}
	s.log.Info().Msg("sharing restored")
	return true, nil
}

// Stop ends sharing. Watch and sender are stopped before it returns; the
// offline report is best effort.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		return s.stopDetached(ctx)
	}

	r.cancel()
	<-r.loops
	err := s.teardown(ctx)
	close(r.ended)
	s.toaster.Toast(notify.LevelInfo, "Location sharing stopped")
	s.log.Info().Msg("sharing stopped")
	return err
}

// stopDetached ends a session left on by an earlier process.
func (s *Session) stopDetached(ctx context.Context) error {
	on, err := s.flags.Flag(ctx, store.KeySharing)
	if err != nil {
		return fmt.Errorf("read sharing flag: %w", err)
	}
	if !on {
		return nil
	}
	err = s.teardown(ctx)
	s.toaster.Toast(notify.LevelInfo, "Location sharing stopped")
	s.log.Info().Msg("detached sharing stopped")
	return err
}

// Detach stops the watch and sender but leaves sharing on: the flag stays
// set and no offline report is sent, so the next Restore picks it up. A
// process exiting detaches; only Stop ends sharing.
func (s *Session) Detach() {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	<-r.loops
	s.publisher.Release()
	if err := s.conns.Close(transport.RoleCollector); err != nil {
		s.log.Debug().Err(err).Msg("close push connection")
	}
	close(r.ended)
	s.log.Info().Msg("sharing detached")
}

func (s *Session) launch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, loops: make(chan struct{}), ended: make(chan struct{})}
	s.cur = r
	s.ended = r.ended

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.sampler.Watch(ctx, nil); err != nil {
			s.mu.Lock()
			r.err = err
			s.mu.Unlock()
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		_ = s.publisher.Serve(ctx)
	}()
	go func() {
		wg.Wait()
		close(r.loops)
		s.finish(r)
	}()
	return true
}

// finish tears down a run that ended on its own.
func (s *Session) finish(r *run) {
	s.mu.Lock()
	failed := r.err
	owned := failed != nil && s.cur == r
	if owned {
		s.cur = nil
	}
	s.mu.Unlock()
	if !owned {
		return
	}

	s.log.Error().Err(failed).Msg("sharing ended by device")
	if errors.Is(failed, geo.ErrPermissionDenied) {
		s.toaster.Toast(notify.LevelError, "Location permission was revoked. Sharing stopped.")
	} else {
		s.toaster.Toast(notify.LevelError, "Location tracking failed. Sharing stopped.")
	}
	if err := s.teardown(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("teardown after failure")
	}
	close(r.ended)
}

func (s *Session) teardown(ctx context.Context) error {
	var errs []error
	if err := s.flags.SetFlag(ctx, store.KeySharing, false); err != nil {
		errs = append(errs, fmt.Errorf("clear sharing flag: %w", err))
	}

	octx, cancel := context.WithTimeout(ctx, offlineTimeout)
	if err := s.publisher.PublishOffline(octx); err != nil {
		s.log.Warn().Err(err).Msg("offline report failed")
	}
	cancel()

	s.publisher.Release()
	if err := s.conns.Close(transport.RoleCollector); err != nil {
		errs = append(errs, fmt.Errorf("close push connection: %w", err))
	}
	return errors.Join(errs...)
}
