// Package geo acquires device positions and does great-circle math.
package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
)

// DefaultRestartDelay is the pause before a timed-out watch is restarted
// with relaxed options.
const DefaultRestartDelay = 2 * time.Second

// Sampler wraps a Device with the retry policy and a last-known slot.
//
// Only the freshest sample is kept; callers that miss a sample simply see
// the next one.
type Sampler struct {
	device Device
	log    zerolog.Logger
	now    func() time.Time

	// RestartDelay overrides DefaultRestartDelay when non-zero.
	RestartDelay time.Duration

	mu   sync.RWMutex
	last *Sample
}

// NewSampler returns a sampler reading from d.
func NewSampler(d Device) *Sampler {
	return &Sampler{
		device: d,
		log:    logging.Component("geo"),
		now:    time.Now,
	}
}

// LastKnown returns the freshest sample seen so far.
func (s *Sampler) LastKnown() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Sample{}, false
	}
	return *s.last, true
}

func (s *Sampler) store(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	s.mu.Lock()
	if s.last == nil || !sample.Timestamp.Before(s.last.Timestamp) {
		s.last = &sample
	}
	s.mu.Unlock()
}

// Current performs one position request with opts. A last-known sample no
// older than opts.MaximumAge is returned without asking the device.
func (s *Sampler) Current(ctx context.Context, opts Options) (Sample, error) {
	if opts.MaximumAge > 0 {
		if last, ok := s.LastKnown(); ok && s.now().Sub(last.Timestamp) <= opts.MaximumAge {
			return last, nil
		}
	}

	cctx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	sample, err := s.device.CurrentPosition(cctx, opts)
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return Sample{}, ErrTimeout
		}
		return Sample{}, err
	}
	s.store(sample)
	return sample, nil
}

// InitialFix gets a first position. A timeout is retried once with relaxed
// options; permission and availability failures are returned immediately.
func (s *Sampler) InitialFix(ctx context.Context) (Sample, error) {
	sample, err := s.Current(ctx, PreciseOptions)
	if err == nil {
		return sample, nil
	}
	if !errors.Is(err, ErrTimeout) {
		return Sample{}, err
	}
	s.log.Info().Msg("precise fix timed out, retrying with relaxed accuracy")
	return s.Current(ctx, RelaxedOptions)
}

// Watch streams samples to fn until ctx is done, the device stops, or the
// device reports permission denied. On the first timeout the watch is torn
// down and restarted once with relaxed options. Other errors are logged and
// the watch continues.
func (s *Sampler) Watch(ctx context.Context, fn func(Sample)) error {
	opts := PreciseOptions
	restarted := false

	for {
		wctx, cancel := context.WithCancel(ctx)
		readings := s.device.WatchPosition(wctx, opts)
		restart, err := s.consume(ctx, readings, fn, restarted)
		cancel()

		if err != nil || !restart {
			return err
		}

		restarted = true
		opts = RelaxedOptions
		s.log.Info().Msg("watch timed out, restarting with relaxed accuracy")

		t := time.NewTimer(s.restartDelay())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// consume drains one watch. It reports restart=true on the first timeout
// when no restart has happened yet.
func (s *Sampler) consume(ctx context.Context, readings <-chan Reading, fn func(Sample), restarted bool) (restart bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case r, ok := <-readings:
			if !ok {
				return false, nil
			}
			if r.Err == nil {
				s.store(r.Sample)
				if fn != nil {
					fn(r.Sample)
				}
				continue
			}
			switch {
			case errors.Is(r.Err, ErrPermissionDenied):
				return false, r.Err
			case errors.Is(r.Err, ErrTimeout) && !restarted:
				return true, nil
			default:
				s.log.Warn().Err(r.Err).Msg("watch error")
			}
		}
	}
}

func (s *Sampler) restartDelay() time.Duration {
	if s.RestartDelay > 0 {
		return s.RestartDelay
	}
	return DefaultRestartDelay
}
