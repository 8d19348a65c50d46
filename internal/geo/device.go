package geo

import (
	"context"
	"time"
)

// Options mirror the knobs of a platform position request.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

var (
	// PreciseOptions is used for the first attempt and for watching.
	PreciseOptions = Options{HighAccuracy: true, Timeout: 15 * time.Second, MaximumAge: 5 * time.Second}

	// RelaxedOptions is used once after a precise request timed out.
	RelaxedOptions = Options{HighAccuracy: false, Timeout: 30 * time.Second, MaximumAge: time.Minute}

	// SelfLocateOptions is used for a resident's own position.
	SelfLocateOptions = Options{HighAccuracy: true, Timeout: 10 * time.Second, MaximumAge: 10 * time.Minute}
)

// Sample is one position fix.
type Sample struct {
	Point
	Accuracy  float64   // meters, 0 if unknown
	Timestamp time.Time // when the fix was taken
}

// Reading is delivered by a watch: either a sample or an error.
type Reading struct {
	Sample Sample
	Err    error
}

// Device is a source of position fixes.
//
// WatchPosition delivers readings until ctx is done and then closes the
// channel. A device may also close the channel early when it has nothing
// more to report.
type Device interface {
	CurrentPosition(ctx context.Context, opts Options) (Sample, error)
	WatchPosition(ctx context.Context, opts Options) <-chan Reading
}

// Locator answers one-shot position requests.
type Locator interface {
	Current(ctx context.Context, opts Options) (Sample, error)
}
