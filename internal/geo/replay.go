package geo

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
)

// Track is the on-disk format read by ReplayDevice:
//
//	interval: 2s
//	loop: true
//	points:
//	  - {latitude: 13.4549, longitude: -16.5790, accuracy: 8}
//	  - {error: timeout}
type Track struct {
	Interval string       `yaml:"interval"`
	Loop     bool         `yaml:"loop"`
	Points   []TrackPoint `yaml:"points"`
}

// TrackPoint is either a position or an injected failure.
type TrackPoint struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Accuracy  float64 `yaml:"accuracy"`
	Error     string  `yaml:"error"` // permission_denied, unavailable, timeout
}

func (tp TrackPoint) reading(now time.Time) Reading {
	switch strings.ToLower(tp.Error) {
	case "":
		return Reading{Sample: Sample{
			Point:     Point{Latitude: tp.Latitude, Longitude: tp.Longitude},
			Accuracy:  tp.Accuracy,
			Timestamp: now,
		}}
	case "permission_denied":
		return Reading{Err: ErrPermissionDenied}
	case "timeout":
		return Reading{Err: ErrTimeout}
	default:
		return Reading{Err: ErrPositionUnavailable}
	}
}

// ReplayDevice walks a recorded track. Each request or watch tick consumes
// the next point.
type ReplayDevice struct {
	points   []TrackPoint
	interval time.Duration
	loop     bool
	now      func() time.Time

	mu  sync.Mutex
	pos int
}

// LoadTrack reads a YAML track file.
func LoadTrack(path string) (*ReplayDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read track: %w", err)
	}
	return ParseTrack(data)
}

// ParseTrack builds a ReplayDevice from YAML.
func ParseTrack(data []byte) (*ReplayDevice, error) {
	var t Track
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse track: %w", err)
	}
	return NewReplayDevice(t)
}

// NewReplayDevice validates t and returns a device for it.
func NewReplayDevice(t Track) (*ReplayDevice, error) {
	if len(t.Points) == 0 {
		return nil, fmt.Errorf("track has no points")
	}
	interval := time.Second
	if t.Interval != "" {
		d, err := time.ParseDuration(t.Interval)
		if err != nil {
			return nil, fmt.Errorf("track interval: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("track interval must be positive, got %s", d)
		}
		interval = d
	}
	for i, p := range t.Points {
		if p.Error == "" && !(Point{p.Latitude, p.Longitude}).Valid() {
			return nil, fmt.Errorf("track point %d out of range", i)
		}
	}
	return &ReplayDevice{
		points:   t.Points,
		interval: interval,
		loop:     t.Loop,
		now:      time.Now,
	}, nil
}

// next returns the next point, or false once a non-looping track is done.
func (d *ReplayDevice) next() (TrackPoint, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.points) {
		if !d.loop {
			return TrackPoint{}, false
		}
		d.pos = 0
	}
	p := d.points[d.pos]
	d.pos++
	return p, true
}

// CurrentPosition implements Device.
func (d *ReplayDevice) CurrentPosition(ctx context.Context, _ Options) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	p, ok := d.next()
	if !ok {
		return Sample{}, NewPositionError(CodePositionUnavailable, "track exhausted")
	}
	r := p.reading(d.now())
	return r.Sample, r.Err
}

// WatchPosition implements Device. The first point is delivered at once.
func (d *ReplayDevice) WatchPosition(ctx context.Context, _ Options) <-chan Reading {
	out := make(chan Reading, 1)
	go func() {
		defer close(out)
		t := time.NewTimer(0)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			p, ok := d.next()
			if !ok {
				return
			}
			select {
			case out <- p.reading(d.now()):
			case <-ctx.Done():
				return
			}
			t.Reset(d.interval)
		}
	}()
	return out
}

// FixedDevice always reports the same point, or Err when set.
type FixedDevice struct {
	Point    Point
	Accuracy float64
	Err      error
	Interval time.Duration // watch tick, default 1s
}

// CurrentPosition implements Device.
func (d *FixedDevice) CurrentPosition(ctx context.Context, _ Options) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if d.Err != nil {
		return Sample{}, d.Err
	}
	return Sample{Point: d.Point, Accuracy: d.Accuracy, Timestamp: time.Now()}, nil
}

// WatchPosition implements Device.
func (d *FixedDevice) WatchPosition(ctx context.Context, opts Options) <-chan Reading {
	interval := d.Interval
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Reading, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s, err := d.CurrentPosition(ctx, opts)
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- Reading{Sample: s, Err: err}:
			case <-ctx.Done():
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}
