// Package tracking holds the last-known state of every collector.
package tracking

import (
	"time"

	"wastetrack/internal/geo"
)

// CollectorState is the normalized view of one collector.
type CollectorState struct {
	CollectorID string     `json:"collectorId"`
	Position    *geo.Point `json:"position,omitempty"`
	// LastUpdate is when the position was sampled, not when it arrived.
	LastUpdate time.Time `json:"lastUpdate,omitempty"`
	// ReceivedAt ages out entries that never reported a position.
	ReceivedAt   time.Time `json:"-"`
	VehicleLabel string    `json:"vehicleLabel,omitempty"`
	VehicleType  string    `json:"vehicleType,omitempty"`
	Online       bool      `json:"isOnline"`
}

// Available reports whether the collector can be shown as working.
func (s CollectorState) Available() bool {
	return s.Position != nil && s.Online
}

// Label returns the vehicle label or a generic fallback.
func (s CollectorState) Label() string {
	if s.VehicleLabel != "" {
		return s.VehicleLabel
	}
	return "Truck"
}

func (s CollectorState) clone() CollectorState {
	if s.Position != nil {
		p := *s.Position
		s.Position = &p
	}
	return s
}

// sameAs compares everything callers can observe except ReceivedAt.
func (s CollectorState) sameAs(o CollectorState) bool {
	if (s.Position == nil) != (o.Position == nil) {
		return false
	}
	if s.Position != nil && *s.Position != *o.Position {
		return false
	}
	return s.CollectorID == o.CollectorID &&
		s.LastUpdate.Equal(o.LastUpdate) &&
		s.VehicleLabel == o.VehicleLabel &&
		s.VehicleType == o.VehicleType &&
		s.Online == o.Online
}

// Update is one normalized record to merge into a registry. Empty strings
// and a nil Position mean "not provided".
type Update struct {
	CollectorID  string
	Position     *geo.Point
	Timestamp    time.Time
	VehicleLabel string
	VehicleType  string
	// Online is nil when the source did not say.
	Online *bool
}

// Bool returns a pointer to b, for Update.Online.
func Bool(b bool) *bool { return &b }
