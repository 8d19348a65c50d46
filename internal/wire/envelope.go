package wire

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"wastetrack/internal/geo"
	"wastetrack/internal/tracking"
)

// Push connection events.
const (
	EventLocation = "collector:location" // collector -> relay
	EventOffline  = "collector:offline"  // collector -> relay
	EventUpdate   = "collector:update"   // relay -> observers, object or array
	EventStarted  = "collector:started"  // relay -> observers
	EventStopped  = "collector:stopped"  // relay -> observers
)

// Envelope frames every websocket message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope marshals data under event.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// DecodeEnvelope parses a websocket frame.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event")
	}
	return env, nil
}

// Record is the flat collector record served by the snapshot, nearby and
// push endpoints.
type Record struct {
	CollectorID   string   `json:"collectorId"`
	Latitude      *float64 `json:"latitude,omitempty"`
	Longitude     *float64 `json:"longitude,omitempty"`
	Timestamp     string   `json:"timestamp,omitempty"`
	VehicleNumber string   `json:"vehicleNumber,omitempty"`
	VehicleType   string   `json:"vehicleType,omitempty"`
	IsOnline      bool     `json:"isOnline"`
}

// LocationReport is what a collector sends. CollectorID travels in the
// X-Collector-ID header on the HTTP path and in the body over push.
type LocationReport struct {
	CollectorID   string   `json:"collectorId,omitempty" validate:"omitempty,max=128"`
	Latitude      *float64 `json:"latitude,omitempty" validate:"omitempty,latitude"`
	Longitude     *float64 `json:"longitude,omitempty" validate:"omitempty,longitude"`
	Timestamp     string   `json:"timestamp,omitempty"`
	IsOnline      *bool    `json:"isOnline,omitempty"`
	VehicleNumber string   `json:"vehicleNumber,omitempty" validate:"omitempty,max=64"`
	VehicleType   string   `json:"vehicleType,omitempty" validate:"omitempty,max=64"`
}

// Stopped is the payload of collector:stopped.
type Stopped struct {
	CollectorID string `json:"collectorId"`
}

// FormatTime renders timestamps the way every endpoint emits them.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// FromState converts a registry entry into its flat record.
func FromState(st tracking.CollectorState) Record {
	r := Record{
		CollectorID:   st.CollectorID,
		Timestamp:     FormatTime(st.LastUpdate),
		VehicleNumber: st.VehicleLabel,
		VehicleType:   st.VehicleType,
		IsOnline:      st.Online,
	}
	if st.Position != nil {
		lat, lng := st.Position.Latitude, st.Position.Longitude
		r.Latitude, r.Longitude = &lat, &lng
	}
	return r
}

// SnapshotMap keys flat records by collector id.
func SnapshotMap(states []tracking.CollectorState) map[string]Record {
	out := make(map[string]Record, len(states))
	for _, st := range states {
		out[st.CollectorID] = FromState(st)
	}
	return out
}

// AdminRecord is the nested shape served to administrators.
type AdminRecord struct {
	ID                string         `json:"_id"`
	CollectorID       string         `json:"collectorId"`
	CollectorInfo     AdminInfo      `json:"collectorInfo"`
	LastKnownLocation *AdminLocation `json:"lastKnownLocation,omitempty"`
	IsAvailable       bool           `json:"isAvailable"`
}

type AdminInfo struct {
	VehicleNumber string `json:"vehicleNumber,omitempty"`
	VehicleType   string `json:"vehicleType,omitempty"`
	IsAvailable   bool   `json:"isAvailable"`
}

type AdminLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// ToAdmin converts a registry entry into the admin shape.
func ToAdmin(st tracking.CollectorState) AdminRecord {
	r := AdminRecord{
		ID:          st.CollectorID,
		CollectorID: st.CollectorID,
		CollectorInfo: AdminInfo{
			VehicleNumber: st.VehicleLabel,
			VehicleType:   st.VehicleType,
			IsAvailable:   st.Available(),
		},
		IsAvailable: st.Available(),
	}
	if st.Position != nil {
		r.LastKnownLocation = &AdminLocation{
			Latitude:  st.Position.Latitude,
			Longitude: st.Position.Longitude,
			Timestamp: FormatTime(st.LastUpdate),
		}
	}
	return r
}

// ToUpdate converts a report into a registry update for collectorID.
func (r LocationReport) ToUpdate(collectorID string) (tracking.Update, error) {
	m := map[string]any{"collectorId": collectorID}
	if r.Latitude != nil {
		m["latitude"] = *r.Latitude
	}
	if r.Longitude != nil {
		m["longitude"] = *r.Longitude
	}
	if r.Timestamp != "" {
		m["timestamp"] = r.Timestamp
	}
	if r.IsOnline != nil {
		m["isOnline"] = *r.IsOnline
	}
	if r.VehicleNumber != "" {
		m["vehicleNumber"] = r.VehicleNumber
	}
	if r.VehicleType != "" {
		m["vehicleType"] = r.VehicleType
	}
	return decodeRecord(m, "")
}

// NewReport builds an online location report for a sample.
func NewReport(collectorID string, s geo.Sample) LocationReport {
	lat, lng := s.Latitude, s.Longitude
	online := true
	return LocationReport{
		CollectorID: collectorID,
		Latitude:    &lat,
		Longitude:   &lng,
		Timestamp:   FormatTime(s.Timestamp),
		IsOnline:    &online,
	}
}

// OfflineReport marks collectorID as no longer sharing.
func OfflineReport(collectorID string) LocationReport {
	online := false
	return LocationReport{CollectorID: collectorID, IsOnline: &online}
}
