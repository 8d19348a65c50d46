package wire

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"wastetrack/internal/geo"
	"wastetrack/internal/tracking"
)

// ContentTypeProtobuf is the media type of a GTFS-RT snapshot.
const ContentTypeProtobuf = "application/x-protobuf"

// DecodeFeed reads a GTFS-RT FeedMessage. Entities without a vehicle id
// are reported; entities without a position become metadata-only updates.
// The feed only lists available collectors, so every positioned entity
// decodes as online. Vehicle type has no GTFS-RT field and is never set.
func DecodeFeed(body []byte) ([]tracking.Update, []*RecordError, error) {
	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(body, &feed); err != nil {
		return nil, nil, fmt.Errorf("decode gtfs-rt: %w", err)
	}
	updates := make([]tracking.Update, 0, len(feed.Entity))
	var errs []*RecordError
	for i, ent := range feed.Entity {
		if ent == nil || ent.Vehicle == nil {
			continue
		}
		vp := ent.Vehicle
		id := vp.GetVehicle().GetId()
		if id == "" {
			id = ent.GetId()
		}
		if id == "" {
			errs = append(errs, &RecordError{Index: i, Err: ErrMissingID})
			continue
		}
		u := tracking.Update{
			CollectorID:  id,
			VehicleLabel: vp.GetVehicle().GetLabel(),
		}
		if pos := vp.GetPosition(); pos != nil {
			p := geo.Point{Latitude: float64(pos.GetLatitude()), Longitude: float64(pos.GetLongitude())}
			if !p.Valid() {
				errs = append(errs, &RecordError{Index: i, Key: id, Err: ErrBadCoordinate})
				continue
			}
			if !p.IsNull() {
				u.Position = &p
				u.Online = tracking.Bool(true)
			}
		}
		if ts := vp.GetTimestamp(); ts > 0 {
			u.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
		updates = append(updates, u)
	}
	return updates, errs, nil
}

// EncodeFeed writes available states as a FULL_DATASET FeedMessage.
// Offline collectors are left out: VehiclePosition has no field for them.
// Vehicle type is not carried.
func EncodeFeed(states []tracking.CollectorState, now time.Time) ([]byte, error) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, st := range states {
		if !st.Available() {
			continue
		}
		vp := &gtfs.VehiclePosition{
			Vehicle: &gtfs.VehicleDescriptor{Id: proto.String(st.CollectorID)},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(float32(st.Position.Latitude)),
				Longitude: proto.Float32(float32(st.Position.Longitude)),
			},
		}
		if st.VehicleLabel != "" {
			vp.Vehicle.Label = proto.String(st.VehicleLabel)
		}
		if !st.LastUpdate.IsZero() {
			vp.Timestamp = proto.Uint64(uint64(st.LastUpdate.Unix()))
		}
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id:      proto.String(st.CollectorID),
			Vehicle: vp,
		})
	}
	b, err := proto.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("encode gtfs-rt: %w", err)
	}
	return b, nil
}
