// Package wire maps every payload shape the backend is known to send onto
// tracking.Update, and encodes the shapes the relay serves.
package wire

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"wastetrack/internal/geo"
	"wastetrack/internal/tracking"
)

var (
	// ErrUnknownShape is returned when the container is neither an object,
	// an array, nor a map of objects keyed by collector id.
	ErrUnknownShape = errors.New("unknown payload shape")

	ErrMissingID          = errors.New("missing collector id")
	ErrBadCoordinate      = errors.New("invalid coordinate")
	ErrIncompletePosition = errors.New("latitude and longitude must be given together")
	ErrBadTimestamp       = errors.New("invalid timestamp")
	ErrNotObject          = errors.New("record is not an object")
)

// RecordError reports one malformed record. Index is its position in an
// array payload, Key its key in a snapshot map.
type RecordError struct {
	Index int
	Key   string
	Err   error
}

func (e *RecordError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("record %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// recordKeys identify an object as a single record rather than a snapshot map.
var recordKeys = []string{
	"collectorId", "_id", "id",
	"latitude", "longitude",
	"lastKnownLocation", "realtimeLocation",
	"locationLat", "locationLng",
	"isOnline", "isAvailable", "collectorInfo",
	"vehicleNumber", "vehicleType", "timestamp",
}

// Decode parses raw JSON. Malformed records are skipped and reported; the
// rest are returned.
func Decode(data []byte) ([]tracking.Update, []*RecordError, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, nil, fmt.Errorf("decode payload: %w", err)
	}
	return DecodeValue(v)
}

// DecodeValue is Decode for an already parsed value.
func DecodeValue(v any) ([]tracking.Update, []*RecordError, error) {
	switch root := v.(type) {
	case nil:
		return nil, nil, nil
	case []any:
		return decodeArray(root)
	case map[string]any:
		if isRecord(root) {
			u, err := decodeRecord(root, "")
			if err != nil {
				return nil, []*RecordError{{Err: err}}, nil
			}
			return []tracking.Update{u}, nil, nil
		}
		return decodeMap(root)
	default:
		return nil, nil, fmt.Errorf("%w: %T", ErrUnknownShape, v)
	}
}

func isRecord(m map[string]any) bool {
	for _, k := range recordKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func decodeArray(arr []any) ([]tracking.Update, []*RecordError, error) {
	out := make([]tracking.Update, 0, len(arr))
	var errs []*RecordError
	for i, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			errs = append(errs, &RecordError{Index: i, Err: ErrNotObject})
			continue
		}
		u, err := decodeRecord(m, "")
		if err != nil {
			errs = append(errs, &RecordError{Index: i, Err: err})
			continue
		}
		out = append(out, u)
	}
	return out, errs, nil
}

func decodeMap(root map[string]any) ([]tracking.Update, []*RecordError, error) {
	keys := make([]string, 0, len(root))
	objects := 0
	for key, item := range root {
		keys = append(keys, key)
		if _, ok := item.(map[string]any); ok {
			objects++
		}
	}
	if len(root) > 0 && objects == 0 {
		return nil, nil, fmt.Errorf("%w: map holds no objects", ErrUnknownShape)
	}
	sort.Strings(keys)

	out := make([]tracking.Update, 0, objects)
	var errs []*RecordError
	for _, key := range keys {
		m, ok := root[key].(map[string]any)
		if !ok {
			errs = append(errs, &RecordError{Index: -1, Key: key, Err: ErrNotObject})
			continue
		}
		u, err := decodeRecord(m, key)
		if err != nil {
			errs = append(errs, &RecordError{Index: -1, Key: key, Err: err})
			continue
		}
		out = append(out, u)
	}
	return out, errs, nil
}

func decodeRecord(m map[string]any, fallbackID string) (tracking.Update, error) {
	info, _ := m["collectorInfo"].(map[string]any)

	u := tracking.Update{
		CollectorID:  firstString(m, "collectorId", "_id", "id"),
		VehicleLabel: firstString(m, "vehicleNumber", "vehicleLabel"),
		VehicleType:  stringFrom(m["vehicleType"]),
	}
	if u.CollectorID == "" {
		u.CollectorID = fallbackID
	}
	if u.CollectorID == "" {
		return tracking.Update{}, ErrMissingID
	}
	if u.VehicleLabel == "" {
		u.VehicleLabel = stringFrom(info["vehicleNumber"])
	}
	if u.VehicleType == "" {
		u.VehicleType = stringFrom(info["vehicleType"])
	}

	pos, nested, err := position(m)
	if err != nil {
		return tracking.Update{}, err
	}
	u.Position = pos

	tsRaw := firstPresent(m, "timestamp", "lastUpdated", "lastLocationUpdate")
	if tsRaw == nil && nested != nil {
		tsRaw = nested["timestamp"]
	}
	if u.Timestamp, err = parseTimestamp(tsRaw); err != nil {
		return tracking.Update{}, err
	}

	for _, src := range []any{m["isOnline"], info["isAvailable"], m["isAvailable"]} {
		if b, ok := src.(bool); ok {
			u.Online = tracking.Bool(b)
			break
		}
	}
	return u, nil
}

// position finds coordinates in the flat, nested admin, or legacy profile
// shape. The nested object it used, if any, is returned for its timestamp.
func position(m map[string]any) (*geo.Point, map[string]any, error) {
	if p, ok, err := pointFrom(m, "latitude", "longitude"); ok || err != nil {
		return p, nil, err
	}
	var firstErr error
	for _, key := range []string{"lastKnownLocation", "realtimeLocation"} {
		nested, _ := m[key].(map[string]any)
		if nested == nil {
			continue
		}
		p, ok, err := pointFrom(nested, "latitude", "longitude")
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok && p != nil {
			return p, nested, nil
		}
	}
	if firstErr != nil {
		return nil, nil, firstErr
	}
	p, _, err := pointFrom(m, "locationLat", "locationLng")
	return p, nil, err
}

// pointFrom reads a coordinate pair. ok is false when neither key is
// present. A (0,0) pair is treated as no fix.
func pointFrom(m map[string]any, latKey, lngKey string) (*geo.Point, bool, error) {
	latRaw, hasLat := m[latKey]
	lngRaw, hasLng := m[lngKey]
	if latRaw == nil {
		hasLat = false
	}
	if lngRaw == nil {
		hasLng = false
	}
	if !hasLat && !hasLng {
		return nil, false, nil
	}
	if hasLat != hasLng {
		return nil, true, ErrIncompletePosition
	}
	lat, err := floatFrom(latRaw)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", latKey, err)
	}
	lng, err := floatFrom(lngRaw)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", lngKey, err)
	}
	p := geo.Point{Latitude: lat, Longitude: lng}
	if !p.Valid() {
		return nil, true, fmt.Errorf("%w: %s", ErrBadCoordinate, p)
	}
	if p.IsNull() {
		return nil, true, nil
	}
	return &p, true, nil
}

func floatFrom(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, ErrBadCoordinate
		}
		return f, nil
	default:
		return 0, ErrBadCoordinate
	}
}

// parseTimestamp accepts RFC 3339 strings and millisecond epochs, either as
// numbers or numeric strings. A missing value yields the zero time.
func parseTimestamp(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return fromMillis(x)
	case string:
		x = strings.TrimSpace(x)
		if x == "" {
			return time.Time{}, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t, nil
		}
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return fromMillis(f)
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, x)
	default:
		return time.Time{}, fmt.Errorf("%w: %T", ErrBadTimestamp, v)
	}
}

func fromMillis(ms float64) (time.Time, error) {
	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, ms)
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func stringFrom(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringFrom(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
