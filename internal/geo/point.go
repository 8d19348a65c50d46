package geo

import (
	"fmt"
	"math"
)

// EarthRadius is the mean earth radius in meters used for every distance.
const EarthRadius = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Valid reports whether the point lies within coordinate bounds.
func (p Point) Valid() bool {
	return !math.IsNaN(p.Latitude) && !math.IsNaN(p.Longitude) &&
		p.Latitude >= -90 && p.Latitude <= 90 &&
		p.Longitude >= -180 && p.Longitude <= 180
}

// IsNull reports the (0,0) placeholder some sources send instead of omitting
// a position.
func (p Point) IsNull() bool {
	return p.Latitude == 0 && p.Longitude == 0
}

func (p Point) String() string {
	return fmt.Sprintf("%.5f,%.5f", p.Latitude, p.Longitude)
}

// Distance returns the great-circle distance in meters.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Latitude)
	lat2 := radians(b.Latitude)
	dLat := radians(b.Latitude - a.Latitude)
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Destination returns the point reached by travelling meters from p along
// the initial bearing (degrees clockwise from north).
func Destination(p Point, bearing, meters float64) Point {
	d := meters / EarthRadius
	brng := radians(bearing)
	lat1 := radians(p.Latitude)
	lon1 := radians(p.Longitude)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(math.Sin(brng)*math.Sin(d)*math.Cos(lat1), math.Cos(d)-math.Sin(lat1)*math.Sin(lat2))

	return Point{
		Latitude:  degrees(lat2),
		Longitude: math.Mod(degrees(lon2)+540, 360) - 180,
	}
}

func radians(d float64) float64 { return d * math.Pi / 180 }
func degrees(r float64) float64 { return r * 180 / math.Pi }
