// Package geo provides the spherical geometry primitives used by the tracking core.
// All distances are great-circle distances on a sphere with the Earth's mean radius;
// polygon containment operates directly on (longitude, latitude) pairs.
package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the Earth's mean radius in meters.
const EarthRadiusMeters = 6371000.0

// Point is a geographic coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	p1 := s2.LatLngFromDegrees(a.Lat, a.Lon)
	p2 := s2.LatLngFromDegrees(b.Lat, b.Lon)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// DestinationPoint returns the point reached by travelling distanceMeters from p
// along the given initial bearing (degrees clockwise from north).
func DestinationPoint(p Point, bearingDeg, distanceMeters float64) Point {
	bearing := bearingDeg * math.Pi / 180
	angular := distanceMeters / EarthRadiusMeters

	lat1 := p.Lat * math.Pi / 180
	lon1 := p.Lon * math.Pi / 180

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) +
		math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
	lon2 := lon1 + math.Atan2(
		math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2))

	return Point{
		Lat: lat2 * 180 / math.Pi,
		Lon: normalizeLon(lon2 * 180 / math.Pi),
	}
}

// Bearing returns the initial bearing from a to b in degrees [0, 360).
func Bearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// PointInRing reports whether p lies inside the closed ring using the even-odd
// rule over (longitude, latitude) pairs. Points on an edge or vertex count as
// inside. The ring may be given open or closed; a trailing duplicate of the
// first vertex is ignored.
func PointInRing(p Point, ring []Point) bool {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		ring = ring[:n-1]
		n--
	}
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[j], ring[i]

		if onSegment(p, a, b) {
			return true
		}

		// Even-odd ray cast along the +longitude axis.
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			xCross := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

const onSegmentEps = 1e-12

// onSegment reports whether p lies on the segment between a and b in (lon, lat)
// coordinate space.
func onSegment(p, a, b Point) bool {
	cross := (b.Lon-a.Lon)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lon-a.Lon)
	if math.Abs(cross) > onSegmentEps {
		return false
	}
	if p.Lon < math.Min(a.Lon, b.Lon)-onSegmentEps || p.Lon > math.Max(a.Lon, b.Lon)+onSegmentEps {
		return false
	}
	if p.Lat < math.Min(a.Lat, b.Lat)-onSegmentEps || p.Lat > math.Max(a.Lat, b.Lat)+onSegmentEps {
		return false
	}
	return true
}

func normalizeLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
