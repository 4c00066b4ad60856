package models

import (
	"fmt"
	"math"
	"time"

	"github.com/ncfoa/geotrack/pkg/geo"
)

// Bounds enforced by NewLocationSample.
const (
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
	MaxSpeedKmh  = 300.0
)

// DeviceMeta carries device-level metadata captured alongside a sample. It is
// stripped from anything shown to non-owning subscribers.
type DeviceMeta struct {
	BatteryLevel float64 `json:"battery_level,omitempty"`
	NetworkType  string  `json:"network_type,omitempty"`
	Platform     string  `json:"platform,omitempty"`
}

// RawLocation is an unvalidated sample as received from a device or feed.
// Latitude, longitude and speed are pointers so that absent and zero values
// can be told apart.
type RawLocation struct {
	Latitude   *float64    `json:"latitude"`
	Longitude  *float64    `json:"longitude"`
	Accuracy   float64     `json:"accuracy"`
	Altitude   float64     `json:"altitude"`
	Bearing    float64     `json:"bearing"`
	Speed      *float64    `json:"speed"`
	CapturedAt time.Time   `json:"captured_at"`
	Meta       *DeviceMeta `json:"meta,omitempty"`
}

// LocationSample is a validated, normalized location fix. Treated as immutable
// once constructed.
type LocationSample struct {
	Latitude   float64     `json:"latitude"`
	Longitude  float64     `json:"longitude"`
	Accuracy   float64     `json:"accuracy"`
	Altitude   float64     `json:"altitude"`
	Bearing    float64     `json:"bearing"`
	SpeedKmh   float64     `json:"speed_kmh"`
	HasSpeed   bool        `json:"has_speed"`
	CapturedAt time.Time   `json:"captured_at"`
	Meta       *DeviceMeta `json:"meta,omitempty"`
}

// NewLocationSample validates and normalizes a raw sample. It is a pure
// function: rejected samples are never stored.
func NewLocationSample(raw RawLocation) (LocationSample, error) {
	if raw.Latitude == nil || raw.Longitude == nil {
		return LocationSample{}, fmt.Errorf("%w: latitude and longitude are required", ErrInvalidLocation)
	}
	lat, lon := *raw.Latitude, *raw.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return LocationSample{}, fmt.Errorf("%w: coordinates must be numbers", ErrInvalidLocation)
	}
	if lat < MinLatitude || lat > MaxLatitude {
		return LocationSample{}, fmt.Errorf("%w: latitude %v out of range [%v, %v]", ErrInvalidLocation, lat, MinLatitude, MaxLatitude)
	}
	if lon < MinLongitude || lon > MaxLongitude {
		return LocationSample{}, fmt.Errorf("%w: longitude %v out of range [%v, %v]", ErrInvalidLocation, lon, MinLongitude, MaxLongitude)
	}
	if math.IsNaN(raw.Accuracy) || raw.Accuracy < 0 {
		return LocationSample{}, fmt.Errorf("%w: accuracy %v must be >= 0", ErrInvalidLocation, raw.Accuracy)
	}

	sample := LocationSample{
		Latitude:   lat,
		Longitude:  lon,
		Accuracy:   raw.Accuracy,
		Altitude:   raw.Altitude,
		Bearing:    normalizeBearing(raw.Bearing),
		CapturedAt: raw.CapturedAt,
		Meta:       raw.Meta,
	}
	if raw.CapturedAt.IsZero() {
		sample.CapturedAt = time.Now().UTC()
	}
	if raw.Speed != nil {
		if math.IsNaN(*raw.Speed) || *raw.Speed < 0 || *raw.Speed > MaxSpeedKmh {
			return LocationSample{}, fmt.Errorf("%w: speed %v out of range [0, %v]", ErrInvalidLocation, *raw.Speed, MaxSpeedKmh)
		}
		sample.SpeedKmh = *raw.Speed
		sample.HasSpeed = true
	}
	return sample, nil
}

// Point returns the sample's coordinate.
func (s LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Latitude, Lon: s.Longitude}
}

// WithoutMeta returns a copy of the sample with device metadata removed.
func (s LocationSample) WithoutMeta() LocationSample {
	s.Meta = nil
	return s
}

func normalizeBearing(b float64) float64 {
	if math.IsNaN(b) {
		return 0
	}
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	return b
}
