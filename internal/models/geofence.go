package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ncfoa/geotrack/pkg/geo"
)

// GeofenceType classifies what a geofence is used for.
type GeofenceType string

const (
	GeofencePickup     GeofenceType = "pickup"
	GeofenceDelivery   GeofenceType = "delivery"
	GeofenceRestricted GeofenceType = "restricted"
	GeofenceSafeZone   GeofenceType = "safe_zone"
)

// GeofenceEventType is the kind of boundary transition that occurred.
type GeofenceEventType string

const (
	GeofenceEnter GeofenceEventType = "enter"
	GeofenceExit  GeofenceEventType = "exit"
	GeofenceDwell GeofenceEventType = "dwell"
)

// DefaultDwellThreshold applies when a geofence does not configure its own.
const DefaultDwellThreshold = 300 * time.Second

// Circle is a circular region around a center point.
type Circle struct {
	Center       geo.Point `json:"center"`
	RadiusMeters float64   `json:"radius_meters"`
}

// Polygon is a closed ring of vertices. The ring may be stored open; the
// containment test closes it implicitly.
type Polygon struct {
	Ring []geo.Point `json:"ring"`
}

// ActiveWindow restricts a geofence to a time interval. When Timezone is set,
// the wall-clock fields of Start and End are read in that zone, so a window
// authored as "09:00 to 17:00" holds local time regardless of the zone the
// bounds were parsed in. A zero window never excludes.
type ActiveWindow struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Timezone string    `json:"timezone,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w ActiveWindow) Contains(t time.Time) bool {
	if w.Start.IsZero() && w.End.IsZero() {
		return true
	}
	start, end := w.Start, w.End
	if w.Timezone != "" {
		if loc, err := time.LoadLocation(w.Timezone); err == nil {
			start = rebase(start, loc)
			end = rebase(end, loc)
		}
	}
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

// rebase reinterprets a bound's wall-clock fields in the given zone.
func rebase(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// NotificationPolicy selects which transitions a geofence reports.
type NotificationPolicy struct {
	OnEntry        bool          `json:"on_entry"`
	OnExit         bool          `json:"on_exit"`
	OnDwell        bool          `json:"on_dwell"`
	DwellThreshold time.Duration `json:"dwell_threshold"`
}

// Wants reports whether the policy asks for events of the given type. A zero
// policy (no flag set) reports every transition.
func (p NotificationPolicy) Wants(t GeofenceEventType) bool {
	if !p.OnEntry && !p.OnExit && !p.OnDwell {
		return true
	}
	switch t {
	case GeofenceEnter:
		return p.OnEntry
	case GeofenceExit:
		return p.OnExit
	case GeofenceDwell:
		return p.OnDwell
	default:
		return false
	}
}

// Geofence is a named region whose boundary crossings are detected. Exactly
// one of Circle or Polygon is set.
type Geofence struct {
	ID         string             `json:"id"`
	Name       string             `json:"name,omitempty"`
	Type       GeofenceType       `json:"type"`
	DeliveryID string             `json:"delivery_id,omitempty"`
	Circle     *Circle            `json:"circle,omitempty"`
	Polygon    *Polygon           `json:"polygon,omitempty"`
	Window     ActiveWindow       `json:"window"`
	Notify     NotificationPolicy `json:"notify"`
	Active     bool               `json:"active"`
}

// NewGeofence validates the shape invariants and assigns an ID when absent.
func NewGeofence(gf Geofence) (Geofence, error) {
	if (gf.Circle == nil) == (gf.Polygon == nil) {
		return Geofence{}, fmt.Errorf("geofence must have exactly one of circle or polygon")
	}
	if gf.Circle != nil && gf.Circle.RadiusMeters <= 0 {
		return Geofence{}, fmt.Errorf("circle radius must be > 0, got %v", gf.Circle.RadiusMeters)
	}
	if gf.Polygon != nil {
		if distinctVertices(gf.Polygon.Ring) < 3 {
			return Geofence{}, fmt.Errorf("polygon ring needs at least 3 distinct vertices")
		}
	}
	if gf.ID == "" {
		gf.ID = uuid.New().String()
	}
	return gf, nil
}

// ContainsPoint reports whether p lies inside the geofence's region. Circle
// membership uses great-circle distance; polygon membership is
// boundary-inclusive even-odd.
func (g *Geofence) ContainsPoint(p geo.Point) bool {
	switch {
	case g.Circle != nil:
		return geo.Distance(p, g.Circle.Center) <= g.Circle.RadiusMeters
	case g.Polygon != nil:
		return geo.PointInRing(p, g.Polygon.Ring)
	default:
		return false
	}
}

// DwellThreshold returns the configured dwell threshold or the default.
func (g *Geofence) DwellThreshold() time.Duration {
	if g.Notify.DwellThreshold > 0 {
		return g.Notify.DwellThreshold
	}
	return DefaultDwellThreshold
}

// GeofenceMembership is the last-known inside/outside state of one user with
// respect to one geofence. DwellFired limits dwell events to one per
// continuous inside period.
type GeofenceMembership struct {
	IsInside   bool      `json:"is_inside"`
	Since      time.Time `json:"since"`
	DwellFired bool      `json:"dwell_fired"`
}

// GeofenceEvent records a single boundary transition. Append-only, emitted
// once, never retracted.
type GeofenceEvent struct {
	ID          string            `json:"id"`
	GeofenceID  string            `json:"geofence_id"`
	UserID      string            `json:"user_id"`
	DeliveryID  string            `json:"delivery_id"`
	Type        GeofenceEventType `json:"type"`
	Location    LocationSample    `json:"location"`
	TriggeredAt time.Time         `json:"triggered_at"`
}

// distinctVertices counts unique ring vertices, ignoring a trailing duplicate
// of the first vertex.
func distinctVertices(ring []geo.Point) int {
	seen := make(map[geo.Point]struct{}, len(ring))
	for _, v := range ring {
		seen[v] = struct{}{}
	}
	return len(seen)
}
