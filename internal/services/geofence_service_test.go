package services

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

var fenceCenter = geo.Point{Lat: 40.7128, Lon: -74.0060}

func newTestGeofenceService(t *testing.T) (*GeofenceService, models.Geofence) {
	t.Helper()
	svc := NewGeofenceService(zerolog.Nop())
	gf, err := svc.CreateGeofence(models.Geofence{
		Type:       models.GeofenceDelivery,
		DeliveryID: "delivery-1",
		Circle:     &models.Circle{Center: fenceCenter, RadiusMeters: 100},
		Active:     true,
	})
	require.NoError(t, err)
	return svc, gf
}

func sampleAt(t *testing.T, p geo.Point, captured time.Time) models.LocationSample {
	t.Helper()
	sample, err := models.NewLocationSample(models.RawLocation{
		Latitude:   &p.Lat,
		Longitude:  &p.Lon,
		Accuracy:   5,
		CapturedAt: captured,
	})
	require.NoError(t, err)
	return sample
}

func TestGeofenceService_EnterDwellExitSequence(t *testing.T) {
	svc, gf := newTestGeofenceService(t)
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	outside := geo.DestinationPoint(fenceCenter, 90, 500)

	// First sample inside: enter.
	events := svc.Evaluate("user-1", "delivery-1", sampleAt(t, fenceCenter, t0), t0)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceEnter, events[0].Type)
	assert.Equal(t, gf.ID, events[0].GeofenceID)

	// Still inside 301s later: dwell (default threshold 300s).
	t1 := t0.Add(301 * time.Second)
	events = svc.Evaluate("user-1", "delivery-1", sampleAt(t, fenceCenter, t1), t1)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceDwell, events[0].Type)

	// Still inside: no duplicate dwell within the same inside period.
	t2 := t1.Add(100 * time.Second)
	events = svc.Evaluate("user-1", "delivery-1", sampleAt(t, fenceCenter, t2), t2)
	assert.Empty(t, events)

	// Outside: exit, membership cleared.
	t3 := t2.Add(10 * time.Second)
	events = svc.Evaluate("user-1", "delivery-1", sampleAt(t, outside, t3), t3)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceExit, events[0].Type)
	_, ok := svc.Membership("user-1", gf.ID)
	assert.False(t, ok)
}

func TestGeofenceService_DwellResetsAfterReentry(t *testing.T) {
	svc, _ := newTestGeofenceService(t)
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	outside := geo.DestinationPoint(fenceCenter, 180, 400)

	step := func(p geo.Point, at time.Time) []models.GeofenceEvent {
		return svc.Evaluate("user-1", "delivery-1", sampleAt(t, p, at), at)
	}

	step(fenceCenter, t0)                     // enter
	step(fenceCenter, t0.Add(400*time.Second)) // dwell
	step(outside, t0.Add(500*time.Second))     // exit

	// Re-enter and dwell again: a new inside period earns a new dwell event.
	events := step(fenceCenter, t0.Add(600*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceEnter, events[0].Type)

	events = step(fenceCenter, t0.Add(1000*time.Second))
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceDwell, events[0].Type)
}

func TestGeofenceService_NoEventOutsideToOutside(t *testing.T) {
	svc, gf := newTestGeofenceService(t)
	now := time.Now()
	outside := geo.DestinationPoint(fenceCenter, 0, 1000)

	events := svc.Evaluate("user-1", "delivery-1", sampleAt(t, outside, now), now)
	assert.Empty(t, events)

	// Lazy creation: no membership record until the user is first inside.
	_, ok := svc.Membership("user-1", gf.ID)
	assert.False(t, ok)
}

func TestGeofenceService_DeliveryAssociationPrunes(t *testing.T) {
	svc, _ := newTestGeofenceService(t)
	now := time.Now()

	// Same point, different delivery: the fence is not a candidate.
	events := svc.Evaluate("user-1", "delivery-2", sampleAt(t, fenceCenter, now), now)
	assert.Empty(t, events)
}

func TestGeofenceService_GlobalFenceAppliesToAllDeliveries(t *testing.T) {
	svc := NewGeofenceService(zerolog.Nop())
	_, err := svc.CreateGeofence(models.Geofence{
		Type:   models.GeofenceRestricted,
		Circle: &models.Circle{Center: fenceCenter, RadiusMeters: 200},
		Active: true,
	})
	require.NoError(t, err)

	now := time.Now()
	events := svc.Evaluate("user-9", "any-delivery", sampleAt(t, fenceCenter, now), now)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceEnter, events[0].Type)
}

func TestGeofenceService_WindowExcludesFence(t *testing.T) {
	svc := NewGeofenceService(zerolog.Nop())
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	_, err := svc.CreateGeofence(models.Geofence{
		DeliveryID: "delivery-1",
		Circle:     &models.Circle{Center: fenceCenter, RadiusMeters: 100},
		Window:     models.ActiveWindow{Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)},
		Active:     true,
	})
	require.NoError(t, err)

	assert.Empty(t, svc.ActiveGeofences("delivery-1", now))
	assert.Len(t, svc.ActiveGeofences("delivery-1", now.Add(90*time.Minute)), 1)
}

func TestGeofenceService_InactiveFenceExcluded(t *testing.T) {
	svc, gf := newTestGeofenceService(t)

	gf.Active = false
	_, err := svc.UpdateGeofence(gf)
	require.NoError(t, err)

	assert.Empty(t, svc.ActiveGeofences("delivery-1", time.Now()))
}

func TestGeofenceService_DeleteRemovesMembership(t *testing.T) {
	svc, gf := newTestGeofenceService(t)
	now := time.Now()

	svc.Evaluate("user-1", "delivery-1", sampleAt(t, fenceCenter, now), now)
	_, ok := svc.Membership("user-1", gf.ID)
	require.True(t, ok)

	require.NoError(t, svc.DeleteGeofence(gf.ID))
	_, ok = svc.Membership("user-1", gf.ID)
	assert.False(t, ok)
	assert.Error(t, svc.DeleteGeofence(gf.ID), "already gone")
}

func TestGeofenceService_EvictUserClearsOnlyThatUser(t *testing.T) {
	svc, gf := newTestGeofenceService(t)
	now := time.Now()

	svc.Evaluate("user-1", "delivery-1", sampleAt(t, fenceCenter, now), now)
	svc.Evaluate("user-2", "delivery-1", sampleAt(t, fenceCenter, now), now)

	svc.EvictUser("user-1")

	_, ok := svc.Membership("user-1", gf.ID)
	assert.False(t, ok)
	_, ok = svc.Membership("user-2", gf.ID)
	assert.True(t, ok)
}

func TestGeofenceService_PolygonFence(t *testing.T) {
	svc := NewGeofenceService(zerolog.Nop())
	_, err := svc.CreateGeofence(models.Geofence{
		DeliveryID: "delivery-1",
		Polygon: &models.Polygon{Ring: []geo.Point{
			{Lat: 40.70, Lon: -74.02},
			{Lat: 40.70, Lon: -74.00},
			{Lat: 40.72, Lon: -74.00},
			{Lat: 40.72, Lon: -74.02},
		}},
		Active: true,
	})
	require.NoError(t, err)

	now := time.Now()
	inside := geo.Point{Lat: 40.71, Lon: -74.01}
	outside := geo.Point{Lat: 40.75, Lon: -74.01}

	events := svc.Evaluate("user-1", "delivery-1", sampleAt(t, inside, now), now)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceEnter, events[0].Type)

	events = svc.Evaluate("user-1", "delivery-1", sampleAt(t, outside, now), now)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceExit, events[0].Type)
}

func TestGeofenceService_NotificationPolicyFiltersEvents(t *testing.T) {
	svc := NewGeofenceService(zerolog.Nop())
	gf, err := svc.CreateGeofence(models.Geofence{
		DeliveryID: "delivery-1",
		Circle:     &models.Circle{Center: fenceCenter, RadiusMeters: 100},
		Notify:     models.NotificationPolicy{OnExit: true},
		Active:     true,
	})
	require.NoError(t, err)

	now := time.Now()
	outside := geo.DestinationPoint(fenceCenter, 45, 500)

	// Enter is tracked but not reported.
	events := svc.Evaluate("user-1", "delivery-1", sampleAt(t, fenceCenter, now), now)
	assert.Empty(t, events)
	member, ok := svc.Membership("user-1", gf.ID)
	require.True(t, ok)
	assert.True(t, member.IsInside)

	events = svc.Evaluate("user-1", "delivery-1", sampleAt(t, outside, now), now)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceExit, events[0].Type)
}
