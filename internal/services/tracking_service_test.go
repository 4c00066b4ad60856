package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// MockPermissionChecker is a testify mock of the permission collaborator.
type MockPermissionChecker struct {
	mock.Mock
}

func (m *MockPermissionChecker) IsAuthorized(ctx context.Context, userID, deliveryID, action string) (bool, error) {
	args := m.Called(ctx, userID, deliveryID, action)
	return args.Bool(0), args.Error(1)
}

// MockRecorder is a testify mock of the persistence collaborator.
type MockRecorder struct {
	mock.Mock
}

func (m *MockRecorder) RecordSample(ctx context.Context, deliveryID, userID string, sample models.LocationSample) error {
	args := m.Called(ctx, deliveryID, userID, sample)
	return args.Error(0)
}

func (m *MockRecorder) RecordEvent(ctx context.Context, event models.GeofenceEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockRecorder) LoadActiveGeofences(ctx context.Context, deliveryID string) ([]models.Geofence, error) {
	args := m.Called(ctx, deliveryID)
	if fences, ok := args.Get(0).([]models.Geofence); ok {
		return fences, args.Error(1)
	}
	return nil, args.Error(1)
}

type trackingFixture struct {
	tracking    *TrackingService
	geofences   *GeofenceService
	permissions *MockPermissionChecker
	recorder    *MockRecorder
	fence       models.Geofence
}

func newTrackingFixture(t *testing.T) *trackingFixture {
	t.Helper()

	fence, err := models.NewGeofence(models.Geofence{
		Type:       models.GeofenceDelivery,
		DeliveryID: "delivery-1",
		Circle:     &models.Circle{Center: fenceCenter, RadiusMeters: 100},
		Active:     true,
	})
	require.NoError(t, err)

	permissions := new(MockPermissionChecker)
	permissions.On("IsAuthorized", mock.Anything, mock.Anything, mock.Anything, TrackingActionTrack).Return(true, nil)

	recorder := new(MockRecorder)
	recorder.On("LoadActiveGeofences", mock.Anything, mock.Anything).Return([]models.Geofence{fence}, nil)
	recorder.On("RecordSample", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	recorder.On("RecordEvent", mock.Anything, mock.Anything).Return(nil)

	geofences := NewGeofenceService(zerolog.Nop())
	dispatcher := NewDispatcherService(nil, 2, "tracking", zerolog.Nop())
	privacy := NewPrivacyFilter(1, zerolog.Nop())

	tracking := NewTrackingService(permissions, recorder, privacy, geofences, dispatcher, 0, "", zerolog.Nop())
	return &trackingFixture{
		tracking:    tracking,
		geofences:   geofences,
		permissions: permissions,
		recorder:    recorder,
		fence:       fence,
	}
}

// highTierSettings keeps coordinates exact so geofence assertions are stable.
func highTierSettings() models.TrackingSettings {
	return models.TrackingSettings{
		SamplingInterval: 10 * time.Second,
		AccuracyTier:     models.TierHigh,
		Privacy:          models.PrivacyPolicy{AccuracyTier: models.TierHigh},
	}
}

func rawAt(p geo.Point, captured time.Time) models.RawLocation {
	lat, lon := p.Lat, p.Lon
	return models.RawLocation{Latitude: &lat, Longitude: &lon, Accuracy: 5, CapturedAt: captured}
}

func TestTrackingService_StartTracking_ReturnsActiveGeofences(t *testing.T) {
	fx := newTrackingFixture(t)

	fences, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())

	require.NoError(t, err)
	require.Len(t, fences, 1)
	assert.Equal(t, fx.fence.ID, fences[0].ID)

	session, ok := fx.tracking.Session("delivery-1", "user-1")
	require.True(t, ok)
	assert.True(t, session.IsActive)
}

func TestTrackingService_StartTracking_PermissionDenied(t *testing.T) {
	fx := newTrackingFixture(t)
	fx.permissions.ExpectedCalls = nil
	fx.permissions.On("IsAuthorized", mock.Anything, "intruder", "delivery-1", TrackingActionTrack).Return(false, nil)

	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "intruder", highTierSettings())

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrPermissionDenied))
	_, ok := fx.tracking.Session("delivery-1", "intruder")
	assert.False(t, ok, "no session created for a denied caller")
}

func TestTrackingService_StartTracking_PermissionCheckUnavailable(t *testing.T) {
	fx := newTrackingFixture(t)
	fx.permissions.ExpectedCalls = nil
	fx.permissions.On("IsAuthorized", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(false, errors.New("timeout"))

	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUpstreamUnavailable))
}

func TestTrackingService_UpdateLocation_NoSession(t *testing.T) {
	fx := newTrackingFixture(t)

	_, err := fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, time.Now()))

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSessionNotActive))
}

func TestTrackingService_UpdateLocation_InvalidSampleRejected(t *testing.T) {
	fx := newTrackingFixture(t)
	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)

	bad := models.RawLocation{} // missing coordinates
	_, err = fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", bad)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrInvalidLocation))
	fx.recorder.AssertNotCalled(t, "RecordSample", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTrackingService_StreamingPath_EnterDwellExit(t *testing.T) {
	fx := newTrackingFixture(t)
	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)

	t0 := time.Now().UTC()
	outside := geo.DestinationPoint(fenceCenter, 90, 500)

	events, err := fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, t0))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceEnter, events[0].Type)

	events, err = fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, t0.Add(301*time.Second)))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceDwell, events[0].Type)

	events, err = fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(outside, t0.Add(400*time.Second)))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.GeofenceExit, events[0].Type)

	session, _ := fx.tracking.Session("delivery-1", "user-1")
	assert.False(t, session.LastSampleAt.IsZero())
}

func TestTrackingService_UpdateLocation_RecorderFailureSurfaced(t *testing.T) {
	fx := newTrackingFixture(t)
	fx.recorder.ExpectedCalls = nil
	fx.recorder.On("LoadActiveGeofences", mock.Anything, mock.Anything).Return([]models.Geofence{fx.fence}, nil)
	fx.recorder.On("RecordSample", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))
	fx.recorder.On("RecordEvent", mock.Anything, mock.Anything).Return(nil)

	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)

	events, err := fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, time.Now()))

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUpstreamUnavailable))
	require.Len(t, events, 1, "transition detection still ran")
	assert.Equal(t, models.GeofenceEnter, events[0].Type)
}

func TestTrackingService_StopTracking_Idempotent(t *testing.T) {
	fx := newTrackingFixture(t)
	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)

	require.NoError(t, fx.tracking.StopTracking(context.Background(), "delivery-1", "user-1", "completed"))
	first, _ := fx.tracking.Session("delivery-1", "user-1")

	require.NoError(t, fx.tracking.StopTracking(context.Background(), "delivery-1", "user-1", "completed"))
	second, _ := fx.tracking.Session("delivery-1", "user-1")

	assert.Equal(t, first, second, "second stop changes nothing")
	assert.False(t, second.IsActive)
	assert.Equal(t, "completed", second.StopReason)

	// Stopping a session that never existed is also fine.
	assert.NoError(t, fx.tracking.StopTracking(context.Background(), "delivery-9", "user-9", "noop"))
}

func TestTrackingService_UpdateAfterStopRejected(t *testing.T) {
	fx := newTrackingFixture(t)
	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)
	require.NoError(t, fx.tracking.StopTracking(context.Background(), "delivery-1", "user-1", "done"))

	_, err = fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, time.Now()))
	assert.True(t, errors.Is(err, models.ErrSessionNotActive))
}

func TestTrackingService_StopEvictsMembership(t *testing.T) {
	fx := newTrackingFixture(t)
	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)

	_, err = fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, time.Now()))
	require.NoError(t, err)
	_, inside := fx.geofences.Membership("user-1", fx.fence.ID)
	require.True(t, inside)

	require.NoError(t, fx.tracking.StopTracking(context.Background(), "delivery-1", "user-1", "done"))
	_, inside = fx.geofences.Membership("user-1", fx.fence.ID)
	assert.False(t, inside)
}

func TestTrackingService_BatchReordersByCaptureTime(t *testing.T) {
	// Apply the same path twice: once as an out-of-order batch, once
	// one-by-one in capture order. The event sequences must match.
	t0 := time.Now().UTC()
	outside := geo.DestinationPoint(fenceCenter, 90, 500)
	path := []models.RawLocation{
		rawAt(outside, t0.Add(400*time.Second)),     // exit (last by time)
		rawAt(fenceCenter, t0),                      // enter (first by time)
		rawAt(fenceCenter, t0.Add(301*time.Second)), // dwell (middle)
	}

	collectTypes := func(events []models.GeofenceEvent) []models.GeofenceEventType {
		types := make([]models.GeofenceEventType, 0, len(events))
		for _, e := range events {
			types = append(types, e.Type)
		}
		return types
	}

	fxBatch := newTrackingFixture(t)
	_, err := fxBatch.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)
	result := fxBatch.tracking.BatchUpdateLocation(context.Background(), "delivery-1", "user-1", path)
	require.Equal(t, 3, result.Accepted)
	var batchTypes []models.GeofenceEventType
	for _, outcome := range result.Outcomes {
		batchTypes = append(batchTypes, collectTypes(outcome.Events)...)
	}

	fxSeq := newTrackingFixture(t)
	_, err = fxSeq.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)
	var seqTypes []models.GeofenceEventType
	for _, i := range []int{1, 2, 0} { // capture-time order
		events, err := fxSeq.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", path[i])
		require.NoError(t, err)
		seqTypes = append(seqTypes, collectTypes(events)...)
	}

	assert.Equal(t, seqTypes, batchTypes)
	assert.Equal(t,
		[]models.GeofenceEventType{models.GeofenceEnter, models.GeofenceDwell, models.GeofenceExit},
		batchTypes)
}

func TestTrackingService_BatchFailuresAreIndependent(t *testing.T) {
	fx := newTrackingFixture(t)
	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)

	t0 := time.Now().UTC()
	badLat := 95.0
	batch := []models.RawLocation{
		rawAt(fenceCenter, t0),
		{Latitude: &badLat, Longitude: &fenceCenter.Lon, CapturedAt: t0.Add(time.Second)},
		rawAt(fenceCenter, t0.Add(2*time.Second)),
	}

	result := fx.tracking.BatchUpdateLocation(context.Background(), "delivery-1", "user-1", batch)

	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	require.Len(t, result.Outcomes, 3)

	failures := 0
	for _, outcome := range result.Outcomes {
		if outcome.Err != nil {
			failures++
			assert.True(t, errors.Is(outcome.Err, models.ErrInvalidLocation))
			assert.Equal(t, 1, outcome.Index, "failure maps back to the caller's index")
		}
	}
	assert.Equal(t, 1, failures)
}

func TestTrackingService_SweepExpiresIdleSessions(t *testing.T) {
	fx := newTrackingFixture(t)
	_, err := fx.tracking.StartTracking(context.Background(), "delivery-1", "user-1", highTierSettings())
	require.NoError(t, err)

	_, err = fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, time.Now()))
	require.NoError(t, err)

	// A sweep well past the TTL evicts the arena record and memberships.
	fx.tracking.sweepExpired(time.Now().UTC().Add(DefaultSessionTTL + time.Hour))

	_, ok := fx.tracking.Session("delivery-1", "user-1")
	assert.False(t, ok, "arena record evicted")
	_, inside := fx.geofences.Membership("user-1", fx.fence.ID)
	assert.False(t, inside)

	_, err = fx.tracking.UpdateLocation(context.Background(), "delivery-1", "user-1", rawAt(fenceCenter, time.Now()))
	assert.True(t, errors.Is(err, models.ErrSessionNotActive))
}

func TestTrackingService_StartStopLifecycle(t *testing.T) {
	fx := newTrackingFixture(t)

	require.NoError(t, fx.tracking.Start())
	assert.Error(t, fx.tracking.Start(), "second start fails")
	require.NoError(t, fx.tracking.Stop())
	assert.Error(t, fx.tracking.Stop(), "second stop fails")
}
