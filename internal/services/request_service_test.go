package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// fakeBroker records subscriptions and published messages and lets tests
// inject inbound payloads synchronously.
type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]func(topic string, payload []byte)
	published map[string][][]byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		handlers:  make(map[string]func(topic string, payload []byte)),
		published: make(map[string][][]byte),
	}
}

func (b *fakeBroker) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[topic] = append(b.published[topic], payload)
	return nil
}

func (b *fakeBroker) inject(t *testing.T, topic string, body any) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	b.mu.Lock()
	handler, ok := b.handlers[topic]
	b.mu.Unlock()
	require.True(t, ok, "no handler registered for %s", topic)
	handler(topic, payload)
}

func (b *fakeBroker) lastResponse(t *testing.T, topic string) response {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.published[topic]
	require.NotEmpty(t, msgs, "no response published to %s", topic)
	var resp response
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1], &resp))
	return resp
}

func newRequestFixture(t *testing.T) (*fakeBroker, *trackingFixture) {
	t.Helper()
	broker := newFakeBroker()
	fx := newTrackingFixture(t)
	requests := NewRequestService(broker, broker, fx.tracking, nil, nil, "tracking", zerolog.Nop())
	require.NoError(t, requests.Start())
	return broker, fx
}

func TestRequestService_StartAndUpdateRoundTrip(t *testing.T) {
	broker, fx := newRequestFixture(t)

	broker.inject(t, "tracking/requests/track/start", startRequest{
		RequestID:  "req-1",
		DeliveryID: "delivery-1",
		UserID:     "user-1",
		Settings:   highTierSettings(),
	})
	resp := broker.lastResponse(t, "tracking/responses/track/start")
	assert.True(t, resp.OK)
	assert.Equal(t, "req-1", resp.RequestID)

	lat, lon := fenceCenter.Lat, fenceCenter.Lon
	broker.inject(t, "tracking/requests/track/update", updateRequest{
		RequestID:  "req-2",
		DeliveryID: "delivery-1",
		UserID:     "user-1",
		Location:   models.RawLocation{Latitude: &lat, Longitude: &lon, Accuracy: 5},
	})
	resp = broker.lastResponse(t, "tracking/responses/track/update")
	assert.True(t, resp.OK)
	assert.Equal(t, "req-2", resp.RequestID)

	session, ok := fx.tracking.Session("delivery-1", "user-1")
	require.True(t, ok)
	assert.True(t, session.IsActive)
}

func TestRequestService_UpdateWithoutSessionReturnsErrorCode(t *testing.T) {
	broker, _ := newRequestFixture(t)

	lat, lon := 1.0, 2.0
	broker.inject(t, "tracking/requests/track/update", updateRequest{
		RequestID:  "req-1",
		DeliveryID: "delivery-9",
		UserID:     "user-9",
		Location:   models.RawLocation{Latitude: &lat, Longitude: &lon, Accuracy: 5},
	})

	resp := broker.lastResponse(t, "tracking/responses/track/update")
	assert.False(t, resp.OK)
	assert.Equal(t, "SESSION_NOT_ACTIVE", resp.ErrorCode)
}

func TestRequestService_StopIsIdempotent(t *testing.T) {
	broker, _ := newRequestFixture(t)

	for i := 0; i < 2; i++ {
		broker.inject(t, "tracking/requests/track/stop", stopRequest{
			RequestID:  "req-1",
			DeliveryID: "delivery-1",
			UserID:     "user-1",
			Reason:     "completed",
		})
		resp := broker.lastResponse(t, "tracking/responses/track/stop")
		assert.True(t, resp.OK)
	}
}

func TestRequestService_MalformedPayloadAnswersInternal(t *testing.T) {
	broker, _ := newRequestFixture(t)

	broker.mu.Lock()
	handler := broker.handlers["tracking/requests/track/start"]
	broker.mu.Unlock()
	handler("tracking/requests/track/start", []byte("{not json"))

	resp := broker.lastResponse(t, "tracking/responses/track/start")
	assert.False(t, resp.OK)
	assert.Equal(t, "INTERNAL", resp.ErrorCode)
}

func TestRequestService_RouteWithoutProviderAnswersUpstream(t *testing.T) {
	broker, _ := newRequestFixture(t)

	broker.inject(t, "tracking/requests/route", routeRequestBody{
		RequestID:   "req-1",
		Origin:      geo.Point{Lat: 1, Lon: 2},
		Destination: geo.Point{Lat: 3, Lon: 4},
	})

	resp := broker.lastResponse(t, "tracking/responses/route")
	assert.False(t, resp.OK)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", resp.ErrorCode)
}

func TestRequestService_EmergencyRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	fx := newTrackingFixture(t)

	directory := new(MockServiceDirectory)
	directory.On("FindNearby", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]models.EmergencyServiceCandidate{{
			ServiceType: models.ServicePolice,
			Name:        "Precinct 9",
			Location:    geo.Point{Lat: 40.72, Lon: -74.0},
		}}, nil)
	emergency := NewEmergencyService(directory, 10000, 40, zerolog.Nop())

	requests := NewRequestService(broker, broker, fx.tracking, nil, emergency, "tracking", zerolog.Nop())
	require.NoError(t, requests.Start())

	broker.inject(t, "tracking/requests/emergency", emergencyRequest{
		RequestID: "req-1",
		Location:  geo.Point{Lat: 40.7128, Lon: -74.006},
		Category:  models.EmergencyTheft,
	})

	resp := broker.lastResponse(t, "tracking/responses/emergency")
	assert.True(t, resp.OK)
	assert.Equal(t, "req-1", resp.RequestID)
}
