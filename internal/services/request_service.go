package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// Subscriber is the inbound half of the broker connection.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// RequestService exposes the tracking, routing and emergency operations over
// MQTT request topics. Responses carry the caller's request id so callers can
// correlate them on the shared response topics.
type RequestService struct {
	subscriber Subscriber
	publisher  Publisher
	tracking   *TrackingService
	routes     *RouteService
	emergency  *EmergencyService
	prefix     string
	logger     zerolog.Logger
}

// NewRequestService wires the request front. routes and emergency may be nil
// when no provider is configured; their topics then answer with an error.
func NewRequestService(
	subscriber Subscriber,
	publisher Publisher,
	tracking *TrackingService,
	routes *RouteService,
	emergency *EmergencyService,
	topicPrefix string,
	logger zerolog.Logger,
) *RequestService {
	if topicPrefix == "" {
		topicPrefix = defaultTopicPrefix
	}
	return &RequestService{
		subscriber: subscriber,
		publisher:  publisher,
		tracking:   tracking,
		routes:     routes,
		emergency:  emergency,
		prefix:     topicPrefix,
		logger:     logger,
	}
}

// Start subscribes to all request topics.
func (s *RequestService) Start() error {
	handlers := map[string]func(context.Context, []byte) (string, any, error){
		"track/start":  s.handleStart,
		"track/update": s.handleUpdate,
		"track/batch":  s.handleBatch,
		"track/stop":   s.handleStop,
		"route":        s.handleRoute,
		"emergency":    s.handleEmergency,
	}
	for name, handler := range handlers {
		topic := fmt.Sprintf("%s/requests/%s", s.prefix, name)
		responseTopic := fmt.Sprintf("%s/responses/%s", s.prefix, name)
		h := handler
		if err := s.subscriber.Subscribe(topic, func(_ string, payload []byte) {
			s.serve(responseTopic, payload, h)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}
	s.logger.Info().Str("prefix", s.prefix).Msg("RequestService started")
	return nil
}

type response struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func (s *RequestService) serve(responseTopic string, payload []byte, handler func(context.Context, []byte) (string, any, error)) {
	ctx := context.Background()
	requestID, data, err := handler(ctx, payload)

	resp := response{RequestID: requestID, OK: err == nil, Data: data}
	if err != nil {
		resp.ErrorCode = errorCode(err)
		resp.Error = err.Error()
	}
	body, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		s.logger.Error().Err(marshalErr).Msg("Failed to marshal response")
		return
	}
	if err := s.publisher.Publish(ctx, responseTopic, body); err != nil {
		s.logger.Error().Err(err).Str("topic", responseTopic).Msg("Failed to publish response")
	}
}

// errorCode maps the error taxonomy onto stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidLocation):
		return "INVALID_LOCATION"
	case errors.Is(err, models.ErrSessionNotActive):
		return "SESSION_NOT_ACTIVE"
	case errors.Is(err, models.ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, models.ErrNoRouteFound):
		return "NO_ROUTE_FOUND"
	case errors.Is(err, models.ErrNoServicesFound):
		return "NO_SERVICES_FOUND"
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

type startRequest struct {
	RequestID  string                  `json:"request_id"`
	DeliveryID string                  `json:"delivery_id"`
	UserID     string                  `json:"user_id"`
	Settings   models.TrackingSettings `json:"settings"`
}

func (s *RequestService) handleStart(ctx context.Context, payload []byte) (string, any, error) {
	var req startRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, fmt.Errorf("malformed start request: %w", err)
	}
	fences, err := s.tracking.StartTracking(ctx, req.DeliveryID, req.UserID, req.Settings)
	if err != nil {
		return req.RequestID, nil, err
	}
	return req.RequestID, map[string]any{"geofences": fences}, nil
}

type updateRequest struct {
	RequestID  string             `json:"request_id"`
	DeliveryID string             `json:"delivery_id"`
	UserID     string             `json:"user_id"`
	Location   models.RawLocation `json:"location"`
}

func (s *RequestService) handleUpdate(ctx context.Context, payload []byte) (string, any, error) {
	var req updateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, fmt.Errorf("malformed update request: %w", err)
	}
	events, err := s.tracking.UpdateLocation(ctx, req.DeliveryID, req.UserID, req.Location)
	if err != nil {
		return req.RequestID, nil, err
	}
	return req.RequestID, map[string]any{"events": events}, nil
}

type batchRequest struct {
	RequestID  string               `json:"request_id"`
	DeliveryID string               `json:"delivery_id"`
	UserID     string               `json:"user_id"`
	Locations  []models.RawLocation `json:"locations"`
}

type batchOutcomeBody struct {
	Index     int                    `json:"index"`
	Events    []models.GeofenceEvent `json:"events,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func (s *RequestService) handleBatch(ctx context.Context, payload []byte) (string, any, error) {
	var req batchRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, fmt.Errorf("malformed batch request: %w", err)
	}
	result := s.tracking.BatchUpdateLocation(ctx, req.DeliveryID, req.UserID, req.Locations)

	outcomes := make([]batchOutcomeBody, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		body := batchOutcomeBody{Index: outcome.Index, Events: outcome.Events}
		if outcome.Err != nil {
			body.ErrorCode = errorCode(outcome.Err)
			body.Error = outcome.Err.Error()
		}
		outcomes = append(outcomes, body)
	}
	return req.RequestID, map[string]any{
		"accepted": result.Accepted,
		"rejected": result.Rejected,
		"outcomes": outcomes,
	}, nil
}

type stopRequest struct {
	RequestID  string `json:"request_id"`
	DeliveryID string `json:"delivery_id"`
	UserID     string `json:"user_id"`
	Reason     string `json:"reason"`
}

func (s *RequestService) handleStop(ctx context.Context, payload []byte) (string, any, error) {
	var req stopRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, fmt.Errorf("malformed stop request: %w", err)
	}
	if err := s.tracking.StopTracking(ctx, req.DeliveryID, req.UserID, req.Reason); err != nil {
		return req.RequestID, nil, err
	}
	return req.RequestID, map[string]any{"stopped": true}, nil
}

type routeRequestBody struct {
	RequestID   string                 `json:"request_id"`
	Origin      geo.Point              `json:"origin"`
	Destination geo.Point              `json:"destination"`
	Waypoints   []geo.Point            `json:"waypoints,omitempty"`
	Preference  models.RoutePreference `json:"preference"`
}

func (s *RequestService) handleRoute(ctx context.Context, payload []byte) (string, any, error) {
	var req routeRequestBody
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, fmt.Errorf("malformed route request: %w", err)
	}
	if s.routes == nil {
		return req.RequestID, nil, fmt.Errorf("%w: no route provider configured", models.ErrUpstreamUnavailable)
	}
	selection, err := s.routes.OptimizeRoute(ctx, RouteRequest{
		Origin:      req.Origin,
		Destination: req.Destination,
		Waypoints:   req.Waypoints,
		Preference:  req.Preference,
	})
	if err != nil {
		return req.RequestID, nil, err
	}
	return req.RequestID, selection, nil
}

type emergencyRequest struct {
	RequestID string                   `json:"request_id"`
	Location  geo.Point                `json:"location"`
	Category  models.EmergencyCategory `json:"category"`
}

func (s *RequestService) handleEmergency(ctx context.Context, payload []byte) (string, any, error) {
	var req emergencyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, fmt.Errorf("malformed emergency request: %w", err)
	}
	if s.emergency == nil {
		return req.RequestID, nil, fmt.Errorf("%w: no service directory configured", models.ErrUpstreamUnavailable)
	}
	candidates, err := s.emergency.FindNearbyServices(ctx, req.Location, req.Category)
	if err != nil {
		return req.RequestID, nil, err
	}
	return req.RequestID, map[string]any{"services": candidates}, nil
}
