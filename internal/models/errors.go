package models

import "errors"

// Sentinel errors forming the tracking core's error taxonomy. Callers classify
// failures with errors.Is; collaborator failures are wrapped around
// ErrUpstreamUnavailable so the caller can distinguish its own mistakes from
// infrastructure trouble.
var (
	// ErrInvalidLocation marks a malformed or out-of-range location sample.
	ErrInvalidLocation = errors.New("invalid location")

	// ErrSessionNotActive is returned when a location update arrives for a
	// session that was never started, was stopped, or lapsed via TTL.
	ErrSessionNotActive = errors.New("tracking session not active")

	// ErrPermissionDenied is returned when the caller is not an authorized
	// party for the delivery.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNoRouteFound is returned when no provider produced a usable candidate.
	ErrNoRouteFound = errors.New("no route found")

	// ErrNoServicesFound is returned when the directory had no services for
	// any required service type.
	ErrNoServicesFound = errors.New("no emergency services found")

	// ErrUpstreamUnavailable wraps failures of external collaborators
	// (storage, transport, providers). The core never retries these.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)
