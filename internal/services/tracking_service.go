package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
)

// DefaultSessionTTL is how long a session survives without a sample.
const DefaultSessionTTL = 24 * time.Hour

// TrackingActionTrack is the permission action checked on StartTracking.
const TrackingActionTrack = "track"

// PermissionChecker answers whether a user may act on a delivery.
type PermissionChecker interface {
	IsAuthorized(ctx context.Context, userID, deliveryID, action string) (bool, error)
}

// Recorder is the persistence collaborator. The core hands it finalized
// records and never stores anything itself.
type Recorder interface {
	RecordSample(ctx context.Context, deliveryID, userID string, sample models.LocationSample) error
	RecordEvent(ctx context.Context, event models.GeofenceEvent) error
	LoadActiveGeofences(ctx context.Context, deliveryID string) ([]models.Geofence, error)
}

// sessionSlot is one arena entry. Its mutex serializes everything touching
// the session, so one session's samples apply strictly one at a time while
// distinct sessions proceed in parallel.
type sessionSlot struct {
	mu      sync.Mutex
	session models.TrackingSession
}

// BatchOutcome is the result of one sample within a batch update.
type BatchOutcome struct {
	// Index is the sample's position in the caller's original slice.
	Index  int                    `json:"index"`
	Events []models.GeofenceEvent `json:"events,omitempty"`
	Err    error                  `json:"-"`
}

// BatchResult aggregates per-sample outcomes of a batch update.
type BatchResult struct {
	Outcomes []BatchOutcome `json:"outcomes"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
}

// TrackingService owns the lifecycle of tracking sessions and drives the
// streaming path: validate, privacy-filter, record, detect transitions,
// dispatch.
type TrackingService struct {
	sessions    cmap.ConcurrentMap[string, *sessionSlot]
	permissions PermissionChecker
	recorder    Recorder
	privacy     *PrivacyFilter
	geofences   *GeofenceService
	dispatcher  *DispatcherService
	logger      zerolog.Logger

	ttl       time.Duration
	sweepSpec string
	cron      *cron.Cron
	running   bool
}

// NewTrackingService wires the session manager with its collaborators. A ttl
// of zero selects the 24h default; sweepSpec is a cron expression for the
// expiry sweep (defaults to once a minute).
func NewTrackingService(
	permissions PermissionChecker,
	recorder Recorder,
	privacy *PrivacyFilter,
	geofences *GeofenceService,
	dispatcher *DispatcherService,
	ttl time.Duration,
	sweepSpec string,
	logger zerolog.Logger,
) *TrackingService {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if sweepSpec == "" {
		sweepSpec = "@every 1m"
	}
	return &TrackingService{
		sessions:    cmap.New[*sessionSlot](),
		permissions: permissions,
		recorder:    recorder,
		privacy:     privacy,
		geofences:   geofences,
		dispatcher:  dispatcher,
		logger:      logger,
		ttl:         ttl,
		sweepSpec:   sweepSpec,
	}
}

// Start schedules the TTL sweep.
func (t *TrackingService) Start() error {
	if t.running {
		return errors.New("tracking service is already running")
	}
	t.cron = cron.New()
	if _, err := t.cron.AddFunc(t.sweepSpec, func() {
		t.sweepExpired(time.Now().UTC())
	}); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}
	t.cron.Start()
	t.running = true
	t.logger.Info().Str("sweep", t.sweepSpec).Dur("ttl", t.ttl).Msg("TrackingService started")
	return nil
}

// Stop halts the TTL sweep. Sessions remain in memory.
func (t *TrackingService) Stop() error {
	if !t.running {
		return errors.New("tracking service is not running")
	}
	<-t.cron.Stop().Done()
	t.running = false
	t.logger.Info().Msg("TrackingService stopped")
	return nil
}

// StartTracking creates (or replaces) the session for a (delivery, user) pair
// and returns the active geofences for the delivery. The caller must be an
// authorized party for the delivery.
func (t *TrackingService) StartTracking(ctx context.Context, deliveryID, userID string, settings models.TrackingSettings) ([]models.Geofence, error) {
	authorized, err := t.permissions.IsAuthorized(ctx, userID, deliveryID, TrackingActionTrack)
	if err != nil {
		return nil, fmt.Errorf("%w: permission check: %v", models.ErrUpstreamUnavailable, err)
	}
	if !authorized {
		return nil, fmt.Errorf("%w: user %s may not track delivery %s", models.ErrPermissionDenied, userID, deliveryID)
	}

	now := time.Now().UTC()
	key := models.SessionKey(deliveryID, userID)
	slot := t.slot(key)

	slot.mu.Lock()
	slot.session = models.TrackingSession{
		DeliveryID:   deliveryID,
		UserID:       userID,
		Settings:     settings,
		IsActive:     true,
		StartedAt:    now,
		LastSampleAt: now,
	}
	slot.mu.Unlock()

	t.logger.Info().
		Str("delivery_id", deliveryID).
		Str("user_id", userID).
		Str("tier", string(settings.Privacy.AccuracyTier)).
		Msg("Tracking session started")

	fences, err := t.recorder.LoadActiveGeofences(ctx, deliveryID)
	if err != nil {
		// The session is live; only the fence preload failed.
		return nil, fmt.Errorf("%w: load geofences: %v", models.ErrUpstreamUnavailable, err)
	}
	t.geofences.Seed(fences)
	return t.geofences.ActiveGeofences(deliveryID, now), nil
}

// UpdateLocation applies one sample to an active session and returns the
// geofence events it produced. A non-nil error alongside events means a
// collaborator call failed; the events themselves are still valid.
func (t *TrackingService) UpdateLocation(ctx context.Context, deliveryID, userID string, raw models.RawLocation) ([]models.GeofenceEvent, error) {
	key := models.SessionKey(deliveryID, userID)
	slot, ok := t.sessions.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: no session for delivery %s", models.ErrSessionNotActive, deliveryID)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	now := time.Now().UTC()
	if slot.session.IsActive && now.Sub(slot.session.LastSampleAt) > t.ttl {
		slot.session.IsActive = false
		slot.session.StopReason = "ttl_expired"
	}
	if !slot.session.IsActive {
		return nil, fmt.Errorf("%w: session for delivery %s has ended", models.ErrSessionNotActive, deliveryID)
	}

	sample, err := models.NewLocationSample(raw)
	if err != nil {
		return nil, err
	}
	slot.session.LastSampleAt = now

	var upstreamErr error
	if err := t.recorder.RecordSample(ctx, deliveryID, userID, sample); err != nil {
		upstreamErr = fmt.Errorf("%w: record sample: %v", models.ErrUpstreamUnavailable, err)
	}

	filtered := t.privacy.Apply(sample, slot.session.Settings.Privacy)
	events := t.geofences.Evaluate(userID, deliveryID, filtered, sample.CapturedAt)

	for _, event := range events {
		if err := t.recorder.RecordEvent(ctx, event); err != nil {
			upstreamErr = errors.Join(upstreamErr, fmt.Errorf("%w: record event %s: %v", models.ErrUpstreamUnavailable, event.ID, err))
		}
	}

	t.dispatcher.DispatchLocation(deliveryID, userID, filtered)
	if len(events) > 0 {
		t.dispatcher.DispatchEvents(deliveryID, userID, events)
	}
	return events, upstreamErr
}

// BatchUpdateLocation sorts samples ascending by capture time and applies
// them one by one. Each sample succeeds or fails independently.
func (t *TrackingService) BatchUpdateLocation(ctx context.Context, deliveryID, userID string, raws []models.RawLocation) BatchResult {
	order := make([]int, len(raws))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return raws[order[a]].CapturedAt.Before(raws[order[b]].CapturedAt)
	})

	result := BatchResult{Outcomes: make([]BatchOutcome, 0, len(raws))}
	for _, idx := range order {
		events, err := t.UpdateLocation(ctx, deliveryID, userID, raws[idx])
		outcome := BatchOutcome{Index: idx, Events: events, Err: err}
		if err != nil && !errors.Is(err, models.ErrUpstreamUnavailable) {
			result.Rejected++
		} else {
			result.Accepted++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	t.logger.Debug().
		Str("delivery_id", deliveryID).
		Int("accepted", result.Accepted).
		Int("rejected", result.Rejected).
		Msg("Batch location update applied")
	return result
}

// StopTracking marks the session inactive. Idempotent: stopping a stopped or
// unknown session succeeds without effect.
func (t *TrackingService) StopTracking(ctx context.Context, deliveryID, userID, reason string) error {
	key := models.SessionKey(deliveryID, userID)
	slot, ok := t.sessions.Get(key)
	if !ok {
		return nil
	}

	slot.mu.Lock()
	if !slot.session.IsActive {
		slot.mu.Unlock()
		return nil
	}
	slot.session.IsActive = false
	slot.session.StopReason = reason
	slot.mu.Unlock()

	t.evictMemberships(deliveryID, userID)
	t.logger.Info().
		Str("delivery_id", deliveryID).
		Str("user_id", userID).
		Str("reason", reason).
		Msg("Tracking session stopped")
	return nil
}

// Session returns a copy of the session record, if any.
func (t *TrackingService) Session(deliveryID, userID string) (models.TrackingSession, bool) {
	slot, ok := t.sessions.Get(models.SessionKey(deliveryID, userID))
	if !ok {
		return models.TrackingSession{}, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.session, true
}

// sweepExpired deactivates sessions whose TTL lapsed and evicts their arena
// records and geofence memberships.
func (t *TrackingService) sweepExpired(now time.Time) {
	for item := range t.sessions.IterBuffered() {
		slot := item.Val
		slot.mu.Lock()
		expired := now.Sub(slot.session.LastSampleAt) > t.ttl
		deliveryID, userID := slot.session.DeliveryID, slot.session.UserID
		wasActive := slot.session.IsActive
		if expired && wasActive {
			slot.session.IsActive = false
			slot.session.StopReason = "ttl_expired"
		}
		slot.mu.Unlock()

		if expired {
			if wasActive {
				t.evictMemberships(deliveryID, userID)
				t.logger.Info().
					Str("delivery_id", deliveryID).
					Str("user_id", userID).
					Msg("Tracking session expired")
			}
			t.sessions.Remove(item.Key)
		}
	}
}

// evictMemberships clears geofence state tied to the ended session. Global
// fence memberships are kept while the user still has another active session.
func (t *TrackingService) evictMemberships(deliveryID, userID string) {
	t.geofences.EvictUserForDelivery(userID, deliveryID)
	if !t.hasOtherActiveSession(deliveryID, userID) {
		t.geofences.EvictUser(userID)
	}
}

func (t *TrackingService) hasOtherActiveSession(deliveryID, userID string) bool {
	for item := range t.sessions.IterBuffered() {
		slot := item.Val
		slot.mu.Lock()
		active := slot.session.IsActive && slot.session.UserID == userID && slot.session.DeliveryID != deliveryID
		slot.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

func (t *TrackingService) slot(key string) *sessionSlot {
	if existing, ok := t.sessions.Get(key); ok {
		return existing
	}
	created := &sessionSlot{}
	t.sessions.SetIfAbsent(key, created)
	slot, _ := t.sessions.Get(key)
	return slot
}
