package services

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
)

// GeofenceService holds the active geofence set and the per-(user, geofence)
// membership state used to detect enter/exit/dwell transitions.
//
// The index is an immutable snapshot swapped atomically on every mutation, so
// candidate lookups on the hot path never take a lock. Membership entries are
// only mutated under the per-session serialization enforced by the tracking
// service; the concurrent map makes access across sessions safe.
type GeofenceService struct {
	index       atomic.Pointer[geofenceIndex]
	memberships cmap.ConcurrentMap[string, *models.GeofenceMembership]
	logger      zerolog.Logger
}

// geofenceIndex is the broad-phase lookup structure. Candidate counts per
// delivery are small, so delivery association plus the active-time window is
// the whole pruning story; no spatial tree needed.
type geofenceIndex struct {
	byID       map[string]*models.Geofence
	byDelivery map[string][]*models.Geofence
	global     []*models.Geofence
}

// NewGeofenceService creates an empty geofence service.
func NewGeofenceService(logger zerolog.Logger) *GeofenceService {
	s := &GeofenceService{
		memberships: cmap.New[*models.GeofenceMembership](),
		logger:      logger,
	}
	s.index.Store(newGeofenceIndex(nil))
	return s
}

func newGeofenceIndex(fences map[string]*models.Geofence) *geofenceIndex {
	idx := &geofenceIndex{
		byID:       make(map[string]*models.Geofence, len(fences)),
		byDelivery: make(map[string][]*models.Geofence),
	}
	for id, gf := range fences {
		idx.byID[id] = gf
		if gf.DeliveryID != "" {
			idx.byDelivery[gf.DeliveryID] = append(idx.byDelivery[gf.DeliveryID], gf)
		} else {
			idx.global = append(idx.global, gf)
		}
	}
	return idx
}

// CreateGeofence validates the geofence and adds it to the index.
func (s *GeofenceService) CreateGeofence(gf models.Geofence) (models.Geofence, error) {
	validated, err := models.NewGeofence(gf)
	if err != nil {
		return models.Geofence{}, err
	}
	s.swap(func(fences map[string]*models.Geofence) {
		fences[validated.ID] = &validated
	})
	s.logger.Info().
		Str("geofence_id", validated.ID).
		Str("type", string(validated.Type)).
		Msg("Geofence created")
	return validated, nil
}

// UpdateGeofence replaces an existing geofence.
func (s *GeofenceService) UpdateGeofence(gf models.Geofence) (models.Geofence, error) {
	if gf.ID == "" {
		return models.Geofence{}, fmt.Errorf("geofence id is required for update")
	}
	if _, ok := s.index.Load().byID[gf.ID]; !ok {
		return models.Geofence{}, fmt.Errorf("geofence %s not found", gf.ID)
	}
	validated, err := models.NewGeofence(gf)
	if err != nil {
		return models.Geofence{}, err
	}
	s.swap(func(fences map[string]*models.Geofence) {
		fences[validated.ID] = &validated
	})
	s.logger.Info().Str("geofence_id", validated.ID).Msg("Geofence updated")
	return validated, nil
}

// DeleteGeofence removes a geofence and any membership state referring to it.
func (s *GeofenceService) DeleteGeofence(id string) error {
	if _, ok := s.index.Load().byID[id]; !ok {
		return fmt.Errorf("geofence %s not found", id)
	}
	s.swap(func(fences map[string]*models.Geofence) {
		delete(fences, id)
	})
	for _, key := range s.memberships.Keys() {
		if strings.HasSuffix(key, "|"+id) {
			s.memberships.Remove(key)
		}
	}
	s.logger.Info().Str("geofence_id", id).Msg("Geofence deleted")
	return nil
}

// swap rebuilds the index snapshot under a copy-on-write mutation.
func (s *GeofenceService) swap(mutate func(map[string]*models.Geofence)) {
	for {
		old := s.index.Load()
		next := make(map[string]*models.Geofence, len(old.byID)+1)
		for id, gf := range old.byID {
			next[id] = gf
		}
		mutate(next)
		if s.index.CompareAndSwap(old, newGeofenceIndex(next)) {
			return
		}
	}
}

// Seed upserts a batch of already-validated geofences, used when a tracking
// session starts and the persisted fences for its delivery are loaded.
func (s *GeofenceService) Seed(fences []models.Geofence) {
	if len(fences) == 0 {
		return
	}
	s.swap(func(m map[string]*models.Geofence) {
		for i := range fences {
			gf := fences[i]
			if gf.ID == "" {
				continue
			}
			m[gf.ID] = &gf
		}
	})
}

// ActiveGeofences returns the geofences applicable to a delivery at the given
// time: its associated fences plus the global ones, excluding inactive fences
// and fences outside their active-time window.
func (s *GeofenceService) ActiveGeofences(deliveryID string, at time.Time) []models.Geofence {
	idx := s.index.Load()
	candidates := idx.byDelivery[deliveryID]
	out := make([]models.Geofence, 0, len(candidates)+len(idx.global))
	for _, gf := range candidates {
		if gf.Active && gf.Window.Contains(at) {
			out = append(out, *gf)
		}
	}
	for _, gf := range idx.global {
		if gf.Active && gf.Window.Contains(at) {
			out = append(out, *gf)
		}
	}
	return out
}

// Evaluate runs transition detection for one sample against every candidate
// geofence and returns the events it produced. The caller guarantees samples
// for one (delivery, user) pair arrive in capture-time order.
func (s *GeofenceService) Evaluate(userID, deliveryID string, sample models.LocationSample, now time.Time) []models.GeofenceEvent {
	var events []models.GeofenceEvent
	point := sample.Point()

	for _, gf := range s.ActiveGeofences(deliveryID, now) {
		gf := gf
		key := membershipKey(userID, gf.ID)
		isInside := gf.ContainsPoint(point)

		member, hasMember := s.memberships.Get(key)
		wasInside := hasMember && member.IsInside

		switch {
		case !wasInside && isInside:
			s.memberships.Set(key, &models.GeofenceMembership{IsInside: true, Since: now})
			if gf.Notify.Wants(models.GeofenceEnter) {
				events = append(events, s.newEvent(&gf, userID, deliveryID, models.GeofenceEnter, sample, now))
			}

		case wasInside && !isInside:
			s.memberships.Remove(key)
			if gf.Notify.Wants(models.GeofenceExit) {
				events = append(events, s.newEvent(&gf, userID, deliveryID, models.GeofenceExit, sample, now))
			}

		case wasInside && isInside:
			// One dwell event per continuous inside period.
			if !member.DwellFired && now.Sub(member.Since) >= gf.DwellThreshold() {
				member.DwellFired = true
				s.memberships.Set(key, member)
				if gf.Notify.Wants(models.GeofenceDwell) {
					events = append(events, s.newEvent(&gf, userID, deliveryID, models.GeofenceDwell, sample, now))
				}
			}

		default:
			// Outside before, outside now: no record is created.
		}
	}
	return events
}

// EvictUser drops all membership state for a user, called when their session
// ends so the next session starts from a clean slate.
func (s *GeofenceService) EvictUser(userID string) {
	prefix := userID + "|"
	for _, key := range s.memberships.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.memberships.Remove(key)
		}
	}
}

// EvictUserForDelivery drops membership state only for fences associated with
// the given delivery, leaving global-fence state to the user's other sessions.
func (s *GeofenceService) EvictUserForDelivery(userID, deliveryID string) {
	idx := s.index.Load()
	for _, gf := range idx.byDelivery[deliveryID] {
		s.memberships.Remove(membershipKey(userID, gf.ID))
	}
}

// Membership exposes the current membership record for tests and diagnostics.
func (s *GeofenceService) Membership(userID, geofenceID string) (models.GeofenceMembership, bool) {
	member, ok := s.memberships.Get(membershipKey(userID, geofenceID))
	if !ok {
		return models.GeofenceMembership{}, false
	}
	return *member, true
}

func (s *GeofenceService) newEvent(gf *models.Geofence, userID, deliveryID string, typ models.GeofenceEventType, sample models.LocationSample, now time.Time) models.GeofenceEvent {
	return models.GeofenceEvent{
		ID:          uuid.New().String(),
		GeofenceID:  gf.ID,
		UserID:      userID,
		DeliveryID:  deliveryID,
		Type:        typ,
		Location:    sample,
		TriggeredAt: now,
	}
}

func membershipKey(userID, geofenceID string) string {
	return userID + "|" + geofenceID
}
