package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/internal/utils"
)

// Publisher is the pub/sub transport the dispatcher hands messages to.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Envelope is the wire format fanned out to a delivery's channel.
type Envelope struct {
	Kind        string                 `json:"kind"`
	DeliveryID  string                 `json:"delivery_id"`
	UserID      string                 `json:"user_id"`
	Location    *models.LocationSample `json:"location,omitempty"`
	Event       *models.GeofenceEvent  `json:"event,omitempty"`
	PublishedAt time.Time              `json:"published_at"`
}

// Envelope kinds.
const (
	KindLocation      = "location"
	KindGeofenceEvent = "geofence_event"
)

// defaultTopicPrefix roots the per-delivery topic tree when the config leaves
// it empty.
const defaultTopicPrefix = "tracking"

// DispatcherService fans location updates and geofence events out to the
// transport and to in-process subscribers of a delivery's channel.
//
// Delivery is at-least-once: Dispatch* returns once the message is handed to
// the fan-out workers, not once subscribers receive it. Messages for one
// (delivery, user) pair always land on the same worker, so their order is
// preserved; no ordering holds across pairs.
type DispatcherService struct {
	publisher   Publisher
	pool        *utils.KeyedWorkerPool
	logger      zerolog.Logger
	topicPrefix string

	mu          sync.RWMutex
	subscribers map[string]map[string]func(Envelope)
}

// NewDispatcherService creates a dispatcher backed by the given transport.
func NewDispatcherService(publisher Publisher, workers int, topicPrefix string, logger zerolog.Logger) *DispatcherService {
	if topicPrefix == "" {
		topicPrefix = defaultTopicPrefix
	}
	return &DispatcherService{
		publisher:   publisher,
		pool:        utils.NewKeyedWorkerPool(workers),
		logger:      logger,
		topicPrefix: topicPrefix,
		subscribers: make(map[string]map[string]func(Envelope)),
	}
}

// Subscribe registers an in-process handler for a delivery's channel and
// returns a token for Unsubscribe.
func (d *DispatcherService) Subscribe(deliveryID string, handler func(Envelope)) string {
	id := uuid.New().String()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribers[deliveryID] == nil {
		d.subscribers[deliveryID] = make(map[string]func(Envelope))
	}
	d.subscribers[deliveryID][id] = handler
	return id
}

// Unsubscribe removes a previously registered handler.
func (d *DispatcherService) Unsubscribe(deliveryID, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if subs, ok := d.subscribers[deliveryID]; ok {
		delete(subs, token)
		if len(subs) == 0 {
			delete(d.subscribers, deliveryID)
		}
	}
}

// DispatchLocation fans out a (privacy-filtered) location update.
func (d *DispatcherService) DispatchLocation(deliveryID, userID string, sample models.LocationSample) {
	d.enqueue(Envelope{
		Kind:        KindLocation,
		DeliveryID:  deliveryID,
		UserID:      userID,
		Location:    &sample,
		PublishedAt: time.Now().UTC(),
	}, d.topicPrefix+"/"+deliveryID+"/location")
}

// DispatchEvents fans out geofence events in the order they were generated.
func (d *DispatcherService) DispatchEvents(deliveryID, userID string, events []models.GeofenceEvent) {
	for _, event := range events {
		event := event
		d.enqueue(Envelope{
			Kind:        KindGeofenceEvent,
			DeliveryID:  deliveryID,
			UserID:      userID,
			Event:       &event,
			PublishedAt: time.Now().UTC(),
		}, d.topicPrefix+"/"+deliveryID+"/events")
	}
}

func (d *DispatcherService) enqueue(env Envelope, topic string) {
	key := models.SessionKey(env.DeliveryID, env.UserID)
	d.pool.Submit(key, func() {
		d.deliver(env, topic)
	})
}

func (d *DispatcherService) deliver(env Envelope, topic string) {
	payload, err := json.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Str("topic", topic).Msg("Failed to serialize envelope")
		return
	}

	if d.publisher != nil {
		if err := d.publisher.Publish(context.Background(), topic, payload); err != nil {
			d.logger.Error().
				Err(err).
				Str("topic", topic).
				Str("kind", env.Kind).
				Msg("Failed to publish to transport")
		}
	}

	d.mu.RLock()
	handlers := make([]func(Envelope), 0, len(d.subscribers[env.DeliveryID]))
	for _, h := range d.subscribers[env.DeliveryID] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// Shutdown drains the fan-out workers.
func (d *DispatcherService) Shutdown() {
	d.pool.Shutdown()
}
