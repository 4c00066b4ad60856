// Package sqlite is a reference implementation of the persistence
// collaborator, letting the tracker run standalone. The core only ever talks
// to the Recorder interface.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/ncfoa/geotrack/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS location_samples (
	delivery_id TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	latitude    REAL NOT NULL,
	longitude   REAL NOT NULL,
	accuracy    REAL NOT NULL,
	altitude    REAL NOT NULL,
	bearing     REAL NOT NULL,
	speed_kmh   REAL,
	captured_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_session ON location_samples (delivery_id, user_id, captured_at);

CREATE TABLE IF NOT EXISTS geofence_events (
	id           TEXT PRIMARY KEY,
	geofence_id  TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	delivery_id  TEXT NOT NULL,
	type         TEXT NOT NULL,
	latitude     REAL NOT NULL,
	longitude    REAL NOT NULL,
	triggered_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_delivery ON geofence_events (delivery_id, triggered_at);

CREATE TABLE IF NOT EXISTS geofences (
	id          TEXT PRIMARY KEY,
	delivery_id TEXT NOT NULL DEFAULT '',
	active      INTEGER NOT NULL DEFAULT 1,
	definition  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_geofences_delivery ON geofences (delivery_id);
`

// Store persists samples, events and geofences in a local SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and migrates) the database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	// WAL keeps readers from blocking the streaming writer.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	logger.Info().Str("path", path).Msg("SQLite store opened")
	return &Store{db: db, logger: logger}, nil
}

// RecordSample appends one validated (unfiltered) sample.
func (s *Store) RecordSample(ctx context.Context, deliveryID, userID string, sample models.LocationSample) error {
	var speed sql.NullFloat64
	if sample.HasSpeed {
		speed = sql.NullFloat64{Float64: sample.SpeedKmh, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO location_samples
			(delivery_id, user_id, latitude, longitude, accuracy, altitude, bearing, speed_kmh, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deliveryID, userID, sample.Latitude, sample.Longitude,
		sample.Accuracy, sample.Altitude, sample.Bearing, speed, sample.CapturedAt)
	return err
}

// RecordEvent appends one geofence event.
func (s *Store) RecordEvent(ctx context.Context, event models.GeofenceEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geofence_events
			(id, geofence_id, user_id, delivery_id, type, latitude, longitude, triggered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.GeofenceID, event.UserID, event.DeliveryID,
		string(event.Type), event.Location.Latitude, event.Location.Longitude, event.TriggeredAt)
	return err
}

// SaveGeofence upserts a geofence definition.
func (s *Store) SaveGeofence(ctx context.Context, gf models.Geofence) error {
	definition, err := json.Marshal(gf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO geofences (id, delivery_id, active, definition) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET delivery_id=excluded.delivery_id,
			active=excluded.active, definition=excluded.definition`,
		gf.ID, gf.DeliveryID, boolToInt(gf.Active), string(definition))
	return err
}

// DeleteGeofence removes a geofence definition.
func (s *Store) DeleteGeofence(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM geofences WHERE id = ?`, id)
	return err
}

// LoadActiveGeofences returns the active fences for a delivery plus the
// global ones.
func (s *Store) LoadActiveGeofences(ctx context.Context, deliveryID string) ([]models.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition FROM geofences
		WHERE active = 1 AND (delivery_id = ? OR delivery_id = '')`,
		deliveryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fences []models.Geofence
	for rows.Next() {
		var definition string
		if err := rows.Scan(&definition); err != nil {
			return nil, err
		}
		var gf models.Geofence
		if err := json.Unmarshal([]byte(definition), &gf); err != nil {
			s.logger.Warn().Err(err).Msg("Skipping undecodable geofence definition")
			continue
		}
		fences = append(fences, gf)
	}
	return fences, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
