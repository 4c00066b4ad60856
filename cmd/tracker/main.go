package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/internal/providers"
	"github.com/ncfoa/geotrack/internal/services"
	"github.com/ncfoa/geotrack/internal/store/sqlite"
	"github.com/ncfoa/geotrack/internal/utils"
	"github.com/ncfoa/geotrack/pkg/gps"
	"github.com/ncfoa/geotrack/pkg/mqtt"
)

func main() {
	// Set up structured logging with JSON output
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Load configuration from file
	config, err := utils.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Generate a unique MQTT Client ID by appending a UUID
	config.MQTT.ClientID = config.MQTT.ClientID + "-" + uuid.New().String()
	log.Info().Str("client_id", config.MQTT.ClientID).Msg("Using MQTT Client ID")

	// Initialize the shared MQTT connection
	transport := mqtt.NewTransport(byte(config.MQTT.QOS), log)
	if err := transport.Initialize(config.MQTT.Broker, config.MQTT.ClientID, config.MQTT.CACertificate); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MQTT connection")
	}

	// Open the local persistence store
	store, err := sqlite.Open(config.Store.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	// Core services
	seed := config.Privacy.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	privacy := services.NewPrivacyFilter(seed, log)
	geofences := services.NewGeofenceService(log)
	dispatcher := services.NewDispatcherService(transport, config.Dispatcher.Workers, config.MQTT.TopicPrefix, log)
	permissions := providers.NewStaticPermissionChecker(log)

	tracking := services.NewTrackingService(
		permissions, store, privacy, geofences, dispatcher,
		config.Tracking.SessionTTL, config.Tracking.SweepSchedule, log)
	if err := tracking.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start tracking service")
	}

	// Route scoring and emergency lookup need a maps API key; without one
	// their request topics answer with an upstream error.
	var routes *services.RouteService
	var emergency *services.EmergencyService
	if config.Routing.MapsAPIKey != "" {
		routeProvider, err := providers.NewGoogleRouteProvider(config.Routing.MapsAPIKey, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create route provider")
		}
		routes = services.NewRouteService([]services.RouteProvider{routeProvider}, services.ScoringConfig{
			PerKmRate:               config.Routing.PerKmRate,
			TrafficPenaltyPerSecond: config.Routing.TrafficPenaltyPerSecond,
			StepPenalty:             config.Routing.StepPenalty,
		}, log)

		directory, err := providers.NewGooglePlacesDirectory(config.Routing.MapsAPIKey, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create service directory")
		}
		emergency = services.NewEmergencyService(directory,
			config.Emergency.SearchRadiusMeters, config.Emergency.ResponseSpeedKmh, log)
	}

	requests := services.NewRequestService(transport, transport, tracking, routes, emergency, config.MQTT.TopicPrefix, log)
	if err := requests.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start request service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Optionally track this host's own position from a local GPS device
	if config.GPS.Enabled {
		go runLocalFeed(ctx, config, tracking, log)
	}

	log.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	cancel()
	if err := tracking.Stop(); err != nil {
		log.Warn().Err(err).Msg("Failed to stop tracking service")
	}
	dispatcher.Shutdown()
	transport.Disconnect(250)
}

// runLocalFeed opens a session for the configured delivery and streams NMEA
// fixes into it until the context is cancelled.
func runLocalFeed(ctx context.Context, config *utils.Config, tracking *services.TrackingService, log zerolog.Logger) {
	if _, err := tracking.StartTracking(ctx, config.GPS.DeliveryID, config.GPS.UserID, models.TrackingSettings{}); err != nil {
		log.Error().Err(err).Msg("Failed to start local tracking session")
		return
	}

	feed := gps.NewFeed(config.GPS.DevicePort, config.GPS.BaudRate, log)
	fixes := make(chan gps.Fix)
	go func() {
		if err := feed.Stream(ctx, fixes); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("GPS feed stopped")
		}
		close(fixes)
	}()

	meta := gps.Status()
	for fix := range fixes {
		raw := models.RawLocation{
			Latitude:   &fix.Latitude,
			Longitude:  &fix.Longitude,
			Accuracy:   fix.Accuracy,
			Altitude:   fix.Altitude,
			Bearing:    fix.Bearing,
			CapturedAt: fix.CapturedAt,
			Meta: &models.DeviceMeta{
				NetworkType: meta.NetworkType,
				Platform:    meta.Platform,
			},
		}
		if fix.HasSpeed {
			speed := fix.SpeedKmh
			raw.Speed = &speed
		}
		if _, err := tracking.UpdateLocation(ctx, config.GPS.DeliveryID, config.GPS.UserID, raw); err != nil {
			log.Warn().Err(err).Msg("Dropped local GPS fix")
		}
	}
}
