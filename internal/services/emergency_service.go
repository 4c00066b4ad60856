package services

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// MaxEmergencyResults caps how many ranked candidates are returned.
const MaxEmergencyResults = 5

// DefaultResponseSpeedKmh is assumed when the directory supplies no arrival
// estimate of its own.
const DefaultResponseSpeedKmh = 40.0

// ServiceDirectory resolves nearby services of one type around a point.
type ServiceDirectory interface {
	FindNearby(ctx context.Context, point geo.Point, serviceType models.ServiceType, radiusMeters float64) ([]models.EmergencyServiceCandidate, error)
}

// EmergencyService ranks externally supplied emergency-service candidates by
// distance from an incident point.
type EmergencyService struct {
	directory        ServiceDirectory
	searchRadius     float64
	responseSpeedKmh float64
	logger           zerolog.Logger
}

// NewEmergencyService creates the locator. Zero radius or speed select the
// defaults (10 km, 40 km/h).
func NewEmergencyService(directory ServiceDirectory, searchRadiusMeters, responseSpeedKmh float64, logger zerolog.Logger) *EmergencyService {
	if searchRadiusMeters <= 0 {
		searchRadiusMeters = 10000
	}
	if responseSpeedKmh <= 0 {
		responseSpeedKmh = DefaultResponseSpeedKmh
	}
	return &EmergencyService{
		directory:        directory,
		searchRadius:     searchRadiusMeters,
		responseSpeedKmh: responseSpeedKmh,
		logger:           logger,
	}
}

// FindNearbyServices queries the directory for every service type required by
// the category, fills in missing distances and arrival estimates, and returns
// the closest candidates, at most MaxEmergencyResults of them.
func (s *EmergencyService) FindNearbyServices(ctx context.Context, point geo.Point, category models.EmergencyCategory) ([]models.EmergencyServiceCandidate, error) {
	serviceTypes, ok := models.RequiredServiceTypes[category]
	if !ok {
		serviceTypes = models.RequiredServiceTypes[models.EmergencyOther]
	}

	type lookupResult struct {
		candidates []models.EmergencyServiceCandidate
		err        error
		t          models.ServiceType
	}

	results := make(chan lookupResult, len(serviceTypes))
	var wg sync.WaitGroup
	for _, serviceType := range serviceTypes {
		wg.Add(1)
		go func(t models.ServiceType) {
			defer wg.Done()
			candidates, err := s.directory.FindNearby(ctx, point, t, s.searchRadius)
			results <- lookupResult{candidates: candidates, err: err, t: t}
		}(serviceType)
	}
	wg.Wait()
	close(results)

	var merged []models.EmergencyServiceCandidate
	failures := 0
	for res := range results {
		if res.err != nil {
			failures++
			s.logger.Warn().
				Err(res.err).
				Str("service_type", string(res.t)).
				Msg("Directory lookup failed")
			continue
		}
		merged = append(merged, res.candidates...)
	}

	if len(merged) == 0 {
		if failures == len(serviceTypes) {
			return nil, fmt.Errorf("%w: every directory lookup failed", models.ErrUpstreamUnavailable)
		}
		return nil, fmt.Errorf("%w: category %s near (%v, %v)", models.ErrNoServicesFound, category, point.Lat, point.Lon)
	}

	for i := range merged {
		if merged[i].DistanceMeters <= 0 {
			merged[i].DistanceMeters = geo.Distance(point, merged[i].Location)
		}
		if merged[i].EstimatedArrival <= 0 {
			merged[i].EstimatedArrival = merged[i].DistanceMeters / 1000 / s.responseSpeedKmh * 60
		}
	}

	sort.SliceStable(merged, func(a, b int) bool {
		return merged[a].DistanceMeters < merged[b].DistanceMeters
	})
	if len(merged) > MaxEmergencyResults {
		merged = merged[:MaxEmergencyResults]
	}
	return merged, nil
}
