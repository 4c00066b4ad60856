package providers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// placeTypes maps the core's service types onto Places API place types.
var placeTypes = map[models.ServiceType]maps.PlaceType{
	models.ServiceHospital:  maps.PlaceTypeHospital,
	models.ServicePolice:    maps.PlaceTypePolice,
	models.ServiceTow:       maps.PlaceTypeCarRepair,
	models.ServiceMechanic:  maps.PlaceTypeCarRepair,
	models.ServiceAmbulance: maps.PlaceTypeHospital,
}

// GooglePlacesDirectory resolves nearby emergency services through the Google
// Places Nearby Search API.
type GooglePlacesDirectory struct {
	client *maps.Client
	logger zerolog.Logger
}

// NewGooglePlacesDirectory creates a directory using the given API key.
func NewGooglePlacesDirectory(apiKey string, logger zerolog.Logger) (*GooglePlacesDirectory, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GooglePlacesDirectory{client: client, logger: logger}, nil
}

// FindNearby searches for places of the mapped type around the point.
// Distance and arrival estimates are left to the emergency locator.
func (d *GooglePlacesDirectory) FindNearby(ctx context.Context, point geo.Point, serviceType models.ServiceType, radiusMeters float64) ([]models.EmergencyServiceCandidate, error) {
	placeType, ok := placeTypes[serviceType]
	if !ok {
		return nil, fmt.Errorf("no place type mapping for service type %q", serviceType)
	}

	resp, err := d.client.NearbySearch(ctx, &maps.NearbySearchRequest{
		Location: &maps.LatLng{Lat: point.Lat, Lng: point.Lon},
		Radius:   uint(radiusMeters),
		Type:     placeType,
	})
	if err != nil {
		return nil, fmt.Errorf("nearby search failed: %w", err)
	}

	candidates := make([]models.EmergencyServiceCandidate, 0, len(resp.Results))
	for _, result := range resp.Results {
		candidates = append(candidates, models.EmergencyServiceCandidate{
			ServiceType: serviceType,
			Name:        result.Name,
			Location: geo.Point{
				Lat: result.Geometry.Location.Lat,
				Lon: result.Geometry.Location.Lng,
			},
		})
	}
	d.logger.Debug().
		Str("service_type", string(serviceType)).
		Int("results", len(candidates)).
		Msg("Places lookup complete")
	return candidates, nil
}
