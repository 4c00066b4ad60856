// Package providers contains adapters that back the core's collaborator
// interfaces with external APIs.
package providers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/internal/services"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// GoogleRouteProvider fetches route candidates from the Google Maps
// Directions API.
type GoogleRouteProvider struct {
	client *maps.Client
	logger zerolog.Logger
}

// NewGoogleRouteProvider creates a provider using the given API key.
func NewGoogleRouteProvider(apiKey string, logger zerolog.Logger) (*GoogleRouteProvider, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &GoogleRouteProvider{client: client, logger: logger}, nil
}

// FetchRoutes requests driving directions with alternatives and converts each
// returned route into a scoreable candidate.
func (p *GoogleRouteProvider) FetchRoutes(ctx context.Context, req services.RouteRequest) ([]models.RouteCandidate, error) {
	directionsReq := &maps.DirectionsRequest{
		Origin:        formatPoint(req.Origin),
		Destination:   formatPoint(req.Destination),
		Mode:          maps.TravelModeDriving,
		Alternatives:  true,
		DepartureTime: "now",
	}
	for _, wp := range req.Waypoints {
		directionsReq.Waypoints = append(directionsReq.Waypoints, formatPoint(wp))
	}

	routes, _, err := p.client.Directions(ctx, directionsReq)
	if err != nil {
		return nil, fmt.Errorf("directions request failed: %w", err)
	}

	candidates := make([]models.RouteCandidate, 0, len(routes))
	for _, route := range routes {
		candidates = append(candidates, convertRoute(route))
	}
	p.logger.Debug().Int("candidates", len(candidates)).Msg("Fetched routes from Google Directions")
	return candidates, nil
}

func convertRoute(route maps.Route) models.RouteCandidate {
	candidate := models.RouteCandidate{
		Provider: "google",
		Polyline: route.OverviewPolyline.Points,
	}
	for _, leg := range route.Legs {
		candidate.TotalDistanceKm += float64(leg.Distance.Meters) / 1000
		candidate.TotalDurationMin += leg.Duration.Minutes()
		candidate.StepCount += len(leg.Steps)
		if leg.DurationInTraffic > leg.Duration {
			candidate.TrafficDelaySecs += (leg.DurationInTraffic - leg.Duration).Seconds()
		}
	}
	return candidate
}

func formatPoint(p geo.Point) string {
	return fmt.Sprintf("%f,%f", p.Lat, p.Lon)
}
