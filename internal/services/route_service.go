package services

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// RouteRequest describes the trip to plan.
type RouteRequest struct {
	Origin      geo.Point              `json:"origin"`
	Destination geo.Point              `json:"destination"`
	Waypoints   []geo.Point            `json:"waypoints,omitempty"`
	Preference  models.RoutePreference `json:"preference"`
}

// RouteProvider returns zero or more candidates for a request. Provider
// failures are partial results, not fatal errors.
type RouteProvider interface {
	FetchRoutes(ctx context.Context, req RouteRequest) ([]models.RouteCandidate, error)
}

// ScoringConfig tunes the route score. Zero values select the defaults.
type ScoringConfig struct {
	// PerKmRate converts distance into an estimated running cost for the
	// cost preference, added to tolls.
	PerKmRate float64 `yaml:"per_km_rate"`
	// TrafficPenaltyPerSecond is subtracted per second of traffic delay.
	TrafficPenaltyPerSecond float64 `yaml:"traffic_penalty_per_second"`
	// StepPenalty is subtracted per step; fewer turns win, all else equal.
	StepPenalty float64 `yaml:"step_penalty"`
}

// Scoring defaults.
const (
	DefaultPerKmRate               = 0.5
	DefaultTrafficPenaltyPerSecond = 0.0005
	DefaultStepPenalty             = 0.001
)

func (c ScoringConfig) withDefaults() ScoringConfig {
	if c.PerKmRate <= 0 {
		c.PerKmRate = DefaultPerKmRate
	}
	if c.TrafficPenaltyPerSecond <= 0 {
		c.TrafficPenaltyPerSecond = DefaultTrafficPenaltyPerSecond
	}
	if c.StepPenalty <= 0 {
		c.StepPenalty = DefaultStepPenalty
	}
	return c
}

// RouteService queries all configured providers concurrently and selects the
// best candidate under the caller's preference. Scoring is deterministic.
type RouteService struct {
	providers []RouteProvider
	scoring   ScoringConfig
	logger    zerolog.Logger
}

// NewRouteService creates a route service over the given providers.
func NewRouteService(providers []RouteProvider, scoring ScoringConfig, logger zerolog.Logger) *RouteService {
	return &RouteService{
		providers: providers,
		scoring:   scoring.withDefaults(),
		logger:    logger,
	}
}

// OptimizeRoute fans the request out to every provider, tolerates individual
// provider failures, and scores whatever arrived. All providers returning
// nothing yields ErrNoRouteFound.
func (s *RouteService) OptimizeRoute(ctx context.Context, req RouteRequest) (models.RouteSelection, error) {
	type providerResult struct {
		candidates []models.RouteCandidate
		err        error
		provider   int
	}

	results := make(chan providerResult, len(s.providers))
	var wg sync.WaitGroup
	for i, provider := range s.providers {
		wg.Add(1)
		go func(i int, p RouteProvider) {
			defer wg.Done()
			candidates, err := p.FetchRoutes(ctx, req)
			results <- providerResult{candidates: candidates, err: err, provider: i}
		}(i, provider)
	}
	wg.Wait()
	close(results)

	var candidates []models.RouteCandidate
	failures := 0
	for res := range results {
		if res.err != nil {
			failures++
			s.logger.Warn().
				Err(res.err).
				Int("provider", res.provider).
				Msg("Route provider failed, continuing with partial results")
			continue
		}
		candidates = append(candidates, res.candidates...)
	}

	selection, err := s.SelectBest(candidates, req.Preference)
	if err != nil {
		return models.RouteSelection{}, err
	}
	s.logger.Info().
		Int("candidates", len(candidates)).
		Int("provider_failures", failures).
		Float64("score", selection.Score).
		Msg("Route selected")
	return selection, nil
}

// SelectBest scores the candidates and picks the maximum. Ties break by lower
// duration, then lower distance, then the stable input order.
func (s *RouteService) SelectBest(candidates []models.RouteCandidate, pref models.RoutePreference) (models.RouteSelection, error) {
	if len(candidates) == 0 {
		return models.RouteSelection{}, fmt.Errorf("%w: no candidates to score", models.ErrNoRouteFound)
	}

	scores := make([]float64, len(candidates))
	best := 0
	for i, candidate := range candidates {
		scores[i] = s.Score(candidate, pref)
		if i == 0 {
			continue
		}
		if betterThan(scores[i], candidates[i], scores[best], candidates[best]) {
			best = i
		}
	}

	return models.RouteSelection{
		Best:   candidates[best],
		Score:  scores[best],
		Scores: scores,
	}, nil
}

// Score computes the comparable score for one candidate.
func (s *RouteService) Score(c models.RouteCandidate, pref models.RoutePreference) float64 {
	var base float64
	switch pref.Optimize {
	case models.OptimizeDistance:
		base = 1 / nonZero(c.TotalDistanceKm)
	case models.OptimizeCost:
		base = 1 / nonZero(c.TollCost+c.TotalDistanceKm*s.scoring.PerKmRate)
	default: // time
		base = 1 / nonZero(c.TotalDurationMin)
	}
	return base -
		c.TrafficDelaySecs*s.scoring.TrafficPenaltyPerSecond -
		float64(c.StepCount)*s.scoring.StepPenalty
}

const scoreEpsilon = 1e-9

// betterThan applies the max-score rule with the documented tie-breaks.
func betterThan(score float64, c models.RouteCandidate, bestScore float64, best models.RouteCandidate) bool {
	if score > bestScore+scoreEpsilon {
		return true
	}
	if score < bestScore-scoreEpsilon {
		return false
	}
	if c.TotalDurationMin != best.TotalDurationMin {
		return c.TotalDurationMin < best.TotalDurationMin
	}
	if c.TotalDistanceKm != best.TotalDistanceKm {
		return c.TotalDistanceKm < best.TotalDistanceKm
	}
	return false // stable: earlier candidate wins
}

func nonZero(v float64) float64 {
	return math.Max(v, 1e-6)
}
