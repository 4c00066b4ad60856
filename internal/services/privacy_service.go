package services

import (
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ncfoa/geotrack/internal/models"
	"github.com/ncfoa/geotrack/pkg/geo"
)

// PrivacyFilter degrades location precision according to a session's privacy
// policy. Device metadata is always stripped from the value it returns; the
// caller keeps the unfiltered sample for the recorder.
type PrivacyFilter struct {
	mu     sync.Mutex
	rng    *rand.Rand
	logger zerolog.Logger
}

// NewPrivacyFilter creates a filter with the given random seed. Tests reseed
// it to get deterministic offsets.
func NewPrivacyFilter(seed int64, logger zerolog.Logger) *PrivacyFilter {
	return &PrivacyFilter{
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
}

// Reseed resets the filter's randomness source.
func (f *PrivacyFilter) Reseed(seed int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rng = rand.New(rand.NewSource(seed))
}

// Apply returns the sample as subscribers are allowed to see it. High tier
// passes coordinates through unchanged; medium and low tiers displace the
// point by a uniform-random distance in [0, target] meters along a
// uniform-random bearing, and report accuracy as max(original, target).
func (f *PrivacyFilter) Apply(sample models.LocationSample, policy models.PrivacyPolicy) models.LocationSample {
	filtered := sample.WithoutMeta()

	target := policy.TargetAccuracy()
	if target <= 0 {
		return filtered
	}

	f.mu.Lock()
	distance := f.rng.Float64() * target
	bearing := f.rng.Float64() * 360
	f.mu.Unlock()

	moved := geo.DestinationPoint(sample.Point(), bearing, distance)
	filtered.Latitude = moved.Lat
	filtered.Longitude = moved.Lon
	if filtered.Accuracy < target {
		filtered.Accuracy = target
	}

	f.logger.Debug().
		Str("tier", string(policy.AccuracyTier)).
		Float64("offset_meters", distance).
		Msg("Applied privacy displacement")
	return filtered
}
