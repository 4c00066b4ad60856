package models

import "time"

// AccuracyTier controls how much precision the privacy filter keeps.
type AccuracyTier string

const (
	TierHigh   AccuracyTier = "high"
	TierMedium AccuracyTier = "medium"
	TierLow    AccuracyTier = "low"
)

// Default displacement targets per tier, in meters. A policy may override them.
const (
	DefaultMediumAccuracyMeters = 100.0
	DefaultLowAccuracyMeters    = 500.0
)

// PrivacyPolicy describes how a session's samples are degraded before being
// shared with non-owning subscribers.
type PrivacyPolicy struct {
	AccuracyTier         AccuracyTier `json:"accuracy_tier" yaml:"accuracy_tier"`
	TargetAccuracyMeters float64      `json:"target_accuracy_meters,omitempty" yaml:"target_accuracy_meters"`
	ShareWithRecipient   bool         `json:"share_with_recipient" yaml:"share_with_recipient"`
	ShareWithSender      bool         `json:"share_with_sender" yaml:"share_with_sender"`
	AnonymizeAfterHours  int          `json:"anonymize_after_hours,omitempty" yaml:"anonymize_after_hours"`
}

// TargetAccuracy returns the displacement target for the policy's tier. The
// high tier always passes samples through untouched, so its target is zero
// even when an override is set; the override only tunes medium and low.
func (p PrivacyPolicy) TargetAccuracy() float64 {
	switch p.AccuracyTier {
	case TierMedium:
		if p.TargetAccuracyMeters > 0 {
			return p.TargetAccuracyMeters
		}
		return DefaultMediumAccuracyMeters
	case TierLow:
		if p.TargetAccuracyMeters > 0 {
			return p.TargetAccuracyMeters
		}
		return DefaultLowAccuracyMeters
	default:
		return 0
	}
}

// TrackingSettings are the per-session knobs chosen at start time.
type TrackingSettings struct {
	SamplingInterval time.Duration `json:"sampling_interval" yaml:"sampling_interval"`
	AccuracyTier     AccuracyTier  `json:"accuracy_tier" yaml:"accuracy_tier"`
	Privacy          PrivacyPolicy `json:"privacy" yaml:"privacy"`
}

// TrackingSession is the live state of one user reporting location for one
// delivery. Owned exclusively by the tracking service.
type TrackingSession struct {
	DeliveryID   string           `json:"delivery_id"`
	UserID       string           `json:"user_id"`
	Settings     TrackingSettings `json:"settings"`
	IsActive     bool             `json:"is_active"`
	StartedAt    time.Time        `json:"started_at"`
	LastSampleAt time.Time        `json:"last_sample_at"`
	StopReason   string           `json:"stop_reason,omitempty"`
}

// SessionKey builds the composite arena key for a (delivery, user) pair.
func SessionKey(deliveryID, userID string) string {
	return deliveryID + "|" + userID
}
