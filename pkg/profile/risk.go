package profile

import (
	"time"

	"github.com/Mindburn-Labs/sanctuary/pkg/contracts"
)

// Weights are the multipliers of the risk score. The defaults are carried
// over unchanged from the product definition and are pending product-owner
// review; deployments override them through the policy file.
type Weights struct {
	TriggerCategory   float64 `yaml:"trigger_category" json:"trigger_category"`
	SoftBoundary      float64 `yaml:"soft_boundary" json:"soft_boundary"`
	HardBoundary      float64 `yaml:"hard_boundary" json:"hard_boundary"`
	RecentEmergency   float64 `yaml:"recent_emergency" json:"recent_emergency"`
	CriticalAt        float64 `yaml:"critical_at" json:"critical_at"`
	HighAt            float64 `yaml:"high_at" json:"high_at"`
	ModerateAt        float64 `yaml:"moderate_at" json:"moderate_at"`
	HardLimitFloor    bool    `yaml:"hard_limit_floor" json:"hard_limit_floor"`
	EmergencyLookback int     `yaml:"emergency_lookback_days" json:"emergency_lookback_days"`
}

// DefaultWeights returns the documented scoring constants.
func DefaultWeights() Weights {
	return Weights{
		TriggerCategory:   0.5,
		SoftBoundary:      0.3,
		HardBoundary:      0.8,
		RecentEmergency:   1.0,
		CriticalAt:        8,
		HighAt:            5,
		ModerateAt:        3,
		HardLimitFloor:    true,
		EmergencyLookback: 7,
	}
}

// Lookback is the window of emergency history counted by the score.
func (w Weights) Lookback() time.Duration {
	return time.Duration(w.EmergencyLookback) * 24 * time.Hour
}

// Assessment is the outcome of a risk computation.
type Assessment struct {
	Score float64
	Level contracts.RiskLevel
}

// Score computes the raw risk score of a profile.
func (w Weights) Score(p contracts.UserSafetyProfile, recentEmergencies int) float64 {
	return float64(len(p.TriggerCategories))*w.TriggerCategory +
		float64(p.SoftBoundaryCount())*w.SoftBoundary +
		float64(p.HardBoundaryCount())*w.HardBoundary +
		float64(recentEmergencies)*w.RecentEmergency
}

// Level maps a score onto the risk scale.
func (w Weights) Level(score float64) contracts.RiskLevel {
	switch {
	case score >= w.CriticalAt:
		return contracts.RiskCritical
	case score >= w.HighAt:
		return contracts.RiskHigh
	case score >= w.ModerateAt:
		return contracts.RiskModerate
	default:
		return contracts.RiskLow
	}
}

// AssessRisk scores a profile. A profile with a hard boundary or a completely
// blocked category never rates below moderate when HardLimitFloor is set.
func AssessRisk(p contracts.UserSafetyProfile, recentEmergencies int, w Weights) Assessment {
	score := w.Score(p, recentEmergencies)
	level := w.Level(score)
	if w.HardLimitFloor && p.HasHardLimit() {
		level = contracts.MaxRisk(level, contracts.RiskModerate)
	}
	return Assessment{Score: score, Level: level}
}
