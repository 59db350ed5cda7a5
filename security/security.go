package security

import (
	"time"
)

// Threat types recorded on security events.
const (
	ThreatAnomaly   = "anomaly"
	ThreatPoisoning = "model_poisoning"
	ThreatIntegrity = "integrity_violation"
	ThreatTemporal  = "temporal_inconsistency"
	ThreatByzantine = "byzantine_update"
	ThreatScreening = "screening_rejected"
	ThreatBadResult = "aggregation_rejected"
)

// Event severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Config carries the detection thresholds. The defaults mirror the tuned
// values the engine ships with; deployments override them in configuration.
type Config struct {
	MagnitudeBound      float64       `json:"magnitude_bound" toml:"magnitude_bound"`
	GradientNormBound   float64       `json:"gradient_norm_bound" toml:"gradient_norm_bound"`
	SuspicionCutoff     float64       `json:"suspicion_cutoff" toml:"suspicion_cutoff"`
	LossJumpBound       float64       `json:"loss_jump_bound" toml:"loss_jump_bound"`
	MaxThreatLevel      float64       `json:"max_threat_level" toml:"max_threat_level"`
	ConsensusThreshold  float64       `json:"consensus_threshold" toml:"consensus_threshold"`
	ResultBound         float64       `json:"result_bound" toml:"result_bound"`
	MaxByzantineRatio   float64       `json:"max_byzantine_ratio" toml:"max_byzantine_ratio"`
	ReputationDecay     float64       `json:"reputation_decay" toml:"reputation_decay"`
	ReputationRecovery  float64       `json:"reputation_recovery" toml:"reputation_recovery"`
	ExclusionCooldown   time.Duration `json:"exclusion_cooldown" toml:"exclusion_cooldown"`
	RequireEncryption   bool          `json:"require_encryption" toml:"require_encryption"`
	MinScreeningTier    string        `json:"min_screening_tier" toml:"min_screening_tier"`
	RestorationInterval time.Duration `json:"restoration_interval" toml:"restoration_interval"`
}

func DefaultConfig() Config {
	return Config{
		MagnitudeBound:      20,
		GradientNormBound:   100,
		SuspicionCutoff:     0.5,
		LossJumpBound:       10,
		MaxThreatLevel:      0.5,
		ConsensusThreshold:  0.7,
		ResultBound:         100,
		MaxByzantineRatio:   0.25,
		ReputationDecay:     0.8,
		ReputationRecovery:  1.05,
		ExclusionCooldown:   24 * time.Hour,
		RequireEncryption:   true,
		MinScreeningTier:    "low",
		RestorationInterval: time.Minute,
	}
}

// ReputationRecord is the per-client trust state. The score stays in [0, 1],
// decays on detected misbehavior and recovers on clean updates. Exclusion
// deadlines are persisted here so a restart does not lose a pending
// restoration.
type ReputationRecord struct {
	ClientID   string    `json:"client_id"`
	Score      float64   `json:"score"`
	Excluded   bool      `json:"excluded"`
	Permanent  bool      `json:"permanent"`
	RestoreAt  time.Time `json:"restore_at,omitempty"`
	Violations int       `json:"violations"`
	LastLoss   float64   `json:"last_loss"`
	HasHistory bool      `json:"has_history"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Event is one entry of the append-only security audit trail.
type Event struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Round     int       `json:"round,omitempty"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

type EventPage struct {
	Offset uint64  `json:"offset"`
	Limit  uint64  `json:"limit"`
	Total  uint64  `json:"total"`
	Events []Event `json:"events"`
}
