package clients

import (
	"fmt"
	"slices"
	"time"
)

const heartbeatHistoryLimit = 10

type Status uint8

const (
	Available Status = iota
	Training
	Offline
	Errored
)

func (s Status) String() string {
	switch s {
	case Available:
		return "Available"
	case Training:
		return "Training"
	case Offline:
		return "Offline"
	case Errored:
		return "Error"
	default:
		return "Unknown"
	}
}

// Compute tiers, ordinal low < medium < high.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// TierRank maps a compute tier to its ordinal rank. Unknown tiers rank below
// low.
func TierRank(tier string) int {
	switch tier {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	default:
		return 0
	}
}

// Capabilities declares what a client's hardware and runtime can do.
type Capabilities struct {
	ComputeTier    string  `json:"compute_tier"`
	MemoryMB       uint64  `json:"memory_mb"`
	BandwidthMbps  float64 `json:"bandwidth_mbps"`
	PrivacyTier    string  `json:"privacy_tier"`
	EncryptedComms bool    `json:"encrypted_comms"`
}

// DataProfile describes the client's local dataset without exposing it.
type DataProfile struct {
	NumSamples  int     `json:"num_samples"`
	NumFeatures int     `json:"num_features"`
	Quality     float64 `json:"quality"`
	Sensitivity string  `json:"sensitivity"`
	DataType    string  `json:"data_type,omitempty"`
}

// Performance accumulates per-client history used by selection scoring.
type Performance struct {
	TrainingSpeed   float64 `json:"training_speed"`
	CommEfficiency  float64 `json:"comm_efficiency"`
	Reliability     float64 `json:"reliability"`
	ResourceUsage   float64 `json:"resource_usage"`
	RoundsCompleted int     `json:"rounds_completed"`
	RoundsFailed    int     `json:"rounds_failed"`
}

// Client is a registered training participant. Its status is mutated only by
// the client manager; reputation lives with the security manager.
type Client struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	ClientType       string       `json:"client_type"`
	Status           Status       `json:"status"`
	Capabilities     Capabilities `json:"capabilities"`
	Data             DataProfile  `json:"data"`
	Performance      Performance  `json:"performance"`
	SelectionCount   int          `json:"selection_count"`
	LastHeartbeat    time.Time    `json:"last_heartbeat"`
	HeartbeatHistory []time.Time  `json:"heartbeat_history,omitempty"`
	RegisteredAt     time.Time    `json:"registered_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Validate checks the fields a registration must carry. Reason strings are
// stable for audit.
func (c Client) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("client validation failed: empty client id")
	}
	if c.ClientType == "" {
		return fmt.Errorf("client validation failed: empty client type")
	}
	if c.Data.NumSamples <= 0 {
		return fmt.Errorf("client validation failed: sample count must be positive, got %d", c.Data.NumSamples)
	}
	if c.Data.Quality < 0 || c.Data.Quality > 1 {
		return fmt.Errorf("client validation failed: data quality must be in [0, 1], got %f", c.Data.Quality)
	}
	if TierRank(c.Capabilities.ComputeTier) == 0 {
		return fmt.Errorf("client validation failed: unknown compute tier %q", c.Capabilities.ComputeTier)
	}
	if c.Capabilities.MemoryMB == 0 {
		return fmt.Errorf("client validation failed: memory capability missing")
	}
	if c.Capabilities.BandwidthMbps <= 0 {
		return fmt.Errorf("client validation failed: bandwidth capability missing")
	}
	if c.Capabilities.PrivacyTier == "" {
		return fmt.Errorf("client validation failed: privacy tier missing")
	}
	if c.Data.Sensitivity == "" {
		return fmt.Errorf("client validation failed: data sensitivity missing")
	}

	return nil
}

// RecordHeartbeat appends a heartbeat timestamp, keeping a bounded history.
func (c *Client) RecordHeartbeat(at time.Time) {
	c.LastHeartbeat = at
	c.HeartbeatHistory = append(c.HeartbeatHistory, at)
	if len(c.HeartbeatHistory) > heartbeatHistoryLimit {
		c.HeartbeatHistory = c.HeartbeatHistory[len(c.HeartbeatHistory)-heartbeatHistoryLimit:]
	}
}

// ValidateTransition enforces the client status machine: available and
// training flip between each other, both may drop to offline or error, and
// re-admission returns offline or errored clients to available.
func ValidateTransition(from, to Status) bool {
	validTransitions := map[Status][]Status{
		Available: {Training, Offline, Errored},
		Training:  {Available, Offline, Errored},
		Offline:   {Available},
		Errored:   {Available},
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

type ClientPage struct {
	Offset  uint64   `json:"offset"`
	Limit   uint64   `json:"limit"`
	Total   uint64   `json:"total"`
	Clients []Client `json:"clients"`
}

func FilterAvailableClients(cs []Client) []Client {
	var available []Client
	for _, c := range cs {
		if c.Status == Available {
			available = append(available, c)
		}
	}

	return available
}
