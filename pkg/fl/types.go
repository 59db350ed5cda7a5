package fl

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Params holds named parameter groups, each an array of values. The engine
// treats them as opaque vectors.
type Params map[string][]float64

// Update is a model update submitted by a client for one round.
type Update struct {
	ClientID     string    `json:"client_id"`
	JobID        string    `json:"job_id"`
	Round        int       `json:"round"`
	Params       Params    `json:"params"`
	NumSamples   int       `json:"num_samples"`
	Loss         float64   `json:"loss"`
	Accuracy     float64   `json:"accuracy"`
	ComputeTime  float64   `json:"compute_time"`
	Digest       string    `json:"digest"`
	PrivacyProof string    `json:"privacy_proof,omitempty"`
	ReceivedAt   time.Time `json:"received_at,omitempty"`
}

// ComputeDigest returns the hex SHA-256 over the update's canonical JSON
// form, excluding the digest itself and the receive timestamp. Map keys are
// sorted by the encoder, so the digest is stable across processes.
func (u Update) ComputeDigest() string {
	canonical := struct {
		ClientID   string  `json:"client_id"`
		JobID      string  `json:"job_id"`
		Round      int     `json:"round"`
		Params     Params  `json:"params"`
		NumSamples int     `json:"num_samples"`
		Loss       float64 `json:"loss"`
	}{u.ClientID, u.JobID, u.Round, u.Params, u.NumSamples, u.Loss}

	data, err := json.Marshal(canonical)
	if err != nil {
		return ""
	}
	hash := sha256.Sum256(data)

	return hex.EncodeToString(hash[:])
}

// Task is the round-start payload dispatched to each selected client.
type Task struct {
	JobID       string         `json:"job_id"`
	Round       int            `json:"round"`
	ModelRef    string         `json:"model_ref,omitempty"`
	Params      Params         `json:"params"`
	Hyperparams map[string]any `json:"hyperparams,omitempty"`
	TimeoutS    int            `json:"timeout_s"`
}

// Model is the global model distributed at the start of a round and replaced
// by each accepted aggregation.
type Model struct {
	Version   int            `json:"version"`
	Params    Params         `json:"params"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// QualityMetrics scores one aggregation result.
type QualityMetrics struct {
	Consensus float64 `json:"consensus"`
	Quality   float64 `json:"quality"`
	Stability float64 `json:"stability"`
}

// ConvergenceMetrics tracks progress of a job across rounds.
type ConvergenceMetrics struct {
	ParameterStability float64 `json:"parameter_stability"`
	AvgLoss            float64 `json:"avg_loss"`
	AvgAccuracy        float64 `json:"avg_accuracy"`
	EstimatedRounds    float64 `json:"estimated_rounds"`
}

// AggregationResult is produced at most once per round and becomes the next
// round's distributed model when accepted.
type AggregationResult struct {
	JobID        string             `json:"job_id"`
	Round        int                `json:"round"`
	Params       Params             `json:"params"`
	Participants []string           `json:"participants"`
	Weights      map[string]float64 `json:"weights"`
	Byzantine    []string           `json:"byzantine_clients_detected"`
	Metrics      QualityMetrics     `json:"metrics"`
	Convergence  ConvergenceMetrics `json:"convergence"`
	Accepted     bool               `json:"accepted"`
	Reason       string             `json:"reason,omitempty"`
}

// Aggregator combines a round's updates into a single result.
type Aggregator interface {
	Aggregate(updates []Update) (AggregationResult, error)
}
