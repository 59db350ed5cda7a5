package job

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

type State uint8

const (
	Created State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

var ErrInvalidStateTransition = errors.New("invalid state transition")

// Selection strategies.
const (
	StrategyRandom      = "random"
	StrategyPerformance = "performance"
	StrategyDataQuality = "data_quality"
	StrategyHybrid      = "hybrid"
)

// Aggregation algorithms.
const (
	AlgorithmWFAgg       = "wfagg"
	AlgorithmKrum        = "krum"
	AlgorithmTrimmedMean = "trimmed_mean"
	AlgorithmMedian      = "median"
)

// SelectionPolicy configures how clients are picked for each round.
type SelectionPolicy struct {
	Strategy       string  `json:"strategy"`
	MinSamples     int     `json:"min_samples"`
	MinQuality     float64 `json:"min_quality"`
	MinComputeTier string  `json:"min_compute_tier"`
	MinReliability float64 `json:"min_reliability"`
	RequirePrivacy bool    `json:"require_privacy"`
}

// AggregationPolicy configures the robust aggregation of a job's rounds.
type AggregationPolicy struct {
	Algorithm          string  `json:"algorithm"`
	ByzantineTolerance int     `json:"byzantine_tolerance"`
	TrimRatio          float64 `json:"trim_ratio"`
	ConsensusThreshold float64 `json:"consensus_threshold"`
	MagnitudeBound     float64 `json:"magnitude_bound"`
}

// ConvergenceCriteria ends a job before its target round count is reached.
// Zero thresholds disable the corresponding check.
type ConvergenceCriteria struct {
	LossThreshold      float64 `json:"loss_threshold"`
	AccuracyThreshold  float64 `json:"accuracy_threshold"`
	StabilityThreshold float64 `json:"stability_threshold"`
}

// TrainingJob drives multi-round federated training. It is owned by the
// orchestrator: created at submission, mutated only through the orchestrator
// and retired on completion, failure or cancellation.
type TrainingJob struct {
	ID                     string              `json:"id"`
	Name                   string              `json:"name"`
	State                  State               `json:"state"`
	TargetRounds           int                 `json:"target_rounds"`
	CurrentRound           int                 `json:"current_round"`
	MinClients             int                 `json:"min_clients"`
	ParticipationThreshold float64             `json:"participation_threshold"`
	RoundTimeout           time.Duration       `json:"round_timeout"`
	TrainingTimeout        time.Duration       `json:"training_timeout"`
	Selection              SelectionPolicy     `json:"selection"`
	Aggregation            AggregationPolicy   `json:"aggregation"`
	Convergence            ConvergenceCriteria `json:"convergence"`
	Hyperparams            map[string]any      `json:"hyperparams,omitempty"`
	ModelRef               string              `json:"model_ref,omitempty"`
	SelectedClients        []string            `json:"selected_clients,omitempty"`
	Error                  string              `json:"error,omitempty"`
	StartTime              time.Time           `json:"start_time"`
	FinishTime             time.Time           `json:"finish_time"`
	CreatedAt              time.Time           `json:"created_at"`
	UpdatedAt              time.Time           `json:"updated_at"`
}

func (j TrainingJob) Validate() error {
	if j.TargetRounds < 1 {
		return fmt.Errorf("target_rounds must be at least 1, got %d", j.TargetRounds)
	}
	if j.MinClients < 1 {
		return fmt.Errorf("min_clients must be at least 1, got %d", j.MinClients)
	}
	if j.ParticipationThreshold <= 0 || j.ParticipationThreshold > 1 {
		return fmt.Errorf("participation_threshold must be in (0, 1], got %f", j.ParticipationThreshold)
	}
	if j.Aggregation.ByzantineTolerance < 0 {
		return fmt.Errorf("byzantine_tolerance must not be negative, got %d", j.Aggregation.ByzantineTolerance)
	}
	switch j.Selection.Strategy {
	case StrategyRandom, StrategyPerformance, StrategyDataQuality, StrategyHybrid:
	default:
		return fmt.Errorf("unknown selection strategy %q", j.Selection.Strategy)
	}
	switch j.Aggregation.Algorithm {
	case AlgorithmWFAgg, AlgorithmKrum, AlgorithmTrimmedMean, AlgorithmMedian:
	default:
		return fmt.Errorf("unknown aggregation algorithm %q", j.Aggregation.Algorithm)
	}

	return nil
}

/// Quorum returns the number of valid updates that triggers aggregation:
// ceil(min_clients * participation_threshold), at least 1.
func (j TrainingJob) Quorum() int {
	quorum := int(math.Ceil(float64(j.MinClients) * j.ParticipationThreshold))
	if quorum < 1 {
		quorum = 1
	}

	return quorum
}

func ValidateTransition(from, to State) bool {
	validTransitions := map[State][]State{
		Created:   {Running, Failed, Cancelled},
		Running:   {Completed, Failed, Cancelled},
		Completed: {},
		Failed:    {},
		Cancelled: {},
	}

	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

func Transition(j *TrainingJob, to State) error {
	if !ValidateTransition(j.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, j.State, to)
	}

	now := time.Now()
	j.State = to
	j.UpdatedAt = now

	switch to {
	case Running:
		if j.StartTime.IsZero() {
			j.StartTime = now
		}
	case Completed, Failed, Cancelled:
		if j.FinishTime.IsZero() {
			j.FinishTime = now
		}
	case Created:
	}

	return nil
}

func MarkRunning(j *TrainingJob) error {
	return Transition(j, Running)
}

func MarkCompleted(j *TrainingJob) error {
	return Transition(j, Completed)
}

func MarkFailed(j *TrainingJob, errorMsg string) error {
	if err := Transition(j, Failed); err != nil {
		return err
	}
	j.Error = errorMsg

	return nil
}

func MarkCancelled(j *TrainingJob, reason string) error {
	if err := Transition(j, Cancelled); err != nil {
		return err
	}
	j.Error = reason

	return nil
}

func IsTerminalState(state State) bool {
	return state == Completed || state == Failed || state == Cancelled
}

type JobPage struct {
	Offset uint64        `json:"offset"`
	Limit  uint64        `json:"limit"`
	Total  uint64        `json:"total"`
	Jobs   []TrainingJob `json:"jobs"`
}

func FilterRunningJobs(jobs []TrainingJob) []TrainingJob {
	var runningJobs []TrainingJob
	for _, j := range jobs {
		if j.State == Running {
			runningJobs = append(runningJobs, j)
		}
	}

	return runningJobs
}

func FilterTerminalJobs(jobs []TrainingJob) []TrainingJob {
	var terminalJobs []TrainingJob
	for _, j := range jobs {
		if IsTerminalState(j.State) {
			terminalJobs = append(terminalJobs, j)
		}
	}

	return terminalJobs
}
