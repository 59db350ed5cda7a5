package api

import (
	"fmt"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/job"
	pkgerrors "github.com/absmach/flock/pkg/errors"
	"github.com/absmach/flock/pkg/fl"
)

type createJobReq struct {
	Name                   string                  `json:"name"`
	TargetRounds           int                     `json:"target_rounds"`
	MinClients             int                     `json:"min_clients"`
	ParticipationThreshold float64                 `json:"participation_threshold"`
	RoundTimeoutS          int                     `json:"round_timeout_s"`
	TrainingTimeoutS       int                     `json:"training_timeout_s"`
	Selection              job.SelectionPolicy     `json:"selection"`
	Aggregation            job.AggregationPolicy   `json:"aggregation"`
	Convergence            job.ConvergenceCriteria `json:"convergence"`
	Hyperparams            map[string]any          `json:"hyperparams,omitempty"`
	ModelRef               string                  `json:"model_ref,omitempty"`
}

func (r createJobReq) Validate() error {
	if r.MinClients < 1 {
		return fmt.Errorf("create job request: min_clients is required but missing: %w", pkgerrors.ErrInvalidData)
	}

	return nil
}

type jobReq struct {
	JobID string `json:"job_id"`
}

func (r jobReq) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("job request: job_id is required but missing: %w", pkgerrors.ErrMissingJobID)
	}

	return nil
}

type stopJobReq struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

func (r stopJobReq) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("stop job request: job_id is required but missing: %w", pkgerrors.ErrMissingJobID)
	}

	return nil
}

type listReq struct {
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

func (r listReq) Validate() error {
	return nil
}

type roundResultReq struct {
	JobID string `json:"job_id"`
	Round int    `json:"round"`
}

func (r roundResultReq) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("round result request: job_id is required but missing: %w", pkgerrors.ErrMissingJobID)
	}
	if r.Round < 1 {
		return fmt.Errorf("round result request: round must be positive: %w", pkgerrors.ErrInvalidData)
	}

	return nil
}

type listRoundResultsReq struct {
	JobID  string `json:"job_id"`
	Offset uint64 `json:"offset"`
	Limit  uint64 `json:"limit"`
}

func (r listRoundResultsReq) Validate() error {
	if r.JobID == "" {
		return fmt.Errorf("round results request: job_id is required but missing: %w", pkgerrors.ErrMissingJobID)
	}

	return nil
}

type registerClientReq struct {
	Client clients.Client `json:"client"`
}

func (r registerClientReq) Validate() error {
	if r.Client.ClientType == "" {
		return fmt.Errorf("register client request: client_type is required but missing: %w", pkgerrors.ErrInvalidData)
	}

	return nil
}

type clientReq struct {
	ClientID string `json:"client_id"`
}

func (r clientReq) Validate() error {
	if r.ClientID == "" {
		return fmt.Errorf("client request: client_id is required but missing: %w", pkgerrors.ErrMissingClientID)
	}

	return nil
}

type submitUpdateReq struct {
	Update fl.Update `json:"update"`
}

func (r submitUpdateReq) Validate() error {
	if r.Update.ClientID == "" {
		return fmt.Errorf("submit update request: client_id is required but missing: %w", pkgerrors.ErrMissingClientID)
	}
	if r.Update.JobID == "" {
		return fmt.Errorf("submit update request: job_id is required but missing: %w", pkgerrors.ErrMissingJobID)
	}

	return nil
}
