package job

import (
	"testing"
	"time"
)

func validJob() TrainingJob {
	return TrainingJob{
		ID:                     "job-1",
		Name:                   "test-job",
		TargetRounds:           10,
		MinClients:             5,
		ParticipationThreshold: 0.6,
		RoundTimeout:           5 * time.Minute,
		Selection:              SelectionPolicy{Strategy: StrategyRandom},
		Aggregation:            AggregationPolicy{Algorithm: AlgorithmWFAgg},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(j *TrainingJob)
		expectErr bool
	}{
		{
			name:      "valid job",
			mutate:    func(j *TrainingJob) {},
			expectErr: false,
		},
		{
			name:      "zero target rounds",
			mutate:    func(j *TrainingJob) { j.TargetRounds = 0 },
			expectErr: true,
		},
		{
			name:      "zero min clients",
			mutate:    func(j *TrainingJob) { j.MinClients = 0 },
			expectErr: true,
		},
		{
			name:      "participation threshold above 1",
			mutate:    func(j *TrainingJob) { j.ParticipationThreshold = 1.5 },
			expectErr: true,
		},
		{
			name:      "participation threshold zero",
			mutate:    func(j *TrainingJob) { j.ParticipationThreshold = 0 },
			expectErr: true,
		},
		{
			name:      "negative byzantine tolerance",
			mutate:    func(j *TrainingJob) { j.Aggregation.ByzantineTolerance = -1 },
			expectErr: true,
		},
		{
			name:      "unknown selection strategy",
			mutate:    func(j *TrainingJob) { j.Selection.Strategy = "best-effort" },
			expectErr: true,
		},
		{
			name:      "unknown aggregation algorithm",
			mutate:    func(j *TrainingJob) { j.Aggregation.Algorithm = "fedavg2" },
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := validJob()
			tt.mutate(&j)
			err := j.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected a validation error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestQuorum(t *testing.T) {
	tests := []struct {
		name          string
		minClients    int
		participation float64
		expected      int
	}{
		{
			name:          "five clients at 0.6 rounds up to 3",
			minClients:    5,
			participation: 0.6,
			expected:      3,
		},
		{
			name:          "exact product",
			minClients:    10,
			participation: 0.5,
			expected:      5,
		},
		{
			name:          "full participation",
			minClients:    4,
			participation: 1.0,
			expected:      4,
		},
		{
			name:          "never below one",
			minClients:    1,
			participation: 0.1,
			expected:      1,
		},
		{
			name:          "fraction just above boundary",
			minClients:    3,
			participation: 0.34,
			expected:      2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := TrainingJob{MinClients: tt.minClients, ParticipationThreshold: tt.participation}
			if got := j.Quorum(); got != tt.expected {
				t.Errorf("Expected quorum %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		allowed bool
	}{
		{name: "created to running", from: Created, to: Running, allowed: true},
		{name: "created to cancelled", from: Created, to: Cancelled, allowed: true},
		{name: "created to failed", from: Created, to: Failed, allowed: true},
		{name: "running to completed", from: Running, to: Completed, allowed: true},
		{name: "running to failed", from: Running, to: Failed, allowed: true},
		{name: "running to cancelled", from: Running, to: Cancelled, allowed: true},
		{name: "created to completed skips running", from: Created, to: Completed, allowed: false},
		{name: "completed is terminal", from: Completed, to: Running, allowed: false},
		{name: "failed is terminal", from: Failed, to: Running, allowed: false},
		{name: "cancelled is terminal", from: Cancelled, to: Running, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateTransition(tt.from, tt.to); got != tt.allowed {
				t.Errorf("Expected transition %s -> %s allowed=%v, got %v", tt.from, tt.to, tt.allowed, got)
			}
		})
	}
}

func TestMarkHelpers(t *testing.T) {
	j := validJob()

	if err := MarkRunning(&j); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if j.State != Running {
		t.Errorf("Expected state Running, got %s", j.State)
	}
	if j.StartTime.IsZero() {
		t.Error("Expected StartTime to be set")
	}

	if err := MarkFailed(&j, "aggregation rejected"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if j.State != Failed {
		t.Errorf("Expected state Failed, got %s", j.State)
	}
	if j.Error != "aggregation rejected" {
		t.Errorf("Expected error message to be recorded, got %q", j.Error)
	}
	if j.FinishTime.IsZero() {
		t.Error("Expected FinishTime to be set")
	}

	// Terminal states refuse further transitions.
	if err := MarkRunning(&j); err == nil {
		t.Error("Expected an error resuming a failed job")
	}

	j2 := validJob()
	if err := MarkCancelled(&j2, "stopped by operator"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if j2.State != Cancelled || j2.Error != "stopped by operator" {
		t.Errorf("Expected cancelled with reason, got state=%s error=%q", j2.State, j2.Error)
	}
}

func TestFilters(t *testing.T) {
	jobs := []TrainingJob{
		{ID: "a", State: Created},
		{ID: "b", State: Running},
		{ID: "c", State: Completed},
		{ID: "d", State: Failed},
		{ID: "e", State: Running},
	}

	running := FilterRunningJobs(jobs)
	if len(running) != 2 {
		t.Errorf("Expected 2 running jobs, got %d", len(running))
	}

	terminal := FilterTerminalJobs(jobs)
	if len(terminal) != 2 {
		t.Errorf("Expected 2 terminal jobs, got %d", len(terminal))
	}
}
