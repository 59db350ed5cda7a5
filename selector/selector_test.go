package selector

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/job"
)

func eligibleClient(id string) clients.Client {
	return clients.Client{
		ID:     id,
		Status: clients.Available,
		Capabilities: clients.Capabilities{
			ComputeTier:    clients.TierMedium,
			BandwidthMbps:  50,
			PrivacyTier:    "dp",
			EncryptedComms: true,
		},
		Data: clients.DataProfile{
			NumSamples: 1000,
			Quality:    0.9,
			DataType:   "tabular",
		},
		Performance: clients.Performance{
			Reliability: 0.95,
		},
	}
}

func TestFilterEligible(t *testing.T) {
	policy := job.SelectionPolicy{
		Strategy:       job.StrategyRandom,
		MinSamples:     500,
		MinQuality:     0.5,
		MinComputeTier: clients.TierMedium,
		RequirePrivacy: true,
	}

	tests := []struct {
		name     string
		mutate   func(c *clients.Client)
		eligible bool
	}{
		{
			name:     "fully eligible",
			mutate:   func(c *clients.Client) {},
			eligible: true,
		},
		{
			name:     "not available",
			mutate:   func(c *clients.Client) { c.Status = clients.Training },
			eligible: false,
		},
		{
			name:     "too few samples",
			mutate:   func(c *clients.Client) { c.Data.NumSamples = 100 },
			eligible: false,
		},
		{
			name:     "low data quality",
			mutate:   func(c *clients.Client) { c.Data.Quality = 0.3 },
			eligible: false,
		},
		{
			name:     "compute tier below minimum",
			mutate:   func(c *clients.Client) { c.Capabilities.ComputeTier = clients.TierLow },
			eligible: false,
		},
		{
			name:     "low reliability",
			mutate:   func(c *clients.Client) { c.Performance.Reliability = 0.5 },
			eligible: false,
		},
		{
			name:     "missing encrypted comms",
			mutate:   func(c *clients.Client) { c.Capabilities.EncryptedComms = false },
			eligible: false,
		},
		{
			name:     "missing privacy tier",
			mutate:   func(c *clients.Client) { c.Capabilities.PrivacyTier = "" },
			eligible: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := eligibleClient("client-1")
			tt.mutate(&c)
			got := FilterEligible(policy, []clients.Client{c})
			if tt.eligible && len(got) != 1 {
				t.Error("Expected client to pass eligibility")
			}
			if !tt.eligible && len(got) != 0 {
				t.Error("Expected client to be filtered out")
			}
		})
	}
}

func TestReliabilityDefaultsToPointEight(t *testing.T) {
	c := eligibleClient("client-1")
	c.Performance.Reliability = 0.79

	got := FilterEligible(job.SelectionPolicy{Strategy: job.StrategyRandom}, []clients.Client{c})
	if len(got) != 0 {
		t.Error("Expected reliability below 0.8 to be filtered with a zero-valued policy")
	}

	c.Performance.Reliability = 0.8
	got = FilterEligible(job.SelectionPolicy{Strategy: job.StrategyRandom}, []clients.Client{c})
	if len(got) != 1 {
		t.Error("Expected reliability of exactly 0.8 to pass")
	}
}

func TestSelectInsufficientClients(t *testing.T) {
	sel := NewSelector()
	candidates := []clients.Client{eligibleClient("a"), eligibleClient("b")}

	_, err := sel.SelectClients(context.Background(), job.SelectionPolicy{Strategy: job.StrategyRandom}, candidates, 3)
	if !errors.Is(err, ErrInsufficientEligibleClients) {
		t.Errorf("Expected ErrInsufficientEligibleClients, got %v", err)
	}
}

func TestSelectRandomReproducible(t *testing.T) {
	candidates := []clients.Client{
		eligibleClient("a"), eligibleClient("b"), eligibleClient("c"),
		eligibleClient("d"), eligibleClient("e"),
	}
	policy := job.SelectionPolicy{Strategy: job.StrategyRandom}

	first, err := NewSelector(WithRand(rand.New(rand.NewSource(42)))).SelectClients(context.Background(), policy, candidates, 3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := NewSelector(WithRand(rand.New(rand.NewSource(42)))).SelectClients(context.Background(), policy, candidates, 3)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("Expected 3 selected clients, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("Expected identical selection with the same seed, got %s vs %s", first[i].ID, second[i].ID)
		}
	}
}

func TestSelectByPerformance(t *testing.T) {
	fast := eligibleClient("fast")
	fast.Performance = clients.Performance{
		TrainingSpeed:   10,
		CommEfficiency:  0.9,
		Reliability:     0.99,
		ResourceUsage:   0.9,
		RoundsCompleted: 20,
	}

	slow := eligibleClient("slow")
	slow.Performance = clients.Performance{
		TrainingSpeed:   0.1,
		CommEfficiency:  0.2,
		Reliability:     0.81,
		ResourceUsage:   0.1,
		RoundsCompleted: 20,
	}

	sel := NewSelector()
	got, err := sel.SelectClients(context.Background(), job.SelectionPolicy{Strategy: job.StrategyPerformance}, []clients.Client{slow, fast}, 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got[0].ID != "fast" {
		t.Errorf("Expected the faster client to be picked, got %s", got[0].ID)
	}
}

func TestSelectByDataQuality(t *testing.T) {
	better := eligibleClient("better")
	better.Data.Quality = 0.95
	better.Data.NumSamples = 2000

	worse := eligibleClient("worse")
	worse.Data.Quality = 0.85

	sel := NewSelector()
	got, err := sel.SelectClients(context.Background(), job.SelectionPolicy{Strategy: job.StrategyDataQuality}, []clients.Client{worse, better}, 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got[0].ID != "better" {
		t.Errorf("Expected the higher quality client to be picked, got %s", got[0].ID)
	}
}

func TestSelectHybridPrefersDiversity(t *testing.T) {
	// Two strong tabular clients and one equally capable image client. With
	// one tabular client already selected, the diversity term should pull the
	// image client in as the second pick.
	tabularA := eligibleClient("tabular-a")
	tabularA.Performance.RoundsCompleted = 10
	tabularA.Performance.TrainingSpeed = 5
	tabularA.Performance.CommEfficiency = 0.9
	tabularA.Performance.ResourceUsage = 0.9

	tabularB := tabularA
	tabularB.ID = "tabular-b"

	image := tabularA
	image.ID = "image"
	image.Data.DataType = "image"
	image.ClientType = "camera"

	sel := NewSelector()
	got, err := sel.SelectClients(context.Background(), job.SelectionPolicy{Strategy: job.StrategyHybrid}, []clients.Client{tabularA, tabularB, image}, 2)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	found := false
	for _, c := range got {
		if c.ID == "image" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected the dissimilar client in the selection, got %s and %s", got[0].ID, got[1].ID)
	}
}

func TestFairnessPenalizesRepeatSelection(t *testing.T) {
	veteran := eligibleClient("veteran")
	veteran.SelectionCount = 10

	fresh := eligibleClient("fresh")
	fresh.SelectionCount = 0

	sel := NewSelector()
	got, err := sel.SelectClients(context.Background(), job.SelectionPolicy{Strategy: job.StrategyHybrid}, []clients.Client{veteran, fresh}, 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got[0].ID != "fresh" {
		t.Errorf("Expected the less frequently selected client, got %s", got[0].ID)
	}
}
