package selector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/absmach/flock/clients"
	"github.com/absmach/flock/job"
)

const defaultMinReliability = 0.8

// Performance score weights.
const (
	weightTrainingSpeed  = 0.3
	weightCommEfficiency = 0.25
	weightReliability    = 0.2
	weightDataQuality    = 0.15
	weightResourceUsage  = 0.1
)

// Hybrid strategy composition.
const (
	hybridPerformance = 0.5
	hybridDiversity   = 0.3
	hybridFairness    = 0.2
)

var ErrInsufficientEligibleClients = errors.New("insufficient eligible clients")

// Selector picks the participants of a round. Candidates that fail the
// eligibility filter never reach a strategy.
type Selector interface {
	SelectClients(ctx context.Context, policy job.SelectionPolicy, candidates []clients.Client, count int) ([]clients.Client, error)
}

type selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Selector = (*selector)(nil)

type Option func(*selector)

// WithRand fixes the random source, for reproducible selection.
func WithRand(rng *rand.Rand) Option {
	return func(s *selector) {
		s.rng = rng
	}
}

func NewSelector(opts ...Option) Selector {
	s := &selector{}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *selector) SelectClients(_ context.Context, policy job.SelectionPolicy, candidates []clients.Client, count int) ([]clients.Client, error) {
	eligible := FilterEligible(policy, candidates)
	if len(eligible) < count {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientEligibleClients, count, len(eligible))
	}

	switch policy.Strategy {
	case job.StrategyRandom:
		return s.selectRandom(eligible, count), nil
	case job.StrategyPerformance:
		return selectByPerformance(eligible, count), nil
	case job.StrategyDataQuality:
		return selectByDataQuality(eligible, count), nil
	case job.StrategyHybrid:
		return selectHybrid(eligible, count), nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", policy.Strategy)
	}
}

// FilterEligible applies the static eligibility rules: minimum samples,
// minimum data quality, minimum compute tier, minimum reliability, privacy
// compliance and availability.
func FilterEligible(policy job.SelectionPolicy, candidates []clients.Client) []clients.Client {
	minReliability := policy.MinReliability
	if minReliability == 0 {
		minReliability = defaultMinReliability
	}

	var eligible []clients.Client
	for _, c := range candidates {
		if c.Status != clients.Available {
			continue
		}
		if c.Data.NumSamples < policy.MinSamples {
			continue
		}
		if c.Data.Quality < policy.MinQuality {
			continue
		}
		if policy.MinComputeTier != "" && clients.TierRank(c.Capabilities.ComputeTier) < clients.TierRank(policy.MinComputeTier) {
			continue
		}
		if c.Performance.Reliability < minReliability {
			continue
		}
		if policy.RequirePrivacy && (!c.Capabilities.EncryptedComms || c.Capabilities.PrivacyTier == "") {
			continue
		}
		eligible = append(eligible, c)
	}

	return eligible
}

func (s *selector) selectRandom(eligible []clients.Client, count int) []clients.Client {
	shuffled := make([]clients.Client, len(eligible))
	copy(shuffled, eligible)

	s.mu.Lock()
	if s.rng != nil {
		s.rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
	} else {
		rand.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
	}
	s.mu.Unlock()

	return shuffled[:count]
}

func selectByPerformance(eligible []clients.Client, count int) []clients.Client {
	sorted := make([]clients.Client, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := PerformanceScore(sorted[i]), PerformanceScore(sorted[j])
		if si != sj {
			return si > sj
		}

		return sorted[i].ID < sorted[j].ID
	})

	return sorted[:count]
}

func selectByDataQuality(eligible []clients.Client, count int) []clients.Client {
	sorted := make([]clients.Client, len(eligible))
	copy(sorted, eligible)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Data.Quality != sorted[j].Data.Quality {
			return sorted[i].Data.Quality > sorted[j].Data.Quality
		}
		if sorted[i].Data.NumSamples != sorted[j].Data.NumSamples {
			return sorted[i].Data.NumSamples > sorted[j].Data.NumSamples
		}

		return sorted[i].ID < sorted[j].ID
	})

	return sorted[:count]
}

// selectHybrid picks greedily: each step scores every remaining candidate
// against the growing selected set and takes the best. Pre-sorting alone
// cannot express the diversity term, which depends on who is already in.
func selectHybrid(eligible []clients.Client, count int) []clients.Client {
	maxSelections := 0
	for _, c := range eligible {
		if c.SelectionCount > maxSelections {
			maxSelections = c.SelectionCount
		}
	}

	remaining := make([]clients.Client, len(eligible))
	copy(remaining, eligible)
	selected := make([]clients.Client, 0, count)

	for len(selected) < count {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, c := range remaining {
			score := hybridPerformance*PerformanceScore(c) +
				hybridDiversity*diversityScore(c, selected) +
				hybridFairness*fairnessScore(c, maxSelections)
			if score > bestScore || (score == bestScore && c.ID < remaining[bestIdx].ID) {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected
}

// PerformanceScore combines a client's history into one scalar. Clients with
// no completed rounds get a default derived from declared capabilities.
func PerformanceScore(c clients.Client) float64 {
	if c.Performance.RoundsCompleted == 0 && c.Performance.RoundsFailed == 0 {
		return defaultScore(c)
	}

	speed := c.Performance.TrainingSpeed / (1 + c.Performance.TrainingSpeed)

	return weightTrainingSpeed*speed +
		weightCommEfficiency*clamp01(c.Performance.CommEfficiency) +
		weightReliability*clamp01(c.Performance.Reliability) +
		weightDataQuality*clamp01(c.Data.Quality) +
		weightResourceUsage*clamp01(c.Performance.ResourceUsage)
}

func defaultScore(c clients.Client) float64 {
	tier := float64(clients.TierRank(c.Capabilities.ComputeTier)) / 3.0
	bandwidth := clamp01(c.Capabilities.BandwidthMbps / 100.0)

	return 0.5*tier + 0.3*bandwidth + 0.2*clamp01(c.Data.Quality)
}

// diversityScore rewards dissimilarity from the already selected set over
// data type, compute tier, client type, privacy tier and log-scaled data
// size. An empty set scores full diversity.
func diversityScore(c clients.Client, selected []clients.Client) float64 {
	if len(selected) == 0 {
		return 1.0
	}

	total := 0.0
	for _, s := range selected {
		dissim := 0.0
		if c.Data.DataType != s.Data.DataType {
			dissim++
		}
		if c.Capabilities.ComputeTier != s.Capabilities.ComputeTier {
			dissim++
		}
		if c.ClientType != s.ClientType {
			dissim++
		}
		if c.Capabilities.PrivacyTier != s.Capabilities.PrivacyTier {
			dissim++
		}
		sizeDelta := math.Abs(math.Log10(float64(c.Data.NumSamples)+1) - math.Log10(float64(s.Data.NumSamples)+1))
		dissim += clamp01(sizeDelta)
		total += dissim / 5.0
	}

	return total / float64(len(selected))
}

// fairnessScore penalizes clients picked more often than their peers.
func fairnessScore(c clients.Client, maxSelections int) float64 {
	if maxSelections == 0 {
		return 1.0
	}

	return 1.0 - clamp01(float64(c.SelectionCount)/float64(maxSelections))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}

	return v
}
