package security

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/absmach/flock/job"
	"github.com/absmach/flock/pkg/fl"
)

const defaultTrimRatio = 0.1

// Aggregate combines one round's updates with the job's configured
// algorithm. Updates from excluded clients are skipped before aggregation.
// Clients the algorithm filters out are penalized but not excluded.
func (svc *service) Aggregate(ctx context.Context, policy job.AggregationPolicy, updates []fl.Update) (fl.AggregationResult, error) {
	if len(updates) == 0 {
		return fl.AggregationResult{}, ErrNoUpdates
	}

	admitted := make([]fl.Update, 0, len(updates))
	for _, u := range updates {
		if excluded, err := svc.isExcluded(ctx, u.ClientID); err == nil && excluded {
			svc.logger.WarnContext(ctx, "skipping update from excluded client",
				slog.String("client_id", u.ClientID), slog.String("job_id", u.JobID))

			continue
		}
		admitted = append(admitted, u)
	}
	if len(admitted) == 0 {
		return fl.AggregationResult{}, fmt.Errorf("%w: all submitting clients are excluded", ErrNoUpdates)
	}

	algorithm := policy.Algorithm
	if algorithm == "" {
		algorithm = job.AlgorithmWFAgg
	}

	var result fl.AggregationResult
	var err error
	switch algorithm {
	case job.AlgorithmWFAgg:
		result, err = wfAggregate(admitted, policy.ByzantineTolerance, svc.cfg.LossJumpBound, svc.lastLosses(ctx, admitted))
	case job.AlgorithmKrum:
		result, err = krumAggregate(admitted, policy.ByzantineTolerance)
	case job.AlgorithmTrimmedMean:
		ratio := policy.TrimRatio
		if ratio <= 0 {
			ratio = defaultTrimRatio
		}
		result, err = trimmedMeanAggregate(admitted, ratio)
	case job.AlgorithmMedian:
		result, err = medianAggregate(admitted)
	default:
		return fl.AggregationResult{}, fmt.Errorf("unknown aggregation algorithm %q", algorithm)
	}
	if err != nil {
		return fl.AggregationResult{}, err
	}

	result.Metrics = aggregationMetrics(admitted, result)

	for _, clientID := range result.Byzantine {
		svc.recordByzantine(ctx, clientID, result.JobID, result.Round)
	}

	return result, nil
}

// ValidateAggregation gates a result before it may become the global model.
// Rejection reasons are joined into one stable string for the audit trail.
func (svc *service) ValidateAggregation(ctx context.Context, policy job.AggregationPolicy, result fl.AggregationResult) error {
	threshold := policy.ConsensusThreshold
	if threshold <= 0 {
		threshold = svc.cfg.ConsensusThreshold
	}
	bound := policy.MagnitudeBound
	if bound <= 0 {
		bound = svc.cfg.ResultBound
	}

	var reasons []string

	if result.Metrics.Consensus < threshold {
		reasons = append(reasons, fmt.Sprintf("consensus %.2f below threshold %.2f", result.Metrics.Consensus, threshold))
	}

	switch {
	case !result.Params.Finite():
		reasons = append(reasons, "aggregated parameters contain non-finite values")
	case result.Params.MaxAbs() > bound:
		reasons = append(reasons, fmt.Sprintf("aggregated magnitude %.2f exceeds bound %.2f", result.Params.MaxAbs(), bound))
	}

	if len(result.Byzantine) > policy.ByzantineTolerance {
		reasons = append(reasons, fmt.Sprintf("%d byzantine clients exceed tolerance %d", len(result.Byzantine), policy.ByzantineTolerance))
	}
	if len(result.Participants) > 0 {
		ratio := float64(len(result.Byzantine)) / float64(len(result.Participants))
		if ratio > svc.cfg.MaxByzantineRatio {
			reasons = append(reasons, fmt.Sprintf("byzantine ratio %.2f exceeds %.2f", ratio, svc.cfg.MaxByzantineRatio))
		}
	}

	if len(reasons) == 0 {
		return nil
	}

	detail := strings.Join(reasons, "; ")
	svc.recordEvent(ctx, Event{
		JobID:    result.JobID,
		Round:    result.Round,
		Type:     ThreatBadResult,
		Severity: SeverityHigh,
		Detail:   detail,
	})

	return fmt.Errorf("%w: %s", ErrAggregationRejected, detail)
}

func (svc *service) lastLosses(ctx context.Context, updates []fl.Update) map[string]float64 {
	last := make(map[string]float64, len(updates))
	for _, u := range updates {
		if rec, err := svc.getRecord(ctx, u.ClientID); err == nil && rec.HasHistory {
			last[u.ClientID] = rec.LastLoss
		}
	}

	return last
}

// krumAggregate picks the single update minimizing the summed squared
// distance to its nearest neighbors and hands it the full weight.
func krumAggregate(updates []fl.Update, tolerance int) (fl.AggregationResult, error) {
	flat, err := flattenAligned(updates)
	if err != nil {
		return fl.AggregationResult{}, err
	}

	valid := make([]int, 0, len(updates))
	for i := range flat {
		if finiteVector(flat[i]) {
			valid = append(valid, i)
		}
	}
	if len(valid) == 0 {
		return fl.AggregationResult{}, ErrAllFiltered
	}

	neighbors := len(updates) - tolerance - 2
	if neighbors < 1 || neighbors > len(valid)-1 {
		neighbors = len(valid) - 1
	}

	scores := make(map[int]float64, len(valid))
	for _, i := range valid {
		dists := make([]float64, 0, len(valid)-1)
		for _, j := range valid {
			if i == j {
				continue
			}
			d := euclidean(flat[i], flat[j])
			dists = append(dists, d*d)
		}
		sort.Float64s(dists)
		for _, d := range dists[:neighbors] {
			scores[i] += d
		}
	}

	winner := valid[0]
	for _, i := range valid[1:] {
		if scores[i] < scores[winner] ||
			(scores[i] == scores[winner] && updates[i].ClientID < updates[winner].ClientID) {
			winner = i
		}
	}

	weights := make(map[string]float64, len(updates))
	participants := make([]string, 0, len(updates))
	for _, u := range updates {
		weights[u.ClientID] = 0
		participants = append(participants, u.ClientID)
	}
	weights[updates[winner].ClientID] = 1
	sort.Strings(participants)

	return fl.AggregationResult{
		JobID:        updates[0].JobID,
		Round:        updates[0].Round,
		Params:       updates[winner].Params.Clone(),
		Participants: participants,
		Weights:      weights,
		Byzantine:    []string{},
	}, nil
}

// trimmedMeanAggregate drops the extreme tails of every coordinate and
// averages the rest. Weights are reported as uniform.
func trimmedMeanAggregate(updates []fl.Update, trimRatio float64) (fl.AggregationResult, error) {
	flat, err := flattenAligned(updates)
	if err != nil {
		return fl.AggregationResult{}, err
	}

	k := len(updates)
	trim := int(float64(k) * trimRatio)
	if 2*trim >= k {
		trim = (k - 1) / 2
	}

	dim := len(flat[0])
	agg := make([]float64, dim)
	column := make([]float64, k)
	for j := 0; j < dim; j++ {
		for i := range flat {
			column[i] = flat[i][j]
		}
		sort.Float64s(column)
		kept := column[trim : k-trim]
		sum := 0.0
		for _, v := range kept {
			sum += v
		}
		agg[j] = sum / float64(len(kept))
	}

	return uniformResult(updates, agg), nil
}

// medianAggregate takes the coordinate-wise median across updates.
func medianAggregate(updates []fl.Update) (fl.AggregationResult, error) {
	flat, err := flattenAligned(updates)
	if err != nil {
		return fl.AggregationResult{}, err
	}

	k := len(updates)
	dim := len(flat[0])
	agg := make([]float64, dim)
	column := make([]float64, k)
	for j := 0; j < dim; j++ {
		for i := range flat {
			column[i] = flat[i][j]
		}
		sort.Float64s(column)
		mid := k / 2
		if k%2 == 1 {
			agg[j] = column[mid]
		} else {
			agg[j] = (column[mid-1] + column[mid]) / 2
		}
	}

	return uniformResult(updates, agg), nil
}

func uniformResult(updates []fl.Update, agg []float64) fl.AggregationResult {
	k := len(updates)
	weights := make(map[string]float64, k)
	participants := make([]string, 0, k)
	for _, u := range updates {
		weights[u.ClientID] = 1 / float64(k)
		participants = append(participants, u.ClientID)
	}
	sort.Strings(participants)

	return fl.AggregationResult{
		JobID:        updates[0].JobID,
		Round:        updates[0].Round,
		Params:       updates[0].Params.UnflattenLike(agg),
		Participants: participants,
		Weights:      weights,
		Byzantine:    []string{},
	}
}

func flattenAligned(updates []fl.Update) ([][]float64, error) {
	flat := make([][]float64, len(updates))
	dim := 0
	for i, u := range updates {
		flat[i] = u.Params.Flatten()
		if i == 0 {
			dim = len(flat[i])
			if dim == 0 {
				return nil, ErrEmptyVector
			}

			continue
		}
		if len(flat[i]) != dim {
			return nil, ErrDimensionMismatch
		}
	}

	return flat, nil
}

// aggregationMetrics derives the quality scores stored with every result.
// Consensus decays exponentially with the average distance between the
// comparable updates and the aggregate; stability reflects the loss
// variance across the contributing clients.
func aggregationMetrics(updates []fl.Update, result fl.AggregationResult) fl.QualityMetrics {
	aggFlat := result.Params.Flatten()

	totalDist := 0.0
	comparable := 0
	for _, u := range updates {
		vec := u.Params.Flatten()
		if len(vec) != len(aggFlat) || !finiteVector(vec) {
			continue
		}
		totalDist += euclidean(vec, aggFlat)
		comparable++
	}
	consensus := 0.0
	if comparable > 0 {
		consensus = math.Exp(-(totalDist / float64(comparable)) / 10)
	}

	quality := float64(len(updates)-len(result.Byzantine)) / float64(len(updates))

	losses := make([]float64, 0, len(updates))
	for _, u := range updates {
		if result.Weights[u.ClientID] > 0 {
			losses = append(losses, u.Loss)
		}
	}

	return fl.QualityMetrics{
		Consensus: consensus,
		Quality:   quality,
		Stability: lossStability(losses),
	}
}

func lossStability(losses []float64) float64 {
	if len(losses) == 0 {
		return 0
	}

	mean := 0.0
	for _, l := range losses {
		mean += l
	}
	mean /= float64(len(losses))
	if mean == 0 {
		return 1
	}

	variance := 0.0
	for _, l := range losses {
		d := l - mean
		variance += d * d
	}
	variance /= float64(len(losses))

	stability := 1 - variance/math.Abs(mean)
	if stability < 0 {
		stability = 0
	}
	if stability > 1 {
		stability = 1
	}

	return stability
}
