package security

import (
	"math"
	"sort"

	"github.com/absmach/flock/pkg/fl"
)

const (
	distanceFilterWeight   = 0.4
	similarityFilterWeight = 0.4
	temporalFilterWeight   = 0.2

	minFilterVotes = 2
)

// filterVotes tags which of the three filters kept a given update. An update
// contributes to the aggregate only when at least two filters agree on it.
type filterVotes struct {
	distance   bool
	similarity bool
	temporal   bool
}

func (v filterVotes) count() int {
	n := 0
	if v.distance {
		n++
	}
	if v.similarity {
		n++
	}
	if v.temporal {
		n++
	}

	return n
}

func (v filterVotes) weight() float64 {
	if v.count() < minFilterVotes {
		return 0
	}

	w := 0.0
	if v.distance {
		w += distanceFilterWeight
	}
	if v.similarity {
		w += similarityFilterWeight
	}
	if v.temporal {
		w += temporalFilterWeight
	}

	return w
}

// wfAggregate runs weighted filter aggregation over one round's updates.
// Each filter keeps max(1, k-f-1) of the k updates, weights are the sum of
// the per-filter weights over agreeing filters, and clients kept by fewer
// than two filters end up with zero weight and are reported as Byzantine.
// lastLoss holds each client's last accepted loss; absent clients pass the
// temporal filter by default.
func wfAggregate(updates []fl.Update, tolerance int, lossBound float64, lastLoss map[string]float64) (fl.AggregationResult, error) {
	k := len(updates)
	if k == 0 {
		return fl.AggregationResult{}, ErrNoUpdates
	}

	flat := make([][]float64, k)
	for i, u := range updates {
		flat[i] = u.Params.Flatten()
	}

	dim := modeDimension(flat)
	if dim == 0 {
		return fl.AggregationResult{}, ErrEmptyVector
	}

	// Updates with a mismatched dimension or non-finite entries cannot be
	// compared against the rest; they receive no votes at all.
	candidates := make([]int, 0, k)
	for i := range flat {
		if len(flat[i]) == dim && finiteVector(flat[i]) {
			candidates = append(candidates, i)
		}
	}

	selectCount := k - tolerance - 1
	if selectCount < 1 {
		selectCount = 1
	}

	median := coordinateMedian(flat, candidates, dim)
	votes := make([]filterVotes, k)

	type ranked struct {
		idx   int
		score float64
	}

	dists := make([]ranked, 0, len(candidates))
	for _, i := range candidates {
		dists = append(dists, ranked{idx: i, score: euclidean(flat[i], median)})
	}
	sort.SliceStable(dists, func(a, b int) bool {
		if dists[a].score != dists[b].score {
			return dists[a].score < dists[b].score
		}

		return updates[dists[a].idx].ClientID < updates[dists[b].idx].ClientID
	})
	for n, r := range dists {
		if n >= selectCount {
			break
		}
		votes[r.idx].distance = true
	}

	sims := make([]ranked, 0, len(candidates))
	for _, i := range candidates {
		sims = append(sims, ranked{idx: i, score: cosine(flat[i], median)})
	}
	sort.SliceStable(sims, func(a, b int) bool {
		if sims[a].score != sims[b].score {
			return sims[a].score > sims[b].score
		}

		return updates[sims[a].idx].ClientID < updates[sims[b].idx].ClientID
	})
	for n, r := range sims {
		if n >= selectCount {
			break
		}
		votes[r.idx].similarity = true
	}

	deltas := make([]ranked, 0, len(candidates))
	for _, i := range candidates {
		u := updates[i]
		delta := 0.0
		if last, ok := lastLoss[u.ClientID]; ok {
			delta = math.Abs(u.Loss - last)
		}
		if delta > lossBound {
			continue
		}
		deltas = append(deltas, ranked{idx: i, score: delta})
	}
	sort.SliceStable(deltas, func(a, b int) bool {
		if deltas[a].score != deltas[b].score {
			return deltas[a].score < deltas[b].score
		}

		return updates[deltas[a].idx].ClientID < updates[deltas[b].idx].ClientID
	})
	for n, r := range deltas {
		if n >= selectCount {
			break
		}
		votes[r.idx].temporal = true
	}

	weights := make(map[string]float64, k)
	byzantine := make([]string, 0)
	participants := make([]string, 0, k)
	total := 0.0
	for i, u := range updates {
		w := votes[i].weight()
		weights[u.ClientID] = w
		participants = append(participants, u.ClientID)
		if w == 0 {
			byzantine = append(byzantine, u.ClientID)
		}
		total += w
	}
	if total == 0 {
		return fl.AggregationResult{}, ErrAllFiltered
	}
	for id := range weights {
		weights[id] /= total
	}

	agg := make([]float64, dim)
	var shape fl.Params
	for i, u := range updates {
		w := weights[u.ClientID]
		if w == 0 {
			continue
		}
		if shape == nil {
			shape = u.Params
		}
		for j, v := range flat[i] {
			agg[j] += w * v
		}
	}

	sort.Strings(participants)
	sort.Strings(byzantine)

	return fl.AggregationResult{
		JobID:        updates[0].JobID,
		Round:        updates[0].Round,
		Params:       shape.UnflattenLike(agg),
		Participants: participants,
		Weights:      weights,
		Byzantine:    byzantine,
	}, nil
}

// modeDimension returns the most common flattened length, breaking ties in
// favor of the smaller dimension.
func modeDimension(vectors [][]float64) int {
	counts := map[int]int{}
	for _, vec := range vectors {
		counts[len(vec)]++
	}

	dim := 0
	best := 0
	for d, c := range counts {
		if d == 0 {
			continue
		}
		if c > best || (c == best && d < dim) {
			dim = d
			best = c
		}
	}

	return dim
}

func finiteVector(vec []float64) bool {
	for _, v := range vec {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}

	return true
}

// coordinateMedian computes the per-coordinate median over the candidate
// vectors, all of which share the given dimension.
func coordinateMedian(vectors [][]float64, candidates []int, dim int) []float64 {
	median := make([]float64, dim)
	if len(candidates) == 0 {
		return median
	}

	column := make([]float64, 0, len(candidates))
	for j := 0; j < dim; j++ {
		column = column[:0]
		for _, i := range candidates {
			column = append(column, vectors[i][j])
		}
		sort.Float64s(column)
		mid := len(column) / 2
		if len(column)%2 == 1 {
			median[j] = column[mid]
		} else {
			median[j] = (column[mid-1] + column[mid]) / 2
		}
	}

	return median
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}

	return math.Sqrt(sum)
}

func cosine(a, b []float64) float64 {
	dot := 0.0
	normA := 0.0
	normB := 0.0
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
