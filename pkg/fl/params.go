package fl

import (
	"math"
	"sort"
)

// GroupNames returns the parameter group names in sorted order. All
// flattening and distance math iterates groups in this order so results are
// deterministic.
func (p Params) GroupNames() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Flatten concatenates all groups into a single vector, groups in sorted
// name order.
func (p Params) Flatten() []float64 {
	size := 0
	for _, values := range p {
		size += len(values)
	}

	flat := make([]float64, 0, size)
	for _, name := range p.GroupNames() {
		flat = append(flat, p[name]...)
	}

	return flat
}

// UnflattenLike rebuilds named groups from a flat vector using the shape of
// the receiver. The vector length must match the receiver's total size.
func (p Params) UnflattenLike(flat []float64) Params {
	out := make(Params, len(p))
	pos := 0
	for _, name := range p.GroupNames() {
		n := len(p[name])
		group := make([]float64, n)
		copy(group, flat[pos:pos+n])
		out[name] = group
		pos += n
	}

	return out
}

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for name, values := range p {
		group := make([]float64, len(values))
		copy(group, values)
		out[name] = group
	}

	return out
}

// SameShape reports whether both parameter sets have identical group names
// and group sizes.
func (p Params) SameShape(other Params) bool {
	if len(p) != len(other) {
		return false
	}
	for name, values := range p {
		otherValues, ok := other[name]
		if !ok || len(values) != len(otherValues) {
			return false
		}
	}

	return true
}

// Finite reports whether every value is a finite number.
func (p Params) Finite() bool {
	for _, values := range p {
		for _, v := range values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}

	return true
}

// MaxAbs returns the largest absolute value across all groups.
func (p Params) MaxAbs() float64 {
	maxAbs := 0.0
	for _, values := range p {
		for _, v := range values {
			if abs := math.Abs(v); abs > maxAbs {
				maxAbs = abs
			}
		}
	}

	return maxAbs
}

// Norm returns the L2 norm over all values.
func (p Params) Norm() float64 {
	sum := 0.0
	for _, values := range p {
		for _, v := range values {
			sum += v * v
		}
	}

	return math.Sqrt(sum)
}

// L2Distance returns the Euclidean distance to another parameter set of the
// same shape. Groups missing on either side contribute their full magnitude.
func (p Params) L2Distance(other Params) float64 {
	sum := 0.0
	for name, values := range p {
		otherValues := other[name]
		for i, v := range values {
			diff := v
			if i < len(otherValues) {
				diff = v - otherValues[i]
			}
			sum += diff * diff
		}
	}
	for name, otherValues := range other {
		if _, ok := p[name]; ok {
			continue
		}
		for _, v := range otherValues {
			sum += v * v
		}
	}

	return math.Sqrt(sum)
}
