package security

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/absmach/flock/pkg/fl"
)

func aggUpdate(clientID string, values []float64, loss float64) fl.Update {
	u := fl.Update{
		ClientID:    clientID,
		JobID:       "job-agg",
		Round:       2,
		Params:      fl.Params{"dense.weight": values},
		NumSamples:  1000,
		Loss:        loss,
		Accuracy:    0.8,
		ComputeTime: 10,
	}
	u.Digest = u.ComputeDigest()

	return u
}

func weightSum(weights map[string]float64) float64 {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}

	return sum
}

// outlierUpdates builds ten agreeing updates plus one oversized and one
// non-finite update.
func outlierUpdates() []fl.Update {
	updates := make([]fl.Update, 0, 12)
	for i := 0; i < 10; i++ {
		updates = append(updates, aggUpdate(fmt.Sprintf("good-%02d", i), []float64{1.0, 2.0}, 0.5))
	}
	updates = append(updates, aggUpdate("bad-magnitude", []float64{500, 500}, 0.5))
	updates = append(updates, aggUpdate("bad-nan", []float64{math.NaN(), 2.0}, 0.5))

	return updates
}

func TestWFAggSingleUpdate(t *testing.T) {
	updates := []fl.Update{aggUpdate("solo-1", []float64{1.0, 2.0}, 0.5)}

	result, err := wfAggregate(updates, 0, 10, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if math.Abs(weightSum(result.Weights)-1.0) > 0.0001 {
		t.Errorf("Expected weights to sum to 1, got %f", weightSum(result.Weights))
	}
	if math.Abs(result.Weights["solo-1"]-1.0) > 0.0001 {
		t.Errorf("Expected full weight for the only update, got %f", result.Weights["solo-1"])
	}
	if len(result.Byzantine) != 0 {
		t.Errorf("Expected no Byzantine clients, got %v", result.Byzantine)
	}

	values := result.Params["dense.weight"]
	if len(values) != 2 || math.Abs(values[0]-1.0) > 0.0001 || math.Abs(values[1]-2.0) > 0.0001 {
		t.Errorf("Expected aggregate {1, 2}, got %v", values)
	}
}

func TestWFAggFlagsOutliers(t *testing.T) {
	updates := outlierUpdates()

	result, err := wfAggregate(updates, 1, 10, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	expected := []string{"bad-magnitude", "bad-nan"}
	if !reflect.DeepEqual(result.Byzantine, expected) {
		t.Fatalf("Expected Byzantine %v, got %v", expected, result.Byzantine)
	}
	if result.Weights["bad-magnitude"] != 0 {
		t.Errorf("Expected zero weight for bad-magnitude, got %f", result.Weights["bad-magnitude"])
	}
	if result.Weights["bad-nan"] != 0 {
		t.Errorf("Expected zero weight for bad-nan, got %f", result.Weights["bad-nan"])
	}
	if math.Abs(weightSum(result.Weights)-1.0) > 0.0001 {
		t.Errorf("Expected weights to sum to 1, got %f", weightSum(result.Weights))
	}
	if len(result.Participants) != 12 {
		t.Errorf("Expected 12 participants, got %d", len(result.Participants))
	}

	values := result.Params["dense.weight"]
	if math.Abs(values[0]-1.0) > 0.000001 || math.Abs(values[1]-2.0) > 0.000001 {
		t.Errorf("Expected aggregate {1, 2} untouched by outliers, got %v", values)
	}
}

func TestWFAggTemporalOutlierDownWeighted(t *testing.T) {
	updates := []fl.Update{
		aggUpdate("jumper-1", []float64{1.0, 0.0}, 50),
		aggUpdate("steady-1", []float64{1.0, 0.1}, 0.4),
		aggUpdate("steady-2", []float64{1.0, 0.2}, 0.45),
		aggUpdate("steady-3", []float64{2.0, 0.0}, 0.5),
	}
	lastLoss := map[string]float64{"jumper-1": 0.5}

	result, err := wfAggregate(updates, 0, 10, lastLoss)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if len(result.Byzantine) != 0 {
		t.Fatalf("Expected no Byzantine clients, got %v", result.Byzantine)
	}
	if math.Abs(weightSum(result.Weights)-1.0) > 0.0001 {
		t.Errorf("Expected weights to sum to 1, got %f", weightSum(result.Weights))
	}
	if result.Weights["jumper-1"] <= 0 {
		t.Errorf("Expected jumper-1 to keep a reduced weight, got %f", result.Weights["jumper-1"])
	}
	if result.Weights["jumper-1"] >= result.Weights["steady-1"] {
		t.Errorf("Expected loss jump to cost weight: jumper %f, steady %f",
			result.Weights["jumper-1"], result.Weights["steady-1"])
	}
}

func TestWFAggIdempotent(t *testing.T) {
	updates := []fl.Update{
		aggUpdate("jumper-1", []float64{1.0, 0.0}, 50),
		aggUpdate("steady-1", []float64{1.0, 0.1}, 0.4),
		aggUpdate("steady-2", []float64{1.0, 0.2}, 0.45),
		aggUpdate("steady-3", []float64{2.0, 0.0}, 0.5),
	}
	lastLoss := map[string]float64{"jumper-1": 0.5}

	first, err := wfAggregate(updates, 0, 10, lastLoss)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	second, err := wfAggregate(updates, 0, 10, lastLoss)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("Expected identical results for identical inputs: %+v vs %+v", first, second)
	}
}

func TestWFAggEmpty(t *testing.T) {
	_, err := wfAggregate(nil, 0, 10, nil)
	if !errors.Is(err, ErrNoUpdates) {
		t.Fatalf("Expected ErrNoUpdates, got %v", err)
	}
}

func TestWFAggAllNonFinite(t *testing.T) {
	updates := []fl.Update{
		aggUpdate("nan-a", []float64{math.NaN()}, 0.5),
		aggUpdate("nan-b", []float64{math.Inf(1)}, 0.5),
	}

	_, err := wfAggregate(updates, 0, 10, nil)
	if !errors.Is(err, ErrAllFiltered) {
		t.Fatalf("Expected ErrAllFiltered, got %v", err)
	}
}

func TestWFAggDimensionMode(t *testing.T) {
	updates := []fl.Update{
		aggUpdate("wide-a", []float64{1, 1, 1, 1}, 0.5),
		aggUpdate("wide-b", []float64{1, 1, 1, 1}, 0.5),
		aggUpdate("wide-c", []float64{1, 1, 1, 1}, 0.5),
		aggUpdate("runt-1", []float64{1, 1}, 0.5),
	}

	result, err := wfAggregate(updates, 0, 10, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !reflect.DeepEqual(result.Byzantine, []string{"runt-1"}) {
		t.Fatalf("Expected runt-1 flagged, got %v", result.Byzantine)
	}
	if len(result.Params["dense.weight"]) != 4 {
		t.Errorf("Expected 4-dimensional aggregate, got %d", len(result.Params["dense.weight"]))
	}
	if math.Abs(weightSum(result.Weights)-1.0) > 0.0001 {
		t.Errorf("Expected weights to sum to 1, got %f", weightSum(result.Weights))
	}
}

func TestModeDimension(t *testing.T) {
	tests := []struct {
		name     string
		vectors  [][]float64
		expected int
	}{
		{"empty", nil, 0},
		{"majority wins", [][]float64{{1, 2}, {3, 4}, {1, 2, 3}}, 2},
		{"tie prefers smaller", [][]float64{{1}, {2, 3}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := modeDimension(tt.vectors); got != tt.expected {
				t.Errorf("Expected dimension %d, got %d", tt.expected, got)
			}
		})
	}
}
