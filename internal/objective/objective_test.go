package objective

import (
	"errors"
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   float64
	}{
		{
			name:   "manual only",
			sample: Sample{Manual: []float64{5.0}, WeightAuto: 50, WeightManual: 50},
			want:   0.05,
		},
		{
			name:   "auto only perfect",
			sample: Sample{Auto: []float64{0, 0, 0}},
			want:   0.0,
		},
		{
			name:   "auto only averaged",
			sample: Sample{Auto: []float64{10, 20, 30}},
			want:   0.2,
		},
		{
			name:   "both weighted",
			sample: Sample{Auto: []float64{100}, Manual: []float64{10}, WeightAuto: 50, WeightManual: 50},
			want:   0.55,
		},
		{
			name:   "both weighted multiple auto objects",
			sample: Sample{Auto: []float64{100, 0}, Manual: []float64{10}, WeightAuto: 50, WeightManual: 50},
			want:   (0.5*10 + 0.5*100/2) / 100,
		},
		{
			name:   "weights ignored for single source",
			sample: Sample{Auto: []float64{40}, WeightAuto: 10, WeightManual: 90},
			want:   0.4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.sample)
			if err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if math.Abs(got-tt.want) > 1e-12 {
				t.Fatalf("Normalize() = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestNormalizeNoSources(t *testing.T) {
	_, err := Normalize(Sample{WeightAuto: 50, WeightManual: 50})
	if !errors.Is(err, ErrNoObjective) {
		t.Fatalf("Normalize() error = %v, want ErrNoObjective", err)
	}
}

func TestRangeDeviation(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		min, max float64
		want     float64
	}{
		{"all inside", []float64{0.95, 1.0}, 0.9, 1.0, 0},
		{"below min", []float64{0.5}, 0.9, 1.0, (0.9 - 0.5) * 100 / 0.9},
		{"above max", []float64{1.1}, 0.9, 1.0, (1.1 - 1.0) * 100 / 1.0},
		{"mixed averaged", []float64{0.5, 0.95}, 0.9, 1.0, (0.9 - 0.5) * 100 / 0.9 / 2},
		{"no values", nil, 0.9, 1.0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RangeDeviation(tt.values, tt.min, tt.max)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("RangeDeviation() = %g, want %g", got, tt.want)
			}
		})
	}
}

func TestRatingDeviation(t *testing.T) {
	tests := []struct {
		name      string
		rating    int
		threshold int
		want      float64
	}{
		{"below threshold", 5, 9, float64(9-5) * 100 / 9},
		{"at threshold", 9, 9, 0},
		{"above threshold", 10, 9, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RatingDeviation(tt.rating, tt.threshold)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("RatingDeviation(%d, %d) = %g, want %g", tt.rating, tt.threshold, got, tt.want)
			}
		})
	}
}
