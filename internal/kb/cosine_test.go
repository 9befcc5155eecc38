package kb

import (
	"math"
	"testing"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a    []float32
		b    []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"scaled", []float32{1, 1}, []float32{5, 5}, 1},
		{"mismatched lengths", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		got := CosineSimilarity(tt.a, tt.b)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: CosineSimilarity() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCosineSimilarityRanks(t *testing.T) {
	query := []float32{1, 0, 0}
	close := []float32{0.9, 0.1, 0}
	far := []float32{0.1, 0.9, 0}

	if CosineSimilarity(query, close) <= CosineSimilarity(query, far) {
		t.Error("closer vector did not score higher")
	}
}

func TestVectorCodecRoundTrip(t *testing.T) {
	v := []float32{0.25, -1.5, 3}

	data, err := EncodeVector(v)
	if err != nil {
		t.Fatalf("EncodeVector() error: %v", err)
	}
	got, err := DecodeVector(data)
	if err != nil {
		t.Fatalf("DecodeVector() error: %v", err)
	}
	if len(got) != len(v) {
		t.Fatalf("got %d elements, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("element %d = %v, want %v", i, got[i], v[i])
		}
	}
}

func TestDecodeVectorInvalid(t *testing.T) {
	if _, err := DecodeVector([]byte("not json")); err == nil {
		t.Error("DecodeVector(garbage) = nil error, want error")
	}
}
