package logits

import (
	"math"
	"math/rand"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/meshdecode/internal/tensor"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical sequences for the same logits.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopP: 0.95})
	for i := 0; i < 32; i++ {
		if a, b := s1.Sample(logs), s2.Sample(logs); a != b {
			t.Fatalf("draw %d: %d vs %d", i, a, b)
		}
	}
}

func TestSamplerGreedy(t *testing.T) {
	t.Parallel()
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Seed: 99, Temperature: 0, TopP: 0.1})
	for i := 0; i < 5; i++ {
		if idx := s.Sample(logs); idx != 3 {
			t.Fatalf("expected greedy index 3, got %d", idx)
		}
	}
}

// With one dominant logit the nucleus collapses to that token.
func TestSamplerTopPDominant(t *testing.T) {
	t.Parallel()
	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1.0, TopP: 0.5})
	for i := 0; i < 10; i++ {
		if idx := s.Sample(logs); idx != 0 {
			t.Fatalf("top-p sampling returned unexpected index %d", idx)
		}
	}
}

// Probabilities 0.5, 0.3, 0.2 with top-p 0.6 keep the first two: the second
// is entered while the mass before it (0.5) is still under 0.6.
func TestSamplerTopPKeepsPrefix(t *testing.T) {
	t.Parallel()
	logs := []float32{
		float32(math.Log(0.2)),
		float32(math.Log(0.5)),
		float32(math.Log(0.3)),
	}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1.0, TopP: 0.6})
	seen := map[int]int{}
	for i := 0; i < 400; i++ {
		seen[s.Sample(logs)]++
	}
	if seen[0] != 0 {
		t.Fatalf("token outside the nucleus drawn %d times", seen[0])
	}
	if seen[1] == 0 || seen[2] == 0 {
		t.Fatalf("nucleus members not both drawn: %v", seen)
	}
}

func TestSamplerTopPOneReachesEveryToken(t *testing.T) {
	t.Parallel()
	logs := []float32{1, 1, 1, 1}
	s := NewSampler(SamplerConfig{Seed: 11, Temperature: 1.0, TopP: 1})
	seen := make([]bool, len(logs))
	for i := 0; i < 200; i++ {
		seen[s.Sample(logs)] = true
	}
	if diff := cmp.Diff([]bool{true, true, true, true}, seen); diff != "" {
		t.Fatalf("tokens drawn (-want +got):\n%s", diff)
	}
}

func TestNucleusCutTopPOneKeepsRoundingTail(t *testing.T) {
	t.Parallel()
	// the running mass of these passes 1.0 before the three smallest entries
	prob := []float64{
		3.2075750329438874e-17, 9.202622192670232e-20, 1.4002877011947984e-16,
		8.239966505674975e-13, 2.790759072947779e-13, 0.07114846001721055,
		2.7699596729295953e-24, 8.940909398135251e-13, 0.5231218170641687,
		9.906974824302638e-07,
	}
	var sum float64
	order := make([]int, len(prob))
	for i, p := range prob {
		sum += p
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case prob[a] > prob[b]:
			return -1
		case prob[a] < prob[b]:
			return 1
		}
		return 0
	})

	if got := nucleusCut(order, prob, sum, 1); got != len(prob) {
		t.Fatalf("top-p 1 kept %d of %d", got, len(prob))
	}
	if got := nucleusCut(order, prob, sum, 0.9); got != 2 {
		t.Fatalf("top-p 0.9 kept %d, want 2", got)
	}
	if got := nucleusCut(order, prob, sum, 0); got != 1 {
		t.Fatalf("top-p 0 kept %d, want 1", got)
	}
}

func TestSampleValidatesArguments(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	if _, err := Sample(nil, 1, 1, rng); err == nil {
		t.Fatal("empty logits accepted")
	}
	if _, err := Sample([]float32{1}, -1, 1, rng); err == nil {
		t.Fatal("negative temperature accepted")
	}
	if _, err := Sample([]float32{1}, 1, 1.5, rng); err == nil {
		t.Fatal("top-p above 1 accepted")
	}
	if _, err := Sample([]float32{1, 2}, 0.7, 1, nil); err == nil {
		t.Fatal("nil random source accepted with temperature above zero")
	}
	if got, err := Sample([]float32{1, 2}, 0, 1, nil); err != nil || got != 1 {
		t.Fatalf("greedy Sample without a source = %d, %v", got, err)
	}
	got, err := Sample([]float32{0, 2, 1}, 0, 1, rng)
	if err != nil || got != 1 {
		t.Fatalf("Sample = %d, %v", got, err)
	}
}

func TestSampleRowsAndArgmax(t *testing.T) {
	t.Parallel()
	logs := tensor.MustFromSlice([]float32{
		0, 3, 1,
		4, 0, 1,
	}, 2, 3)
	s := NewSampler(SamplerConfig{})
	got, err := s.SampleRows(logs)
	if err != nil {
		t.Fatalf("SampleRows: %v", err)
	}
	if diff := cmp.Diff([]int{1, 0}, got); diff != "" {
		t.Fatalf("tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(got, Argmax(logs)); diff != "" {
		t.Fatalf("Argmax (-want +got):\n%s", diff)
	}
	if _, err := s.SampleRows(tensor.New(tensor.F32, 3)); err == nil {
		t.Fatal("rank-1 logits accepted")
	}
}
