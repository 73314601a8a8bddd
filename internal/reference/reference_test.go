package reference

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/weights"
)

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.MeshSize = 4
	cfg.SlidingWindow = 3
	return cfg
}

func TestForwardIsDeterministicAfterReset(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	m, err := New(cfg, weights.Synthetic(cfg, 3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var first [][]float32
	for _, tok := range []int{5, 9, 9} {
		out, err := m.Forward([]int{tok})
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		first = append(first, out.Data)
	}
	if m.Position() != 3 {
		t.Fatalf("Position = %d", m.Position())
	}

	m.Reset()
	for i, tok := range []int{5, 9, 9} {
		out, err := m.Forward([]int{tok})
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		if diff := cmp.Diff(first[i], out.Data); diff != "" {
			t.Fatalf("step %d differs after Reset (-first +again):\n%s", i, diff)
		}
	}
}

func TestWindowIsBounded(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	m, err := New(cfg, weights.Synthetic(cfg, 4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for pos := 0; pos < 7; pos++ {
		if _, err := m.Forward([]int{pos}); err != nil {
			t.Fatalf("Forward(%d): %v", pos, err)
		}
		want := min(pos+1, cfg.SlidingWindow)
		if got := len(m.layers[0].keys); got != want {
			t.Fatalf("after position %d window holds %d, want %d", pos, got, want)
		}
	}
}

func TestGeluActivation(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	sd := weights.Synthetic(cfg, 5)
	silu, err := New(cfg, sd)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg.Activation = "gelu"
	gelu, err := New(cfg, sd)
	if err != nil {
		t.Fatalf("New(gelu): %v", err)
	}
	a, _ := silu.Forward([]int{1})
	b, _ := gelu.Forward([]int{1})
	if cmp.Equal(a.Data, b.Data) {
		t.Fatal("activation choice had no effect")
	}
}

func TestNewRejectsMissingWeights(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	sd := weights.Synthetic(cfg, 6)
	delete(sd, weights.ExpertKey(0, 3, weights.W2))
	if _, err := New(cfg, sd); !errors.Is(err, weights.ErrMissingWeight) {
		t.Fatalf("New: err = %v, want ErrMissingWeight", err)
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()
	cfg := smallConfig()
	m, err := New(cfg, weights.Synthetic(cfg, 7))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Forward([]int{1, 2}); err == nil {
		t.Fatal("wrong batch accepted")
	}
	if _, err := m.Forward([]int{cfg.Vocab}); err == nil {
		t.Fatal("token outside vocab accepted")
	}
	if m.Position() != 0 {
		t.Fatalf("failed forwards advanced to %d", m.Position())
	}
}
