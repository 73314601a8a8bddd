package validate

import (
	"context"
	"math"
	"testing"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/reference"
	"github.com/samcharles93/meshdecode/internal/rope"
	"github.com/samcharles93/meshdecode/internal/tensor"
	"github.com/samcharles93/meshdecode/internal/weights"
)

func TestPCC(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		want, got []float32
		expect    float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"constant identical", []float32{2, 2}, []float32{2, 2}, 1},
		{"scaled", []float32{1, 2, 3}, []float32{2, 4, 6}, 1},
		{"negated", []float32{1, 2, 3}, []float32{-1, -2, -3}, -1},
	}
	for _, tt := range tests {
		if got := PCC(tt.want, tt.got); math.Abs(got-tt.expect) > 1e-9 {
			t.Fatalf("%s: PCC = %v, want %v", tt.name, got, tt.expect)
		}
	}
	if !math.IsNaN(PCC([]float32{1}, []float32{1, 2})) {
		t.Fatal("length mismatch did not return NaN")
	}
}

func TestAllClose(t *testing.T) {
	t.Parallel()
	d, ok := AllClose([]float32{1, 10}, []float32{1.05, 10.5}, 0.1, 0.01)
	if ok {
		t.Fatal("10 vs 10.5 accepted with atol 0.1 rtol 0.01")
	}
	if math.Abs(d-0.5) > 1e-6 {
		t.Fatalf("max diff = %v", d)
	}
	if _, ok := AllClose([]float32{1, 10}, []float32{1.05, 10.1}, 0.1, 0.01); !ok {
		t.Fatal("close vectors rejected")
	}
}

func TestTopKAccuracy(t *testing.T) {
	t.Parallel()
	scores := tensor.MustFromSlice([]float32{
		0.1, 0.5, 0.4,
		0.9, 0.05, 0.05,
	}, 2, 3)
	top1, err := TopKAccuracy([]int{2, 0}, scores, 1)
	if err != nil {
		t.Fatalf("TopKAccuracy: %v", err)
	}
	if top1 != 0.5 {
		t.Fatalf("top1 = %v, want 0.5", top1)
	}
	top2, _ := TopKAccuracy([]int{2, 0}, scores, 2)
	if top2 != 1 {
		t.Fatalf("top2 = %v, want 1", top2)
	}
	if _, err := TopKAccuracy([]int{0}, scores, 1); err == nil {
		t.Fatal("label count mismatch accepted")
	}
}

func TestRunAgreesWithReference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := config.Default()
	cfg.MeshSize = 4
	cfg.Layers = 2

	devs, err := device.Open(device.Emulated, cfg.MeshSize)
	if err != nil {
		t.Fatalf("device.Open: %v", err)
	}
	m, err := mesh.New(devs)
	if err != nil {
		t.Fatalf("mesh.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	sd := weights.Synthetic(cfg, 17)
	w, err := weights.Load(ctx, m, sd, []int{0, 1}, cfg.Experts, weights.RoundRobin(cfg.Experts, m.Size()), weights.OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("weights.Load: %v", err)
	}
	set, err := rope.ForModel(cfg)
	if err != nil {
		t.Fatalf("rope.ForModel: %v", err)
	}
	rot, err := rope.Replicate(ctx, m, set)
	if err != nil {
		t.Fatalf("rope.Replicate: %v", err)
	}
	s, err := decode.Open(ctx, m, w, rot, program.NewCache(device.HostCompiler{}), cfg)
	if err != nil {
		t.Fatalf("decode.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ref, err := reference.New(cfg, sd)
	if err != nil {
		t.Fatalf("reference.New: %v", err)
	}

	rep, err := Run(ctx, s, ref, []int{42}, Options{Steps: 5, MinPCC: 0.99})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Steps) != 5 {
		t.Fatalf("report has %d steps", len(rep.Steps))
	}
	if !rep.Pass || rep.Err() != nil {
		t.Fatalf("validation failed: %+v", rep.Steps)
	}
	for i, st := range rep.Steps {
		if st.Position != i {
			t.Fatalf("step %d reported position %d", i, st.Position)
		}
	}
	if ref.Position() != 5 || s.Position() != 4 {
		t.Fatalf("reference at %d, session at %d", ref.Position(), s.Position())
	}
}
