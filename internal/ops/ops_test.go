package ops

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/meshdecode/internal/tensor"
)

func TestParseActivation(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Op{"silu": SiLU, "GELU": GELU} {
		got, err := ParseActivation(in)
		if err != nil {
			t.Fatalf("ParseActivation(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseActivation(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseActivation("matmul"); err == nil {
		t.Fatal("matmul accepted as activation")
	}
}

func TestInferShape(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		op   Op
		in   [][]int
		want []int
		bad  bool
	}{
		{name: "matmul", op: MatMul, in: [][]int{{2, 8}, {8, 4}}, want: []int{2, 4}},
		{name: "matmul inner mismatch", op: MatMul, in: [][]int{{2, 8}, {7, 4}}, bad: true},
		{name: "rotary", op: Rotary, in: [][]int{{6, 4}, {4, 4}}, want: []int{6, 4}},
		{name: "rotary non square", op: Rotary, in: [][]int{{6, 4}, {4, 2}}, bad: true},
		{name: "add", op: Add, in: [][]int{{1, 3}, {1, 3}}, want: []int{1, 3}},
		{name: "add mismatch", op: Add, in: [][]int{{1, 3}, {3, 1}}, bad: true},
		{name: "rms", op: RMSNorm, in: [][]int{{2, 5}, {5}}, want: []int{2, 5}},
		{name: "attention", op: Attention, in: [][]int{{1, 4, 8}, {16, 1, 2, 8}, {16, 1, 2, 8}, {16}}, want: []int{1, 32}},
		{name: "attention bad mask", op: Attention, in: [][]int{{1, 4, 8}, {16, 1, 2, 8}, {16, 1, 2, 8}, {8}}, bad: true},
		{name: "arity", op: SiLU, in: [][]int{{1}, {1}}, bad: true},
		{name: "invalid", op: Invalid, in: nil, bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.InferShape(tt.in)
			if tt.bad {
				if err == nil {
					t.Fatalf("expected error, got shape %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("InferShape: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("shape (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAttentionIgnoresMaskedSlots(t *testing.T) {
	t.Parallel()
	// one head, head dim 2, capacity 3; slot 2 is masked and holds garbage
	q := tensor.MustFromSlice([]float32{1, 0}, 1, 1, 2)
	k := tensor.MustFromSlice([]float32{1, 0, 0, 1, 100, 100}, 3, 1, 1, 2)
	v := tensor.MustFromSlice([]float32{1, 0, 0, 1, 50, 50}, 3, 1, 1, 2)
	ninf := float32(math.Inf(-1))
	mask := tensor.MustFromSlice([]float32{0, 0, ninf}, 3)

	out, err := Attention.Eval([]*tensor.Tensor{q, k, v, mask}, Attrs{Scale: 1})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	e := math.Exp(1)
	w0 := float32(e / (e + 1))
	w1 := float32(1 / (e + 1))
	if math.Abs(float64(out.Data[0]-w0)) > 1e-5 || math.Abs(float64(out.Data[1]-w1)) > 1e-5 {
		t.Fatalf("attention = %v, want [%v %v]", out.Data, w0, w1)
	}
}

func TestScaleRows(t *testing.T) {
	t.Parallel()
	x := tensor.MustFromSlice([]float32{1, 2, 3, 4}, 2, 2)
	s := tensor.MustFromSlice([]float32{2, 0.5}, 2)
	out, err := ScaleRows.Eval([]*tensor.Tensor{x, s}, Attrs{})
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if diff := cmp.Diff([]float32{2, 4, 1.5, 2}, out.Data); diff != "" {
		t.Fatalf("scale rows (-want +got):\n%s", diff)
	}
}
