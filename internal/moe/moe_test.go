package moe

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// hostExec evaluates ops directly and records which device ran what.
type hostExec struct {
	mu   sync.Mutex
	runs map[int]int
}

func (e *hostExec) Place(_ context.Context, dev int, t *tensor.Tensor) (*tensor.Tensor, error) {
	out := t.Clone()
	out.Device = dev
	return out, nil
}

func (e *hostExec) Run(_ context.Context, dev int, op ops.Op, attrs ops.Attrs, in ...*tensor.Tensor) (*tensor.Tensor, error) {
	for _, t := range in {
		if t.Device != dev {
			return nil, errors.New("input on wrong device")
		}
	}
	e.mu.Lock()
	if e.runs == nil {
		e.runs = make(map[int]int)
	}
	e.runs[dev]++
	e.mu.Unlock()
	out, err := op.Eval(in, attrs)
	if err != nil {
		return nil, err
	}
	out.Device = dev
	return out, nil
}

type testExperts struct {
	owner      []int
	w1, w2, w3 []*tensor.Tensor
}

func newTestExperts(rng *rand.Rand, n, meshSize, dim, hidden int) *testExperts {
	e := &testExperts{}
	for j := 0; j < n; j++ {
		e.owner = append(e.owner, j%meshSize)
		e.w1 = append(e.w1, tensor.Rand(rng, 0.5, dim, hidden))
		e.w2 = append(e.w2, tensor.Rand(rng, 0.5, hidden, dim))
		e.w3 = append(e.w3, tensor.Rand(rng, 0.5, dim, hidden))
	}
	for j := range e.w1 {
		for _, t := range []*tensor.Tensor{e.w1[j], e.w2[j], e.w3[j]} {
			t.Device = e.owner[j]
		}
	}
	return e
}

func (e *testExperts) Count() int { return len(e.owner) }

func (e *testExperts) Owner(j int) int { return e.owner[j] }

func (e *testExperts) Weights(j int) (w1, w2, w3 *tensor.Tensor, err error) {
	return e.w1[j], e.w2[j], e.w3[j], nil
}

// directExpert evaluates one expert on the host without routing.
func directExpert(t *testing.T, x *tensor.Tensor, e *testExperts, j int) []float32 {
	t.Helper()
	h1, _ := tensor.MatMul(x, e.w1[j])
	h3, _ := tensor.MatMul(x, e.w3[j])
	for i := range h1.Data {
		h1.Data[i] = tensor.Silu(h1.Data[i]) * h3.Data[i]
	}
	y, err := tensor.MatMul(h1, e.w2[j])
	if err != nil {
		t.Fatalf("MatMul: %v", err)
	}
	return y.Data
}

func TestRouteTopKOrderAndWeights(t *testing.T) {
	t.Parallel()
	scores := tensor.MustFromSlice([]float32{
		1, 0.5, 0, 0,
		0, 0.5, 1, 0,
	}, 2, 4)
	g, err := Route(scores, 2)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1}, g[0].Experts()); diff != "" {
		t.Fatalf("token 0 experts (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 1}, g[1].Experts()); diff != "" {
		t.Fatalf("token 1 experts (-want +got):\n%s", diff)
	}
	for b, gt := range g {
		var sum float32
		for _, c := range gt.Choices {
			sum += c.Weight
		}
		if math.Abs(float64(sum)-1) > 1e-6 {
			t.Fatalf("token %d weights sum to %v", b, sum)
		}
	}
	want := float32(1 / (1 + math.Exp(-0.5)))
	if math.Abs(float64(g[0].Choices[0].Weight-want)) > 1e-6 {
		t.Fatalf("top weight %v, want %v", g[0].Choices[0].Weight, want)
	}
}

func TestRouteTiesPreferLowerIndex(t *testing.T) {
	t.Parallel()
	g, err := Route(tensor.MustFromSlice([]float32{0.3, 0.7, 0.7, 0.7}, 1, 4), 2)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2}, g[0].Experts()); diff != "" {
		t.Fatalf("experts (-want +got):\n%s", diff)
	}
	if g[0].Choices[0].Weight != 0.5 {
		t.Fatalf("tied weight %v, want 0.5", g[0].Choices[0].Weight)
	}
}

func TestRouteDegenerate(t *testing.T) {
	t.Parallel()
	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
		_, err := Route(tensor.MustFromSlice([]float32{0, bad, 1}, 1, 3), 1)
		if !errors.Is(err, ErrRoutingDegenerate) {
			t.Fatalf("score %v: err = %v, want ErrRoutingDegenerate", bad, err)
		}
	}
}

func TestRouteRejectsBadK(t *testing.T) {
	t.Parallel()
	scores := tensor.New(tensor.F32, 1, 4)
	for _, k := range []int{0, 5} {
		if _, err := Route(scores, k); err == nil {
			t.Fatalf("k=%d accepted", k)
		}
	}
}

func TestDispatchTopOneMatchesDirectExpert(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(5))
	experts := newTestExperts(rng, 8, 4, 6, 10)
	x := tensor.Rand(rng, 1, 1, 6)

	for j := 0; j < 8; j++ {
		g := []Gating{{Choices: []Choice{{Expert: j, Weight: 1}}}}
		out, stats, err := Dispatch(context.Background(), &hostExec{}, x, g, experts, ops.SiLU)
		if err != nil {
			t.Fatalf("Dispatch(expert %d): %v", j, err)
		}
		want := directExpert(t, x, experts, j)
		for i := range want {
			if math.Abs(float64(out.Data[i]-want[i])) > 1e-5 {
				t.Fatalf("expert %d output[%d] = %v, want %v", j, i, out.Data[i], want[i])
			}
		}
		if stats.Invoked != 1 || stats.TokensPerExpert[j] != 1 {
			t.Fatalf("stats = %+v", stats)
		}
	}
}

func TestDispatchTokenCountIsBatchTimesK(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(9))
	experts := newTestExperts(rng, 8, 4, 4, 8)
	const batch, k = 5, 2
	x := tensor.Rand(rng, 1, batch, 4)
	gate := tensor.Rand(rng, 1, 4, 8)
	scores, _ := tensor.MatMul(x, gate)
	g, err := Route(scores, k)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}

	exec := &hostExec{}
	out, stats, err := Dispatch(context.Background(), exec, x, g, experts, ops.GELU)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stats.Total() != batch*k {
		t.Fatalf("tokens processed = %d, want %d", stats.Total(), batch*k)
	}
	if diff := cmp.Diff(x.Shape, out.Shape); diff != "" {
		t.Fatalf("output shape (-want +got):\n%s", diff)
	}
	// only owners of routed experts did work
	for dev := range exec.runs {
		owns := false
		for j, n := range stats.TokensPerExpert {
			if n > 0 && experts.Owner(j) == dev {
				owns = true
			}
		}
		if !owns {
			t.Fatalf("device %d ran programs without a routed expert", dev)
		}
	}
}

func TestDispatchCombinesWeightedExperts(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(2))
	experts := newTestExperts(rng, 4, 4, 3, 5)
	x := tensor.Rand(rng, 1, 1, 3)
	g := []Gating{{Choices: []Choice{{Expert: 2, Weight: 0.75}, {Expert: 0, Weight: 0.25}}}}

	out, _, err := Dispatch(context.Background(), &hostExec{}, x, g, experts, ops.SiLU)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	a := directExpert(t, x, experts, 2)
	b := directExpert(t, x, experts, 0)
	for i := range a {
		want := 0.75*a[i] + 0.25*b[i]
		if math.Abs(float64(out.Data[i]-want)) > 1e-5 {
			t.Fatalf("output[%d] = %v, want %v", i, out.Data[i], want)
		}
	}
}
