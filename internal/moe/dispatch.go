package moe

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// ExpertSet is the expert table of one layer.
type ExpertSet interface {
	Count() int
	// Owner returns the mesh device index hosting expert j.
	Owner(j int) int
	// Weights returns the [dim, hidden], [hidden, dim] and [dim, hidden]
	// projections of expert j, resident on its owner.
	Weights(j int) (w1, w2, w3 *tensor.Tensor, err error)
}

// Stats records how a dispatch spread tokens over experts.
type Stats struct {
	// TokensPerExpert[j] is the number of rows expert j processed.
	TokensPerExpert []int `json:"tokens_per_expert"`
	// Invoked is the number of distinct experts that ran.
	Invoked int `json:"invoked"`
}

// Total returns the number of (token, expert) pairs processed.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.TokensPerExpert {
		n += c
	}
	return n
}

type routed struct {
	expert  int
	rows    []int
	weights []float32
}

// Dispatch runs every routed (token, expert) pair and sums the weighted
// expert outputs per token. Only the rows routed to an expert are sent to
// it. Devices run concurrently; experts sharing a device run in index order.
// tokens is the host activation [B, dim]; the result is a host tensor of the
// same shape.
func Dispatch(ctx context.Context, exec Executor, tokens *tensor.Tensor, gatings []Gating, experts ExpertSet, act ops.Op) (*tensor.Tensor, Stats, error) {
	if tokens.Rank() != 2 || tokens.Rows() != len(gatings) {
		return nil, Stats{}, fmt.Errorf("dispatch: %d gatings for tokens %v", len(gatings), tokens.Shape)
	}
	if act != ops.SiLU && act != ops.GELU {
		return nil, Stats{}, fmt.Errorf("dispatch: %v is not an activation", act)
	}
	stats := Stats{TokensPerExpert: make([]int, experts.Count())}
	work := make([]*routed, experts.Count())
	for b, g := range gatings {
		for _, c := range g.Choices {
			if c.Expert < 0 || c.Expert >= len(work) {
				return nil, Stats{}, fmt.Errorf("dispatch: token %d routed to expert %d of %d", b, c.Expert, len(work))
			}
			r := work[c.Expert]
			if r == nil {
				r = &routed{expert: c.Expert}
				work[c.Expert] = r
			}
			r.rows = append(r.rows, b)
			r.weights = append(r.weights, c.Weight)
			stats.TokensPerExpert[c.Expert]++
		}
	}

	byDevice := make(map[int][]*routed)
	for _, r := range work {
		if r == nil {
			continue
		}
		stats.Invoked++
		d := experts.Owner(r.expert)
		byDevice[d] = append(byDevice[d], r)
	}
	devices := make([]int, 0, len(byDevice))
	for d := range byDevice {
		devices = append(devices, d)
	}
	slices.Sort(devices)

	// one partial per device, summed in device order so the result does not
	// depend on scheduling
	partials := make([]*tensor.Tensor, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range devices {
		g.Go(func() error {
			partial := tensor.New(tokens.DType, tokens.Shape...)
			for _, r := range byDevice[d] {
				y, err := runExpert(gctx, exec, d, tokens, r, experts, act)
				if err != nil {
					return fmt.Errorf("expert %d on device %d: %w", r.expert, d, err)
				}
				for n, row := range r.rows {
					tensor.Add(partial.Row(row), y.Row(n))
				}
			}
			partials[i] = partial
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}

	out := tensor.New(tokens.DType, tokens.Shape...)
	for _, p := range partials {
		tensor.Add(out.Data, p.Data)
	}
	return out, stats, nil
}

// runExpert computes weight * w2(act(x@w1) * (x@w3)) for the rows routed to
// one expert and returns it on the host, one row per routed token.
func runExpert(ctx context.Context, exec Executor, dev int, tokens *tensor.Tensor, r *routed, experts ExpertSet, act ops.Op) (*tensor.Tensor, error) {
	w1, w2, w3, err := experts.Weights(r.expert)
	if err != nil {
		return nil, err
	}
	dim := tokens.Cols()
	host := tensor.New(tokens.DType, len(r.rows), dim)
	for i, row := range r.rows {
		copy(host.Row(i), tokens.Row(row))
	}
	x, err := exec.Place(ctx, dev, host)
	if err != nil {
		return nil, err
	}
	scale, err := exec.Place(ctx, dev, tensor.MustFromSlice(slices.Clone(r.weights), len(r.weights)))
	if err != nil {
		return nil, err
	}

	gate, err := exec.Run(ctx, dev, ops.MatMul, ops.Attrs{}, x, w1)
	if err != nil {
		return nil, err
	}
	if gate, err = exec.Run(ctx, dev, act, ops.Attrs{}, gate); err != nil {
		return nil, err
	}
	up, err := exec.Run(ctx, dev, ops.MatMul, ops.Attrs{}, x, w3)
	if err != nil {
		return nil, err
	}
	h, err := exec.Run(ctx, dev, ops.Multiply, ops.Attrs{}, gate, up)
	if err != nil {
		return nil, err
	}
	y, err := exec.Run(ctx, dev, ops.MatMul, ops.Attrs{}, h, w2)
	if err != nil {
		return nil, err
	}
	return exec.Run(ctx, dev, ops.ScaleRows, ops.Attrs{}, y, scale)
}
