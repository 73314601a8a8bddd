// Package moe routes tokens to experts and runs the selected experts on the
// devices that own them.
package moe

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// ErrRoutingDegenerate is returned when router scores are not finite.
var ErrRoutingDegenerate = errors.New("degenerate routing scores")

// Choice is one selected expert and its renormalised weight.
type Choice struct {
	Expert int     `json:"expert"`
	Weight float32 `json:"weight"`
}

// Gating is the routing decision for one token, highest score first. The
// weights sum to 1.
type Gating struct {
	Choices []Choice `json:"choices"`
}

// Experts returns the selected expert indices in order.
func (g Gating) Experts() []int {
	out := make([]int, len(g.Choices))
	for i, c := range g.Choices {
		out[i] = c.Expert
	}
	return out
}

// Executor runs programs on mesh devices.
type Executor interface {
	// Place copies a host tensor onto mesh device dev.
	Place(ctx context.Context, dev int, t *tensor.Tensor) (*tensor.Tensor, error)
	// Run compiles (or reuses) the program for op over in and runs it on dev.
	Run(ctx context.Context, dev int, op ops.Op, attrs ops.Attrs, in ...*tensor.Tensor) (*tensor.Tensor, error)
}

// Router computes gate scores on a device.
type Router struct{}

// Scores runs activations [B, dim] @ gate [dim, E] on dev.
func (Router) Scores(ctx context.Context, exec Executor, dev int, activations, gate *tensor.Tensor) (*tensor.Tensor, error) {
	s, err := exec.Run(ctx, dev, ops.MatMul, ops.Attrs{}, activations, gate)
	if err != nil {
		return nil, fmt.Errorf("router scores: %w", err)
	}
	return s, nil
}

// Route turns gate scores [B, E] into one Gating per row: softmax over the
// row, the k highest probabilities with ties going to the lower expert index,
// and the selected probabilities renormalised to sum to 1.
func Route(scores *tensor.Tensor, k int) ([]Gating, error) {
	if scores.Rank() != 2 {
		return nil, fmt.Errorf("route: scores must be [batch, experts], got %v", scores.Shape)
	}
	experts := scores.Cols()
	if k < 1 || k > experts {
		return nil, fmt.Errorf("route: top-k %d outside [1, %d]", k, experts)
	}
	out := make([]Gating, scores.Rows())
	probs := make([]float32, experts)
	for b := range out {
		row := scores.Row(b)
		for j, v := range row {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, fmt.Errorf("%w: token %d expert %d score %v", ErrRoutingDegenerate, b, j, v)
			}
		}
		copy(probs, row)
		tensor.Softmax(probs)
		choices := selectTopK(probs, k)
		var denom float32
		for _, c := range choices {
			denom += c.Weight
		}
		if denom <= 0 || math.IsNaN(float64(denom)) {
			return nil, fmt.Errorf("%w: token %d selected mass %v", ErrRoutingDegenerate, b, denom)
		}
		for i := range choices {
			choices[i].Weight /= denom
		}
		out[b] = Gating{Choices: choices}
	}
	return out, nil
}

// selectTopK keeps the k best scores in descending order. An equal score
// only displaces a later index.
func selectTopK(scores []float32, k int) []Choice {
	best := make([]Choice, k)
	for i := range best {
		best[i] = Choice{Expert: -1, Weight: float32(math.Inf(-1))}
	}
	for i, score := range scores {
		insert := -1
		for j := range best {
			if score > best[j].Weight || (score == best[j].Weight && (best[j].Expert == -1 || i < best[j].Expert)) {
				insert = j
				break
			}
		}
		if insert == -1 {
			continue
		}
		copy(best[insert+1:], best[insert:k-1])
		best[insert] = Choice{Expert: i, Weight: score}
	}
	return best
}
