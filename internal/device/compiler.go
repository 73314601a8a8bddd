package device

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// HostCompiler validates keys against the op shape rules and produces
// programs that run the host kernels. Latency simulates the cost of a device
// compile so warm and steady steps can be told apart.
type HostCompiler struct {
	Latency time.Duration
}

func (c HostCompiler) Compile(ctx context.Context, key program.Key) (*program.Program, error) {
	out, err := key.Op.InferShape(key.Shapes)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", key, err)
	}
	if c.Latency > 0 {
		t := time.NewTimer(c.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	op := key.Op
	return program.New(key, out, func(ctx context.Context, in []*tensor.Tensor, attrs ops.Attrs) (*tensor.Tensor, error) {
		return op.Eval(in, attrs)
	}), nil
}
