package decode

import (
	"context"
	"sync"
	"time"

	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// counters are the program cache outcomes of one step.
type counters struct {
	hits, misses, compiles int
	compileTime            time.Duration
}

type scratch struct {
	dev int
	t   *tensor.Tensor
}

// executor resolves programs through the shared cache and runs them on mesh
// devices. Uploads made during a step are freed when the step ends.
type executor struct {
	mesh      *mesh.Mesh
	programs  *program.Cache
	placement program.Placement

	mu      sync.Mutex
	step    counters
	scratch []scratch
}

func newExecutor(m *mesh.Mesh, programs *program.Cache, placement program.Placement) *executor {
	return &executor{mesh: m, programs: programs, placement: placement}
}

func (e *executor) Place(ctx context.Context, dev int, t *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := e.mesh.Device(dev).Upload(ctx, t, tensor.RowMajor)
	if err != nil {
		return nil, err
	}
	e.track(dev, out)
	return out, nil
}

func (e *executor) Run(ctx context.Context, dev int, op ops.Op, attrs ops.Attrs, in ...*tensor.Tensor) (*tensor.Tensor, error) {
	key := program.KeyFor(op, e.placement, in...)
	p, lookup, err := e.programs.Get(ctx, key)
	e.mu.Lock()
	if lookup.Hit {
		e.step.hits++
	} else {
		e.step.misses++
	}
	if lookup.Compiled {
		e.step.compiles++
		e.step.compileTime += lookup.Elapsed
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.mesh.Device(dev).Execute(ctx, p, in, attrs)
}

// broadcast places a replica of host on every device.
func (e *executor) broadcast(ctx context.Context, host *tensor.Tensor) ([]*tensor.Tensor, error) {
	replicas, err := e.mesh.Broadcast(ctx, host, tensor.RowMajor)
	if err != nil {
		return nil, err
	}
	for i, r := range replicas {
		e.track(i, r)
	}
	return replicas, nil
}

// allReduce sums per-device partials and replicates the sum.
func (e *executor) allReduce(ctx context.Context, parts []*tensor.Tensor) ([]*tensor.Tensor, error) {
	replicas, _, err := e.mesh.AllReduce(ctx, parts)
	if err != nil {
		return nil, err
	}
	for i, r := range replicas {
		e.track(i, r)
	}
	return replicas, nil
}

func (e *executor) track(dev int, t *tensor.Tensor) {
	e.mu.Lock()
	e.scratch = append(e.scratch, scratch{dev: dev, t: t})
	e.mu.Unlock()
}

// begin resets the per-step counters.
func (e *executor) begin() {
	e.mu.Lock()
	e.step = counters{}
	e.mu.Unlock()
}

// end frees the step's uploads and returns its counters.
func (e *executor) end() counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.scratch {
		e.mesh.Device(s.dev).Free(s.t)
	}
	e.scratch = e.scratch[:0]
	return e.step
}
