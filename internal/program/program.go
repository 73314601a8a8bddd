package program

import (
	"context"
	"errors"
	"slices"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// ErrCompileFailure is returned when a program cannot be produced for a key.
var ErrCompileFailure = errors.New("program compile failure")

// Kernel executes a compiled program on already-placed inputs.
type Kernel func(ctx context.Context, in []*tensor.Tensor, attrs ops.Attrs) (*tensor.Tensor, error)

// Program is an executable produced for one Key. It is immutable and safe to
// share between devices and sessions.
type Program struct {
	key    Key
	sig    string
	out    []int
	kernel Kernel
}

// New wraps a kernel as a program for key with the given output shape.
func New(key Key, out []int, kernel Kernel) *Program {
	return &Program{key: key, sig: key.String(), out: slices.Clone(out), kernel: kernel}
}

func (p *Program) Key() Key { return p.key }

// Signature returns the canonical key string.
func (p *Program) Signature() string { return p.sig }

// OutShape returns the shape of the tensor the program produces.
func (p *Program) OutShape() []int { return slices.Clone(p.out) }

// Run executes the kernel. Devices call this from their own queue.
func (p *Program) Run(ctx context.Context, in []*tensor.Tensor, attrs ops.Attrs) (*tensor.Tensor, error) {
	return p.kernel(ctx, in, attrs)
}

// Compiler turns a key into a program.
type Compiler interface {
	Compile(ctx context.Context, key Key) (*Program, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(ctx context.Context, key Key) (*Program, error)

func (f CompilerFunc) Compile(ctx context.Context, key Key) (*Program, error) {
	return f(ctx, key)
}
