// Package ops defines the closed set of device operations a program can be
// compiled for. Named variants are resolved to an Op once, at configuration
// time, and never looked up by string on the hot path.
package ops

import (
	"fmt"
	"strings"
)

// Op identifies one device operation.
type Op uint8

const (
	Invalid Op = iota
	// MatMul multiplies x[..., k] by w[k, n].
	MatMul
	// Add sums two tensors of identical shape.
	Add
	// Multiply multiplies two tensors of identical shape element-wise.
	Multiply
	// RMSNorm normalises the last axis of x and scales it by w[d].
	RMSNorm
	// SiLU applies x*sigmoid(x) element-wise.
	SiLU
	// GELU applies the tanh approximation of GELU element-wise.
	GELU
	// Rotary multiplies x[..., d] on the right by a rotation matrix r[d, d].
	Rotary
	// Attention runs masked scaled dot-product attention of q[B, Hq, D]
	// against cache buffers k, v[C, B, Hkv, D] with a validity mask[C].
	Attention
	// ScaleRows multiplies row i of x[n, d] by s[n].
	ScaleRows

	numOps
)

var names = [...]string{
	Invalid:   "invalid",
	MatMul:    "matmul",
	Add:       "add",
	Multiply:  "multiply",
	RMSNorm:   "rms_norm",
	SiLU:      "silu",
	GELU:      "gelu",
	Rotary:    "rotary",
	Attention: "attention",
	ScaleRows: "scale_rows",
}

func (o Op) String() string {
	if o < numOps {
		return names[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	return o > Invalid && o < numOps
}

// Arity returns the number of tensor inputs o consumes.
func (o Op) Arity() int {
	switch o {
	case SiLU, GELU:
		return 1
	case MatMul, Add, Multiply, RMSNorm, Rotary, ScaleRows:
		return 2
	case Attention:
		return 4
	default:
		return 0
	}
}

// Parse resolves an operation name.
func Parse(s string) (Op, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i := Invalid + 1; i < numOps; i++ {
		if names[i] == name {
			return i, nil
		}
	}
	return Invalid, fmt.Errorf("unknown op %q", s)
}

// ParseActivation resolves the expert activation function.
func ParseActivation(s string) (Op, error) {
	op, err := Parse(s)
	if err != nil || (op != SiLU && op != GELU) {
		return Invalid, fmt.Errorf("unknown activation %q (expected silu or gelu)", s)
	}
	return op, nil
}

// Attrs are runtime scalars passed to a program. They are not part of the
// compiled program key.
type Attrs struct {
	// Eps is the RMSNorm epsilon.
	Eps float32
	// Scale is the attention score scale; zero means 1/sqrt(head dim).
	Scale float32
}
