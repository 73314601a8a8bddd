// Package program holds compiled device programs and the cache that keeps
// them alive across decode steps.
package program

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// Placement is the memory region a program reads and writes.
type Placement uint8

const (
	DRAM Placement = iota
	L1
)

func (p Placement) String() string {
	switch p {
	case DRAM:
		return "dram"
	case L1:
		return "l1"
	default:
		return fmt.Sprintf("placement(%d)", uint8(p))
	}
}

// ParsePlacement accepts "dram" and "l1".
func ParsePlacement(s string) (Placement, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dram":
		return DRAM, nil
	case "l1":
		return L1, nil
	default:
		return DRAM, fmt.Errorf("unknown placement %q (expected dram or l1)", s)
	}
}

// Key identifies a compiled program. Two requests with equal keys may share
// one program.
type Key struct {
	Op        ops.Op
	Shapes    [][]int
	Layouts   []tensor.Layout
	DType     tensor.DType
	Placement Placement
}

// KeyFor builds the key for running op over inputs. The dtype is taken from
// the first input.
func KeyFor(op ops.Op, placement Placement, inputs ...*tensor.Tensor) Key {
	k := Key{
		Op:        op,
		Shapes:    make([][]int, len(inputs)),
		Layouts:   make([]tensor.Layout, len(inputs)),
		Placement: placement,
	}
	for i, in := range inputs {
		k.Shapes[i] = in.Shape
		k.Layouts[i] = in.Layout
	}
	if len(inputs) > 0 {
		k.DType = inputs[0].DType
	}
	return k
}

// String is the canonical signature of the key, e.g.
// "matmul(1x64:row_major,64x8:tile)/bf16@dram".
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Op.String())
	b.WriteByte('(')
	for i, s := range k.Shapes {
		if i > 0 {
			b.WriteByte(',')
		}
		for j, d := range s {
			if j > 0 {
				b.WriteByte('x')
			}
			b.WriteString(strconv.Itoa(d))
		}
		if i < len(k.Layouts) {
			b.WriteByte(':')
			b.WriteString(k.Layouts[i].String())
		}
	}
	b.WriteString(")/")
	b.WriteString(k.DType.String())
	b.WriteByte('@')
	b.WriteString(k.Placement.String())
	return b.String()
}
