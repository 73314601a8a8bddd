package ops

import (
	"fmt"
	"slices"
)

// InferShape validates input shapes for o and returns the output shape.
// It is what a compiler checks before producing a program.
func (o Op) InferShape(in [][]int) ([]int, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("invalid op %v", o)
	}
	if len(in) != o.Arity() {
		return nil, fmt.Errorf("%v: want %d inputs, got %d", o, o.Arity(), len(in))
	}
	for i, s := range in {
		if len(s) == 0 {
			return nil, fmt.Errorf("%v: input %d is a scalar", o, i)
		}
	}

	switch o {
	case MatMul, Rotary:
		x, w := in[0], in[1]
		if len(w) != 2 {
			return nil, fmt.Errorf("%v: weight must be rank 2, got %v", o, w)
		}
		if x[len(x)-1] != w[0] {
			return nil, fmt.Errorf("%v: inner dims differ: %v @ %v", o, x, w)
		}
		if o == Rotary && w[0] != w[1] {
			return nil, fmt.Errorf("rotary: matrix must be square, got %v", w)
		}
		out := slices.Clone(x)
		out[len(out)-1] = w[1]
		return out, nil

	case Add, Multiply:
		if !slices.Equal(in[0], in[1]) {
			return nil, fmt.Errorf("%v: shapes differ: %v vs %v", o, in[0], in[1])
		}
		return slices.Clone(in[0]), nil

	case RMSNorm:
		x, w := in[0], in[1]
		if len(w) != 1 || w[0] != x[len(x)-1] {
			return nil, fmt.Errorf("rms_norm: weight %v does not match %v", w, x)
		}
		return slices.Clone(x), nil

	case SiLU, GELU:
		return slices.Clone(in[0]), nil

	case ScaleRows:
		x, s := in[0], in[1]
		if len(x) != 2 || len(s) != 1 || s[0] != x[0] {
			return nil, fmt.Errorf("scale_rows: scale %v does not match rows of %v", s, x)
		}
		return slices.Clone(x), nil

	case Attention:
		q, k, v, mask := in[0], in[1], in[2], in[3]
		if len(q) != 3 || len(k) != 4 {
			return nil, fmt.Errorf("attention: want q rank 3 and cache rank 4, got %v and %v", q, k)
		}
		if !slices.Equal(k, v) {
			return nil, fmt.Errorf("attention: key cache %v and value cache %v differ", k, v)
		}
		batch, hq, d := q[0], q[1], q[2]
		capacity, kb, hkv, kd := k[0], k[1], k[2], k[3]
		if kb != batch || kd != d {
			return nil, fmt.Errorf("attention: cache %v does not match query %v", k, q)
		}
		if hkv == 0 || hq%hkv != 0 {
			return nil, fmt.Errorf("attention: %d query heads not divisible by %d kv heads", hq, hkv)
		}
		if len(mask) != 1 || mask[0] != capacity {
			return nil, fmt.Errorf("attention: mask %v does not match capacity %d", mask, capacity)
		}
		return []int{batch, hq * d}, nil
	}
	return nil, fmt.Errorf("%v: no shape rule", o)
}
