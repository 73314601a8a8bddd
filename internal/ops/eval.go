package ops

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshdecode/internal/tensor"
)

// Eval runs o on the host kernels. Callers are expected to have checked the
// shapes with InferShape; Eval re-checks them so a bad call fails instead of
// reading out of bounds.
func (o Op) Eval(in []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
	shapes := make([][]int, len(in))
	for i, t := range in {
		if t == nil {
			return nil, fmt.Errorf("%v: input %d is nil", o, i)
		}
		shapes[i] = t.Shape
	}
	outShape, err := o.InferShape(shapes)
	if err != nil {
		return nil, err
	}

	switch o {
	case MatMul, Rotary:
		return tensor.MatMul(in[0], in[1])

	case Add, Multiply:
		out := in[0].Clone()
		if o == Add {
			tensor.Add(out.Data, in[1].Data)
		} else {
			tensor.Mul(out.Data, in[1].Data)
		}
		return out, nil

	case RMSNorm:
		out := tensor.New(in[0].DType, outShape...)
		x := in[0]
		for r := 0; r < x.Rows(); r++ {
			tensor.RMSNorm(out.Row(r), x.Row(r), in[1].Data, a.Eps)
		}
		return out, nil

	case SiLU, GELU:
		out := in[0].Clone()
		fn := tensor.Silu
		if o == GELU {
			fn = tensor.Gelu
		}
		for i, v := range out.Data {
			out.Data[i] = fn(v)
		}
		return out, nil

	case ScaleRows:
		out := in[0].Clone()
		for r := 0; r < out.Rows(); r++ {
			tensor.Scale(out.Row(r), in[1].Data[r])
		}
		return out, nil

	case Attention:
		return attention(in[0], in[1], in[2], in[3], a.Scale)
	}
	return nil, fmt.Errorf("%v: no kernel", o)
}

// attention evaluates every query head against the cache slots the mask
// leaves open. Slot order does not matter, so the circular cache buffer is
// consumed in place.
func attention(q, k, v, mask *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	batch, hq, d := q.Shape[0], q.Shape[1], q.Shape[2]
	capacity, hkv := k.Shape[0], k.Shape[2]
	group := hq / hkv
	if scale == 0 {
		scale = float32(1.0 / math.Sqrt(float64(d)))
	}

	out := tensor.New(q.DType, batch, hq*d)
	scores := make([]float32, capacity)
	slotStride := batch * hkv * d
	for b := 0; b < batch; b++ {
		for h := 0; h < hq; h++ {
			kvh := h / group
			qv := q.Data[(b*hq+h)*d : (b*hq+h+1)*d]
			for c := 0; c < capacity; c++ {
				if math.IsInf(float64(mask.Data[c]), -1) {
					scores[c] = mask.Data[c]
					continue
				}
				off := c*slotStride + (b*hkv+kvh)*d
				scores[c] = tensor.Dot(qv, k.Data[off:off+d])*scale + mask.Data[c]
			}
			tensor.Softmax(scores)
			dst := out.Data[b*hq*d+h*d : b*hq*d+(h+1)*d]
			for c := 0; c < capacity; c++ {
				w := scores[c]
				if w == 0 {
					continue
				}
				off := c*slotStride + (b*hkv+kvh)*d
				for i, x := range v.Data[off : off+d] {
					dst[i] += w * x
				}
			}
		}
	}
	return out, nil
}
