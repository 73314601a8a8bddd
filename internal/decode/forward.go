package decode

import (
	"context"
	"fmt"

	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/kvcache"
	"github.com/samcharles93/meshdecode/internal/moe"
	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/tensor"
	"github.com/samcharles93/meshdecode/internal/weights"
)

// routerDevice computes gate scores. The gate is replicated so any device
// would do.
const routerDevice = 0

func (s *Session) forward(ctx context.Context, pos int, tokens []int, undo *kvcache.UndoLog) (*tensor.Tensor, []moe.Stats, error) {
	x := s.embed(tokens)
	layers := s.weights.Layers()
	spread := make([]moe.Stats, 0, len(layers))
	for _, l := range layers {
		var st moe.Stats
		var err error
		x, st, err = s.layer(ctx, l, pos, x, undo)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", l, err)
		}
		spread = append(spread, st)
	}
	out, err := s.head(ctx, x)
	if err != nil {
		return nil, nil, err
	}
	return out, spread, nil
}

// embed looks up the host embedding rows of tokens.
func (s *Session) embed(tokens []int) *tensor.Tensor {
	emb := s.weights.Embedding()
	x := tensor.New(s.actDType, len(tokens), emb.Cols())
	for b, tok := range tokens {
		copy(x.Row(b), emb.Row(tok))
	}
	s.actDType.Round(x.Data)
	return x
}

// layer runs attention and the expert block of one transformer layer. x is
// the host residual stream [B, dim]; the returned tensor is the next one.
func (s *Session) layer(ctx context.Context, l, pos int, x *tensor.Tensor, undo *kvcache.UndoLog) (*tensor.Tensor, moe.Stats, error) {
	xs, err := s.exec.broadcast(ctx, x)
	if err != nil {
		return nil, moe.Stats{}, err
	}

	batch := x.Rows()
	qHeads, kvHeads := s.weights.HeadsPerDevice()
	headDim := s.weights.HeadDim()
	norm := ops.Attrs{Eps: s.cfg.NormEps}

	partials := make([]*tensor.Tensor, s.mesh.Size())
	err = s.mesh.Run(ctx, func(ctx context.Context, i int, _ device.Device) error {
		get := func(name string) (*tensor.Tensor, error) { return s.weights.Get(l, name, i) }
		run := func(op ops.Op, attrs ops.Attrs, in ...*tensor.Tensor) (*tensor.Tensor, error) {
			return s.exec.Run(ctx, i, op, attrs, in...)
		}

		attnNorm, err := get(weights.AttentionNorm)
		if err != nil {
			return err
		}
		h, err := run(ops.RMSNorm, norm, xs[i], attnNorm)
		if err != nil {
			return err
		}
		proj := make(map[string]*tensor.Tensor, 3)
		for _, name := range []string{weights.WQ, weights.WK, weights.WV} {
			w, err := get(name)
			if err != nil {
				return err
			}
			if proj[name], err = run(ops.MatMul, ops.Attrs{}, h, w); err != nil {
				return err
			}
		}

		r, err := s.rot.At(i, pos)
		if err != nil {
			return err
		}
		q, err := proj[weights.WQ].Reshape(batch, qHeads, headDim)
		if err != nil {
			return err
		}
		if q, err = run(ops.Rotary, ops.Attrs{}, q, r); err != nil {
			return err
		}
		k, err := proj[weights.WK].Reshape(batch, kvHeads, headDim)
		if err != nil {
			return err
		}
		if k, err = run(ops.Rotary, ops.Attrs{}, k, r); err != nil {
			return err
		}
		v, err := proj[weights.WV].Reshape(batch, kvHeads, headDim)
		if err != nil {
			return err
		}

		u, err := s.kv.Advance(l, i, k, v, pos)
		if err != nil {
			return err
		}
		undo.Add(u)
		kb, vb, mask, err := s.kv.Buffers(l, i)
		if err != nil {
			return err
		}
		a, err := run(ops.Attention, ops.Attrs{}, q, kb, vb, mask)
		if err != nil {
			return err
		}
		wo, err := get(weights.WO)
		if err != nil {
			return err
		}
		partials[i], err = run(ops.MatMul, ops.Attrs{}, a, wo)
		return err
	})
	if err != nil {
		return nil, moe.Stats{}, err
	}

	attn, err := s.exec.allReduce(ctx, partials)
	if err != nil {
		return nil, moe.Stats{}, err
	}

	// every device holds the full hidden state after the all-reduce, so the
	// residual and the ffn norm are computed in place on each of them
	resid := make([]*tensor.Tensor, s.mesh.Size())
	normed := make([]*tensor.Tensor, s.mesh.Size())
	err = s.mesh.Run(ctx, func(ctx context.Context, i int, _ device.Device) error {
		ffnNorm, err := s.weights.Get(l, weights.FFNNorm, i)
		if err != nil {
			return err
		}
		if resid[i], err = s.exec.Run(ctx, i, ops.Add, ops.Attrs{}, xs[i], attn[i]); err != nil {
			return err
		}
		normed[i], err = s.exec.Run(ctx, i, ops.RMSNorm, norm, resid[i], ffnNorm)
		return err
	})
	if err != nil {
		return nil, moe.Stats{}, err
	}

	gate, err := s.weights.Get(l, weights.Gate, routerDevice)
	if err != nil {
		return nil, moe.Stats{}, err
	}
	scores, err := s.router.Scores(ctx, s.exec, routerDevice, normed[routerDevice], gate)
	if err != nil {
		return nil, moe.Stats{}, err
	}
	gatings, err := moe.Route(scores, s.cfg.TopK)
	if err != nil {
		return nil, moe.Stats{}, err
	}
	ffn, st, err := moe.Dispatch(ctx, s.exec, normed[routerDevice], gatings, s.weights.LayerExperts(l), s.act)
	if err != nil {
		return nil, moe.Stats{}, err
	}

	next := resid[routerDevice].Clone()
	next.Device = tensor.Host
	next.Layout = tensor.RowMajor
	tensor.Add(next.Data, ffn.Data)
	next.DType = s.actDType
	s.actDType.Round(next.Data)
	return next, st, nil
}

// head applies the final norm and the vocab-sharded output projection and
// gathers the logits [B, vocab] onto the host.
func (s *Session) head(ctx context.Context, x *tensor.Tensor) (*tensor.Tensor, error) {
	xs, err := s.exec.broadcast(ctx, x)
	if err != nil {
		return nil, err
	}
	parts := make([]*tensor.Tensor, s.mesh.Size())
	err = s.mesh.Run(ctx, func(ctx context.Context, i int, _ device.Device) error {
		normW, err := s.weights.Get(weights.Global, weights.Norm, i)
		if err != nil {
			return err
		}
		h, err := s.exec.Run(ctx, i, ops.RMSNorm, ops.Attrs{Eps: s.cfg.NormEps}, xs[i], normW)
		if err != nil {
			return err
		}
		out, err := s.weights.Get(weights.Global, weights.Output, i)
		if err != nil {
			return err
		}
		parts[i], err = s.exec.Run(ctx, i, ops.MatMul, ops.Attrs{}, h, out)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.mesh.Gather(parts, 1)
}
