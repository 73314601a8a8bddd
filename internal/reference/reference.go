// Package reference is a dense single-host forward pass of the model. It
// reads the same checkpoint and rounds weights and KV entries to the same
// dtypes as the sharded engine, so the two agree up to summation order.
package reference

import (
	"fmt"
	"math"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/moe"
	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/rope"
	"github.com/samcharles93/meshdecode/internal/tensor"
	"github.com/samcharles93/meshdecode/internal/weights"
)

type expert struct {
	w1, w2, w3 *tensor.Tensor
}

type layer struct {
	wq, wk, wv, wo    *tensor.Tensor
	attnNorm, ffnNorm []float32
	gate              *tensor.Tensor
	experts           []expert

	// keys and values hold one [B, KVHeads*HeadDim] entry per position,
	// oldest first, at most SlidingWindow of them
	keys, values []*tensor.Tensor
}

// Model is not safe for concurrent use.
type Model struct {
	cfg    config.Config
	act    ops.Op
	kvType tensor.DType
	actTy  tensor.DType
	rot    *rope.Set

	embedding *tensor.Tensor
	norm      []float32
	output    *tensor.Tensor
	layers    []*layer
	next      int
}

// New builds the reference from sd. Only the first cfg.Layers layers are
// read.
func New(cfg config.Config, sd weights.StateDict) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, err := cfg.ActivationOp()
	if err != nil {
		return nil, err
	}
	rot, err := rope.ForModel(cfg)
	if err != nil {
		return nil, err
	}
	policy := weights.PolicyFromConfig(cfg)
	get := func(key, role string) (*tensor.Tensor, error) {
		t, ok := sd[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", weights.ErrMissingWeight, key)
		}
		return tensor.Convert(t, policy.For(role)), nil
	}
	linear := func(key, role string) (*tensor.Tensor, error) {
		t, err := get(key, role)
		if err != nil {
			return nil, err
		}
		return t.Transpose2D()
	}

	m := &Model{
		cfg:    cfg,
		act:    act,
		kvType: cfg.DType(config.RoleAttention),
		actTy:  cfg.DType(config.RoleActivation),
		rot:    rot,
	}
	if m.embedding, err = get(weights.KeyEmbedding, config.RoleEmbedding); err != nil {
		return nil, err
	}
	norm, err := get(weights.KeyNorm, config.RoleNorm)
	if err != nil {
		return nil, err
	}
	m.norm = norm.Data
	if m.output, err = linear(weights.KeyOutput, config.RoleOutput); err != nil {
		return nil, err
	}

	for l := 0; l < cfg.Layers; l++ {
		ly := &layer{}
		for _, p := range []struct {
			name string
			dst  **tensor.Tensor
		}{{"attention.wq", &ly.wq}, {"attention.wk", &ly.wk}, {"attention.wv", &ly.wv}, {"attention.wo", &ly.wo}} {
			if *p.dst, err = linear(weights.LayerKey(l, p.name), config.RoleAttention); err != nil {
				return nil, err
			}
		}
		an, err := get(weights.LayerKey(l, weights.AttentionNorm), config.RoleNorm)
		if err != nil {
			return nil, err
		}
		fn, err := get(weights.LayerKey(l, weights.FFNNorm), config.RoleNorm)
		if err != nil {
			return nil, err
		}
		ly.attnNorm, ly.ffnNorm = an.Data, fn.Data
		if ly.gate, err = linear(weights.LayerKey(l, "feed_forward.gate"), config.RoleGate); err != nil {
			return nil, err
		}
		for j := 0; j < cfg.Experts; j++ {
			var e expert
			if e.w1, err = linear(weights.ExpertKey(l, j, weights.W1), config.RoleExpertW1); err != nil {
				return nil, err
			}
			if e.w2, err = linear(weights.ExpertKey(l, j, weights.W2), config.RoleExpertW2); err != nil {
				return nil, err
			}
			if e.w3, err = linear(weights.ExpertKey(l, j, weights.W3), config.RoleExpertW3); err != nil {
				return nil, err
			}
			ly.experts = append(ly.experts, e)
		}
		m.layers = append(m.layers, ly)
	}
	return m, nil
}

// Position returns the next position Forward expects.
func (m *Model) Position() int { return m.next }

// Reset forgets every cached position.
func (m *Model) Reset() {
	for _, ly := range m.layers {
		ly.keys, ly.values = nil, nil
	}
	m.next = 0
}

// Forward runs tokens (one per batch row) at the next position and returns
// the logits [B, vocab].
func (m *Model) Forward(tokens []int) (*tensor.Tensor, error) {
	if len(tokens) != m.cfg.Batch {
		return nil, fmt.Errorf("reference: %d tokens for batch %d", len(tokens), m.cfg.Batch)
	}
	r, err := m.rot.At(m.next)
	if err != nil {
		return nil, err
	}
	x := tensor.New(m.actTy, len(tokens), m.cfg.Dim)
	for b, tok := range tokens {
		if tok < 0 || tok >= m.embedding.Rows() {
			return nil, fmt.Errorf("reference: token %d outside vocab %d", tok, m.embedding.Rows())
		}
		copy(x.Row(b), m.embedding.Row(tok))
	}
	m.actTy.Round(x.Data)

	for l, ly := range m.layers {
		if x, err = m.layer(ly, x, r); err != nil {
			return nil, fmt.Errorf("reference layer %d: %w", l, err)
		}
	}
	h := rmsNorm(x, m.norm, m.cfg.NormEps)
	out, err := tensor.MatMul(h, m.output)
	if err != nil {
		return nil, err
	}
	m.next++
	return out, nil
}

func rmsNorm(x *tensor.Tensor, w []float32, eps float32) *tensor.Tensor {
	out := tensor.New(x.DType, x.Shape...)
	for r := 0; r < x.Rows(); r++ {
		tensor.RMSNorm(out.Row(r), x.Row(r), w, eps)
	}
	return out
}

// rotate applies r to every headDim-wide chunk of each row of x.
func rotate(x *tensor.Tensor, r *tensor.Tensor) (*tensor.Tensor, error) {
	d := r.Rows()
	heads, err := x.Reshape(x.Numel()/d, d)
	if err != nil {
		return nil, err
	}
	out, err := tensor.MatMul(heads, r)
	if err != nil {
		return nil, err
	}
	return out.Reshape(x.Shape...)
}

func (m *Model) layer(ly *layer, x *tensor.Tensor, r *tensor.Tensor) (*tensor.Tensor, error) {
	cfg := m.cfg
	h := rmsNorm(x, ly.attnNorm, cfg.NormEps)
	q, err := tensor.MatMul(h, ly.wq)
	if err != nil {
		return nil, err
	}
	k, err := tensor.MatMul(h, ly.wk)
	if err != nil {
		return nil, err
	}
	v, err := tensor.MatMul(h, ly.wv)
	if err != nil {
		return nil, err
	}
	if q, err = rotate(q, r); err != nil {
		return nil, err
	}
	if k, err = rotate(k, r); err != nil {
		return nil, err
	}
	m.kvType.Round(k.Data)
	m.kvType.Round(v.Data)
	ly.keys = append(ly.keys, k)
	ly.values = append(ly.values, v)
	if n := len(ly.keys); n > cfg.SlidingWindow {
		ly.keys = ly.keys[n-cfg.SlidingWindow:]
		ly.values = ly.values[n-cfg.SlidingWindow:]
	}

	attn := m.attend(ly, q)
	proj, err := tensor.MatMul(attn, ly.wo)
	if err != nil {
		return nil, err
	}
	resid := x.Clone()
	tensor.Add(resid.Data, proj.Data)

	normed := rmsNorm(resid, ly.ffnNorm, cfg.NormEps)
	scores, err := tensor.MatMul(normed, ly.gate)
	if err != nil {
		return nil, err
	}
	gatings, err := moe.Route(scores, cfg.TopK)
	if err != nil {
		return nil, err
	}
	for b, g := range gatings {
		row := tensor.MustFromSlice(normed.Row(b), 1, cfg.Dim)
		for _, c := range g.Choices {
			y, err := m.ffn(ly.experts[c.Expert], row)
			if err != nil {
				return nil, err
			}
			tensor.Scale(y, c.Weight)
			tensor.Add(resid.Row(b), y)
		}
	}
	m.actTy.Round(resid.Data)
	return resid, nil
}

// attend runs grouped-query attention of q [B, Heads*HeadDim] over the
// cached window.
func (m *Model) attend(ly *layer, q *tensor.Tensor) *tensor.Tensor {
	cfg := m.cfg
	d := cfg.HeadDim
	group := cfg.Heads / cfg.KVHeads
	scale := float32(1 / math.Sqrt(float64(d)))
	out := tensor.New(q.DType, q.Rows(), cfg.Heads*d)
	scores := make([]float32, len(ly.keys))
	for b := 0; b < q.Rows(); b++ {
		for h := 0; h < cfg.Heads; h++ {
			kvh := h / group
			qv := q.Row(b)[h*d : (h+1)*d]
			for p, k := range ly.keys {
				scores[p] = tensor.Dot(qv, k.Row(b)[kvh*d:(kvh+1)*d]) * scale
			}
			tensor.Softmax(scores)
			dst := out.Row(b)[h*d : (h+1)*d]
			for p, v := range ly.values {
				for i, x := range v.Row(b)[kvh*d : (kvh+1)*d] {
					dst[i] += scores[p] * x
				}
			}
		}
	}
	return out
}

func (m *Model) ffn(e expert, x *tensor.Tensor) ([]float32, error) {
	g, err := tensor.MatMul(x, e.w1)
	if err != nil {
		return nil, err
	}
	u, err := tensor.MatMul(x, e.w3)
	if err != nil {
		return nil, err
	}
	fn := tensor.Silu
	if m.act == ops.GELU {
		fn = tensor.Gelu
	}
	for i := range g.Data {
		g.Data[i] = fn(g.Data[i]) * u.Data[i]
	}
	y, err := tensor.MatMul(g, e.w2)
	if err != nil {
		return nil, err
	}
	return y.Data, nil
}
