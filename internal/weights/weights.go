// Package weights distributes a checkpoint over a device mesh.
//
// Attention projections are split by KV-head group, the output head by vocab
// columns, norms and the router gate are replicated, and each expert lives
// whole on the device its Assignment names. Every placed tensor is held in a
// single table keyed by (layer, expert, name, device).
package weights

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

var (
	// ErrMissingWeight is returned when a required parameter is absent.
	ErrMissingWeight = errors.New("missing weight")
	// ErrShardPlacement is returned when a shard cannot be placed on the mesh.
	ErrShardPlacement = errors.New("invalid shard placement")
)

// Global is the Layer of parameters outside any transformer layer.
const Global = -1

// NoExpert is the Expert of parameters that do not belong to an expert.
const NoExpert = -1

// Shard names.
const (
	WQ            = "wq"
	WK            = "wk"
	WV            = "wv"
	WO            = "wo"
	AttentionNorm = "attention_norm"
	FFNNorm       = "ffn_norm"
	Gate          = "gate"
	W1            = "w1"
	W2            = "w2"
	W3            = "w3"
	Norm          = "norm"
	Output        = "output"
)

// Key addresses one placed tensor.
type Key struct {
	Layer  int
	Expert int
	Name   string
	Device int
}

// Shard is a tensor resident on one device together with its role.
type Shard struct {
	Key    Key
	Role   string
	Tensor *tensor.Tensor
}

// Policy maps a role to the dtype its weights are stored in.
type Policy map[string]tensor.DType

// PolicyFromConfig resolves the per-role dtypes of cfg.
func PolicyFromConfig(cfg config.Config) Policy {
	p := make(Policy, len(config.Roles))
	for _, r := range config.Roles {
		p[r] = cfg.DType(r)
	}
	return p
}

// For returns the dtype of role, F32 when unset.
func (p Policy) For(role string) tensor.DType {
	if d, ok := p[role]; ok {
		return d
	}
	return tensor.F32
}

// Assignment maps expert index to mesh device index.
type Assignment []int

// RoundRobin places expert j on device j mod meshSize.
func RoundRobin(experts, meshSize int) Assignment {
	a := make(Assignment, experts)
	for j := range a {
		a[j] = j % meshSize
	}
	return a
}

// Options describe how heads are laid out in the checkpoint.
type Options struct {
	Policy  Policy
	Heads   int
	KVHeads int
	HeadDim int
	Logger  logger.Logger
}

// OptionsFromConfig fills Options from cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Policy:  PolicyFromConfig(cfg),
		Heads:   cfg.Heads,
		KVHeads: cfg.KVHeads,
		HeadDim: cfg.HeadDim,
	}
}

// Set is the placed weight table. It is immutable after Load.
type Set struct {
	mesh      *mesh.Mesh
	layers    []int
	assign    Assignment
	shards    map[Key]*Shard
	embedding *tensor.Tensor

	dim, hidden, vocab       int
	qHeads, kvHeads, headDim int
}

type pending struct {
	key    Key
	role   string
	host   *tensor.Tensor
	layout tensor.Layout
}

// Load converts, shards and places the given layers of sd onto m.
func Load(ctx context.Context, m *mesh.Mesh, sd StateDict, layers []int, expertsPerLayer int, assign Assignment, opts Options) (*Set, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	n := m.Size()
	if len(assign) != expertsPerLayer {
		return nil, fmt.Errorf("%w: assignment covers %d experts, want %d", ErrShardPlacement, len(assign), expertsPerLayer)
	}
	for j, d := range assign {
		if d < 0 || d >= n {
			return nil, fmt.Errorf("%w: expert %d assigned to device %d outside mesh of %d", ErrShardPlacement, j, d, n)
		}
	}
	if opts.KVHeads <= 0 || opts.Heads%opts.KVHeads != 0 {
		return nil, fmt.Errorf("weights: %d heads cannot group over %d kv heads", opts.Heads, opts.KVHeads)
	}
	if opts.KVHeads%n != 0 {
		return nil, fmt.Errorf("%w: %d kv heads cannot be split over %d devices", ErrShardPlacement, opts.KVHeads, n)
	}

	emb, ok := sd[KeyEmbedding]
	if !ok || emb.Rank() != 2 {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, KeyEmbedding)
	}
	vocab, dim := emb.Shape[0], emb.Shape[1]
	if vocab%n != 0 {
		return nil, fmt.Errorf("%w: vocab %d cannot be split over %d devices", ErrShardPlacement, vocab, n)
	}
	qDim, kvDim := opts.Heads*opts.HeadDim, opts.KVHeads*opts.HeadDim

	s := &Set{
		mesh:      m,
		layers:    slices.Clone(layers),
		assign:    slices.Clone(assign),
		shards:    make(map[Key]*Shard),
		embedding: tensor.Convert(emb, opts.Policy.For(config.RoleEmbedding)),
		dim:       dim,
		vocab:     vocab,
		qHeads:    opts.Heads / n,
		kvHeads:   opts.KVHeads / n,
		headDim:   opts.HeadDim,
	}

	plan := make([][]pending, n)
	replicate := func(k Key, role string, host *tensor.Tensor, layout tensor.Layout) {
		for d := 0; d < n; d++ {
			k.Device = d
			plan[d] = append(plan[d], pending{key: k, role: role, host: host, layout: layout})
		}
	}
	// linear converts and transposes a [out, in] checkpoint weight to [in, out].
	linear := func(key, role string, shape ...int) (*tensor.Tensor, error) {
		t, err := sd.require(key, shape...)
		if err != nil {
			return nil, err
		}
		return tensor.Convert(t, opts.Policy.For(role)).Transpose2D()
	}
	columns := func(k Key, role string, full *tensor.Tensor, width int) error {
		for d := 0; d < n; d++ {
			part, err := full.SliceCols(d*width, (d+1)*width)
			if err != nil {
				return err
			}
			k.Device = d
			plan[d] = append(plan[d], pending{key: k, role: role, host: part, layout: tensor.Tile})
		}
		return nil
	}

	normW, err := sd.require(KeyNorm, dim)
	if err != nil {
		return nil, err
	}
	replicate(Key{Layer: Global, Expert: NoExpert, Name: Norm}, config.RoleNorm, tensor.Convert(normW, opts.Policy.For(config.RoleNorm)), tensor.RowMajor)
	out, err := linear(KeyOutput, config.RoleOutput, vocab, dim)
	if err != nil {
		return nil, err
	}
	if err := columns(Key{Layer: Global, Expert: NoExpert, Name: Output}, config.RoleOutput, out, vocab/n); err != nil {
		return nil, err
	}

	for _, l := range layers {
		if len(sd.WithPrefix(fmt.Sprintf("layers.%d.", l))) == 0 {
			return nil, fmt.Errorf("%w: no parameters for layer %d", ErrMissingWeight, l)
		}
		at := func(name string) Key { return Key{Layer: l, Expert: NoExpert, Name: name} }

		wq, err := linear(LayerKey(l, "attention.wq"), config.RoleAttention, qDim, dim)
		if err != nil {
			return nil, err
		}
		wk, err := linear(LayerKey(l, "attention.wk"), config.RoleAttention, kvDim, dim)
		if err != nil {
			return nil, err
		}
		wv, err := linear(LayerKey(l, "attention.wv"), config.RoleAttention, kvDim, dim)
		if err != nil {
			return nil, err
		}
		wo, err := linear(LayerKey(l, "attention.wo"), config.RoleAttention, dim, qDim)
		if err != nil {
			return nil, err
		}
		if err := columns(at(WQ), config.RoleAttention, wq, s.qHeads*opts.HeadDim); err != nil {
			return nil, err
		}
		if err := columns(at(WK), config.RoleAttention, wk, s.kvHeads*opts.HeadDim); err != nil {
			return nil, err
		}
		if err := columns(at(WV), config.RoleAttention, wv, s.kvHeads*opts.HeadDim); err != nil {
			return nil, err
		}
		rows := s.qHeads * opts.HeadDim
		for d := 0; d < n; d++ {
			part, err := wo.SliceRows(d*rows, (d+1)*rows)
			if err != nil {
				return nil, err
			}
			k := at(WO)
			k.Device = d
			plan[d] = append(plan[d], pending{key: k, role: config.RoleAttention, host: part, layout: tensor.Tile})
		}

		for _, name := range []string{AttentionNorm, FFNNorm} {
			w, err := sd.require(LayerKey(l, name), dim)
			if err != nil {
				return nil, err
			}
			replicate(at(name), config.RoleNorm, tensor.Convert(w, opts.Policy.For(config.RoleNorm)), tensor.RowMajor)
		}
		gate, err := linear(LayerKey(l, "feed_forward.gate"), config.RoleGate, expertsPerLayer, dim)
		if err != nil {
			return nil, err
		}
		replicate(at(Gate), config.RoleGate, gate, tensor.Tile)

		for j := 0; j < expertsPerLayer; j++ {
			if len(sd.WithPrefix(fmt.Sprintf("layers.%d.feed_forward.experts.%d.", l, j))) == 0 {
				return nil, fmt.Errorf("%w: no parameters for layer %d expert %d", ErrMissingWeight, l, j)
			}
			w1Raw, ok := sd[ExpertKey(l, j, W1)]
			if !ok || w1Raw.Rank() != 2 {
				return nil, fmt.Errorf("%w: %s", ErrMissingWeight, ExpertKey(l, j, W1))
			}
			hidden := w1Raw.Shape[0]
			if s.hidden == 0 {
				s.hidden = hidden
			}
			w1, err := linear(ExpertKey(l, j, W1), config.RoleExpertW1, hidden, dim)
			if err != nil {
				return nil, err
			}
			w2, err := linear(ExpertKey(l, j, W2), config.RoleExpertW2, dim, hidden)
			if err != nil {
				return nil, err
			}
			w3, err := linear(ExpertKey(l, j, W3), config.RoleExpertW3, hidden, dim)
			if err != nil {
				return nil, err
			}
			d := assign[j]
			for _, p := range []struct {
				name, role string
				t          *tensor.Tensor
			}{{W1, config.RoleExpertW1, w1}, {W2, config.RoleExpertW2, w2}, {W3, config.RoleExpertW3, w3}} {
				plan[d] = append(plan[d], pending{
					key:    Key{Layer: l, Expert: j, Name: p.name, Device: d},
					role:   p.role,
					host:   p.t,
					layout: tensor.Tile,
				})
			}
		}
	}

	var mu sync.Mutex
	err = m.Run(ctx, func(ctx context.Context, i int, d device.Device) error {
		placed := make([]*Shard, 0, len(plan[i]))
		for _, p := range plan[i] {
			t, err := d.Upload(ctx, p.host, p.layout)
			if err != nil {
				return fmt.Errorf("%w: %s on %s: %w", ErrShardPlacement, p.key.Name, d.Name(), err)
			}
			placed = append(placed, &Shard{Key: p.key, Role: p.role, Tensor: t})
		}
		mu.Lock()
		for _, sh := range placed {
			s.shards[sh.Key] = sh
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		s.Release()
		return nil, err
	}
	log.Info("weights placed", "layers", len(layers), "experts", expertsPerLayer, "shards", len(s.shards), "devices", n)
	return s, nil
}

// Layers returns the loaded layer indices in load order.
func (s *Set) Layers() []int { return slices.Clone(s.layers) }

// Embedding returns the host embedding table [vocab, dim].
func (s *Set) Embedding() *tensor.Tensor { return s.embedding }

// Dim returns the model width.
func (s *Set) Dim() int { return s.dim }

// Hidden returns the expert hidden width.
func (s *Set) Hidden() int { return s.hidden }

// Vocab returns the full vocabulary size.
func (s *Set) Vocab() int { return s.vocab }

// HeadsPerDevice returns the query and KV heads each device owns.
func (s *Set) HeadsPerDevice() (q, kv int) { return s.qHeads, s.kvHeads }

// HeadDim returns the per-head width.
func (s *Set) HeadDim() int { return s.headDim }

// Len returns the number of placed shards.
func (s *Set) Len() int { return len(s.shards) }

// Get returns a non-expert shard. Global parameters use Layer Global.
func (s *Set) Get(layer int, name string, dev int) (*tensor.Tensor, error) {
	sh, ok := s.shards[Key{Layer: layer, Expert: NoExpert, Name: name, Device: dev}]
	if !ok {
		return nil, fmt.Errorf("%w: layer %d %s on device %d", ErrMissingWeight, layer, name, dev)
	}
	return sh.Tensor, nil
}

// Shard returns the table entry for k.
func (s *Set) Shard(k Key) (*Shard, bool) {
	sh, ok := s.shards[k]
	return sh, ok
}

// ExpertWeights are the three projections of one expert on its device.
type ExpertWeights struct {
	Device     int
	W1, W2, W3 *tensor.Tensor
}

// Expert returns the placed projections of expert j in layer.
func (s *Set) Expert(layer, j int) (ExpertWeights, error) {
	if j < 0 || j >= len(s.assign) {
		return ExpertWeights{}, fmt.Errorf("%w: expert %d of %d", ErrMissingWeight, j, len(s.assign))
	}
	d := s.assign[j]
	ew := ExpertWeights{Device: d}
	for _, p := range []struct {
		name string
		dst  **tensor.Tensor
	}{{W1, &ew.W1}, {W2, &ew.W2}, {W3, &ew.W3}} {
		sh, ok := s.shards[Key{Layer: layer, Expert: j, Name: p.name, Device: d}]
		if !ok {
			return ExpertWeights{}, fmt.Errorf("%w: layer %d expert %d %s", ErrMissingWeight, layer, j, p.name)
		}
		*p.dst = sh.Tensor
	}
	return ew, nil
}

// ExpertsOn lists the experts device dev hosts, in index order.
func (s *Set) ExpertsOn(dev int) []int {
	var out []int
	for j, d := range s.assign {
		if d == dev {
			out = append(out, j)
		}
	}
	return out
}

// LayerExperts views the experts of one layer.
func (s *Set) LayerExperts(layer int) *LayerExperts {
	return &LayerExperts{set: s, layer: layer}
}

// LayerExperts is the expert table of one layer.
type LayerExperts struct {
	set   *Set
	layer int
}

func (e *LayerExperts) Count() int { return len(e.set.assign) }

func (e *LayerExperts) Owner(j int) int { return e.set.assign[j] }

func (e *LayerExperts) Weights(j int) (w1, w2, w3 *tensor.Tensor, err error) {
	ew, err := e.set.Expert(e.layer, j)
	if err != nil {
		return nil, nil, nil, err
	}
	return ew.W1, ew.W2, ew.W3, nil
}

// Release returns every shard's memory to its device.
func (s *Set) Release() {
	for k, sh := range s.shards {
		s.mesh.Device(k.Device).Free(sh.Tensor)
	}
}
