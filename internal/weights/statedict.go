package weights

import (
	"fmt"
	"maps"
	"math"
	"math/rand"
	"slices"
	"strconv"
	"strings"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// StateDict is a flat checkpoint: host arrays keyed by Mixtral parameter
// name, linear weights stored [out, in].
type StateDict map[string]*tensor.Tensor

// Checkpoint key names.
const (
	KeyEmbedding = "tok_embeddings.weight"
	KeyNorm      = "norm.weight"
	KeyOutput    = "output.weight"
)

// LayerKey returns the checkpoint key of a per-layer parameter, e.g.
// LayerKey(0, "attention.wq") is "layers.0.attention.wq.weight".
func LayerKey(layer int, name string) string {
	return "layers." + strconv.Itoa(layer) + "." + name + ".weight"
}

// ExpertKey returns the checkpoint key of an expert projection, e.g.
// ExpertKey(0, 3, "w1") is "layers.0.feed_forward.experts.3.w1.weight".
func ExpertKey(layer, expert int, name string) string {
	return LayerKey(layer, "feed_forward.experts."+strconv.Itoa(expert)+"."+name)
}

// WithPrefix returns the entries whose key starts with prefix.
func (sd StateDict) WithPrefix(prefix string) StateDict {
	out := make(StateDict)
	for k, v := range sd {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out
}

// Keys returns the keys in sorted order.
func (sd StateDict) Keys() []string {
	return slices.Sorted(maps.Keys(sd))
}

// TrimLayers returns a copy of sd without layers at index n and above.
func TrimLayers(sd StateDict, n int) StateDict {
	out := make(StateDict, len(sd))
	for k, v := range sd {
		if rest, ok := strings.CutPrefix(k, "layers."); ok {
			idx, _, _ := strings.Cut(rest, ".")
			if i, err := strconv.Atoi(idx); err == nil && i >= n {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Synthetic builds a deterministic random checkpoint with the shapes cfg
// describes. It stands in for a real checkpoint in tests and the CLI.
func Synthetic(cfg config.Config, seed int64) StateDict {
	rng := rand.New(rand.NewSource(seed))
	qDim := cfg.Heads * cfg.HeadDim
	kvDim := cfg.KVHeads * cfg.HeadDim
	linear := func(out, in int) *tensor.Tensor {
		return tensor.Rand(rng, float32(1/math.Sqrt(float64(in))), out, in)
	}
	norm := func(n int) *tensor.Tensor {
		t := tensor.Rand(rng, 0.1, n)
		for i := range t.Data {
			t.Data[i] += 1
		}
		return t
	}

	sd := StateDict{
		KeyEmbedding: tensor.Rand(rng, 1, cfg.Vocab, cfg.Dim),
		KeyNorm:      norm(cfg.Dim),
		KeyOutput:    linear(cfg.Vocab, cfg.Dim),
	}
	for l := 0; l < cfg.Layers; l++ {
		sd[LayerKey(l, "attention.wq")] = linear(qDim, cfg.Dim)
		sd[LayerKey(l, "attention.wk")] = linear(kvDim, cfg.Dim)
		sd[LayerKey(l, "attention.wv")] = linear(kvDim, cfg.Dim)
		sd[LayerKey(l, "attention.wo")] = linear(cfg.Dim, qDim)
		sd[LayerKey(l, "attention_norm")] = norm(cfg.Dim)
		sd[LayerKey(l, "ffn_norm")] = norm(cfg.Dim)
		sd[LayerKey(l, "feed_forward.gate")] = linear(cfg.Experts, cfg.Dim)
		for e := 0; e < cfg.Experts; e++ {
			sd[ExpertKey(l, e, "w1")] = linear(cfg.HiddenDim, cfg.Dim)
			sd[ExpertKey(l, e, "w2")] = linear(cfg.Dim, cfg.HiddenDim)
			sd[ExpertKey(l, e, "w3")] = linear(cfg.HiddenDim, cfg.Dim)
		}
	}
	return sd
}

func (sd StateDict) require(key string, shape ...int) (*tensor.Tensor, error) {
	t, ok := sd[key]
	if !ok || t == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeight, key)
	}
	if !slices.Equal(t.Shape, shape) {
		return nil, fmt.Errorf("weight %s has shape %v, want %v", key, t.Shape, shape)
	}
	return t, nil
}
