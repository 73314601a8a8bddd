// Package config describes the model and session configuration. A Config is
// read from YAML, overlaid with CLI flags and validated once; the named
// variants it carries (dtypes, activation, placement) are resolved here so
// nothing downstream looks them up by string.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Weight and compute roles that carry their own dtype.
const (
	RoleAttention  = "attention"
	RoleNorm       = "norm"
	RoleGate       = "gate"
	RoleExpertW1   = "expert_w1"
	RoleExpertW2   = "expert_w2"
	RoleExpertW3   = "expert_w3"
	RoleOutput     = "output"
	RoleEmbedding  = "embedding"
	RoleActivation = "activation"
)

// Roles lists every role in a stable order.
var Roles = []string{
	RoleAttention, RoleNorm, RoleGate,
	RoleExpertW1, RoleExpertW2, RoleExpertW3,
	RoleOutput, RoleEmbedding, RoleActivation,
}

// Config is the full description of a model and how it is decoded.
type Config struct {
	Backend  string `yaml:"backend" json:"backend"`
	MeshSize int    `yaml:"mesh_size" json:"mesh_size"`

	Layers        int `yaml:"layers" json:"layers"`
	Experts       int `yaml:"experts" json:"experts"`
	TopK          int `yaml:"top_k" json:"top_k"`
	SlidingWindow int `yaml:"sliding_window" json:"sliding_window"`
	MaxSeqLen     int `yaml:"max_seq_len" json:"max_seq_len"`
	Batch         int `yaml:"batch" json:"batch"`

	Dim       int     `yaml:"dim" json:"dim"`
	Heads     int     `yaml:"heads" json:"heads"`
	KVHeads   int     `yaml:"kv_heads" json:"kv_heads"`
	HeadDim   int     `yaml:"head_dim" json:"head_dim"`
	HiddenDim int     `yaml:"hidden_dim" json:"hidden_dim"`
	Vocab     int     `yaml:"vocab" json:"vocab"`
	RopeTheta float64 `yaml:"rope_theta" json:"rope_theta"`
	NormEps   float32 `yaml:"norm_eps" json:"norm_eps"`

	Activation string            `yaml:"activation" json:"activation"`
	DTypes     map[string]string `yaml:"dtypes" json:"dtypes"`
	Placement  string            `yaml:"placement" json:"placement"`

	PersistentCache  bool          `yaml:"persistent_cache" json:"persistent_cache"`
	ProgramCacheSize int           `yaml:"program_cache_size" json:"program_cache_size"`
	CompileLatency   time.Duration `yaml:"compile_latency" json:"compile_latency"`
	DeviceRetries    int           `yaml:"device_retries" json:"device_retries"`

	// Seed drives the synthetic checkpoint.
	Seed int64 `yaml:"seed" json:"seed"`
}

// Default returns a small Mixtral-shaped model on an eight device mesh.
func Default() Config {
	return Config{
		Backend:       "auto",
		MeshSize:      8,
		Layers:        1,
		Experts:       8,
		TopK:          2,
		SlidingWindow: 32,
		MaxSeqLen:     64,
		Batch:         1,
		Dim:           64,
		Heads:         8,
		KVHeads:       8,
		HeadDim:       8,
		HiddenDim:     128,
		Vocab:         256,
		RopeTheta:     1_000_000,
		NormEps:       1e-5,
		Activation:    "silu",
		DTypes: map[string]string{
			RoleAttention:  "bf16",
			RoleNorm:       "f32",
			RoleGate:       "f32",
			RoleExpertW1:   "bf16",
			RoleExpertW2:   "bf16",
			RoleExpertW3:   "bf16",
			RoleOutput:     "bf16",
			RoleEmbedding:  "f32",
			RoleActivation: "f32",
		},
		Placement:       "dram",
		PersistentCache: true,
		DeviceRetries:   3,
		Seed:            1,
	}
}

// Load reads a YAML file over Default. Keys absent from the file keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency. Mesh size and
// sharding divisibility are checked where the mesh is built and the weights
// are placed.
func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		name string
		v    int
	}{
		{"mesh_size", c.MeshSize}, {"layers", c.Layers}, {"experts", c.Experts},
		{"top_k", c.TopK}, {"sliding_window", c.SlidingWindow}, {"max_seq_len", c.MaxSeqLen},
		{"batch", c.Batch}, {"dim", c.Dim}, {"heads", c.Heads}, {"kv_heads", c.KVHeads},
		{"head_dim", c.HeadDim}, {"hidden_dim", c.HiddenDim}, {"vocab", c.Vocab},
	}
	for _, p := range positive {
		if p.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.name, p.v))
		}
	}
	if c.TopK > c.Experts {
		errs = append(errs, fmt.Errorf("top_k %d exceeds experts %d", c.TopK, c.Experts))
	}
	if c.Heads > 0 && c.KVHeads > 0 && c.Heads%c.KVHeads != 0 {
		errs = append(errs, fmt.Errorf("heads %d not divisible by kv_heads %d", c.Heads, c.KVHeads))
	}
	if c.HeadDim%2 != 0 {
		errs = append(errs, fmt.Errorf("head_dim must be even, got %d", c.HeadDim))
	}
	if c.Heads*c.HeadDim != c.Dim {
		errs = append(errs, fmt.Errorf("heads*head_dim = %d, want dim %d", c.Heads*c.HeadDim, c.Dim))
	}
	if c.NormEps < 0 {
		errs = append(errs, errors.New("norm_eps must not be negative"))
	}
	if c.ProgramCacheSize < 0 || c.DeviceRetries < 0 {
		errs = append(errs, errors.New("program_cache_size and device_retries must not be negative"))
	}
	if _, err := c.ActivationOp(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.PlacementValue(); err != nil {
		errs = append(errs, err)
	}
	for role, name := range c.DTypes {
		if !slices.Contains(Roles, role) {
			errs = append(errs, fmt.Errorf("unknown dtype role %q", role))
			continue
		}
		if _, err := tensor.ParseDType(name); err != nil {
			errs = append(errs, fmt.Errorf("dtype for %s: %w", role, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// DType returns the dtype configured for role, F32 when unset.
func (c Config) DType(role string) tensor.DType {
	d, err := tensor.ParseDType(c.DTypes[role])
	if err != nil {
		return tensor.F32
	}
	return d
}

// ActivationOp resolves the expert activation.
func (c Config) ActivationOp() (ops.Op, error) {
	return ops.ParseActivation(c.Activation)
}

// PlacementValue resolves the program memory placement.
func (c Config) PlacementValue() (program.Placement, error) {
	return program.ParsePlacement(c.Placement)
}

// GroupSize returns the number of query heads sharing one KV head.
func (c Config) GroupSize() int {
	return c.Heads / c.KVHeads
}
