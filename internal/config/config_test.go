package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"top_k above experts", func(c *Config) { c.TopK = 9 }},
		{"zero top_k", func(c *Config) { c.TopK = 0 }},
		{"odd head dim", func(c *Config) { c.HeadDim = 7; c.Dim = 56 }},
		{"dim mismatch", func(c *Config) { c.Dim = 65 }},
		{"gqa mismatch", func(c *Config) { c.KVHeads = 3 }},
		{"bad activation", func(c *Config) { c.Activation = "relu" }},
		{"bad placement", func(c *Config) { c.Placement = "sram" }},
		{"bad dtype", func(c *Config) { c.DTypes[RoleGate] = "int8" }},
		{"unknown role", func(c *Config) { c.DTypes["router"] = "f32" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.yaml")
	data := []byte(`
mesh_size: 4
top_k: 1
compile_latency: 5ms
dtypes:
  gate: bf16
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MeshSize != 4 || cfg.TopK != 1 {
		t.Fatalf("mesh_size=%d top_k=%d", cfg.MeshSize, cfg.TopK)
	}
	if cfg.CompileLatency != 5*time.Millisecond {
		t.Fatalf("compile_latency = %v", cfg.CompileLatency)
	}
	if cfg.Experts != 8 || cfg.SlidingWindow != 32 {
		t.Fatal("defaults lost on load")
	}
	if cfg.DType(RoleGate) != tensor.BF16 || cfg.DType(RoleAttention) != tensor.BF16 || cfg.DType(RoleNorm) != tensor.F32 {
		t.Fatalf("dtypes = %v", cfg.DTypes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestResolvedVariants(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Activation = "GELU"
	op, err := cfg.ActivationOp()
	if err != nil || op != ops.GELU {
		t.Fatalf("ActivationOp = %v, %v", op, err)
	}
	if cfg.GroupSize() != 1 {
		t.Fatalf("GroupSize = %d", cfg.GroupSize())
	}
}
