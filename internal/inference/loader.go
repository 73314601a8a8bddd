// Package inference turns a configuration into a ready decoding engine: a
// device mesh, the sharded weights, the replicated rotary tables and one
// program cache shared by every session opened on it.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/rope"
	"github.com/samcharles93/meshdecode/internal/weights"
)

// Loader builds engines.
type Loader struct {
	Logger logger.Logger
	// StateDict is the checkpoint to place. When nil a synthetic checkpoint
	// seeded with cfg.Seed is used.
	StateDict weights.StateDict
	// Compiler overrides the host compiler, mostly for tests.
	Compiler program.Compiler
}

// Load validates cfg, opens cfg.MeshSize devices and places the weights of
// the first cfg.Layers layers on them.
func (l Loader) Load(ctx context.Context, cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := l.Logger
	if log == nil {
		log = logger.Discard()
	}

	devs, err := device.Open(cfg.Backend, cfg.MeshSize,
		device.WithRetries(cfg.DeviceRetries),
		device.WithLogger(log.WithGroup("device")),
	)
	if err != nil {
		return nil, err
	}
	m, err := mesh.New(devs)
	if err != nil {
		return nil, errors.Join(err, device.CloseAll(devs))
	}
	cleanup := func(err error) (*Engine, error) {
		return nil, errors.Join(err, m.Close())
	}

	sd := l.StateDict
	if sd == nil {
		sd = weights.Synthetic(cfg, cfg.Seed)
	}
	sd = weights.TrimLayers(sd, cfg.Layers)
	layers := make([]int, cfg.Layers)
	for i := range layers {
		layers[i] = i
	}
	w, err := weights.Load(ctx, m, sd, layers, cfg.Experts, weights.RoundRobin(cfg.Experts, m.Size()), weights.OptionsFromConfig(cfg))
	if err != nil {
		return cleanup(fmt.Errorf("load weights: %w", err))
	}

	set, err := rope.ForModel(cfg)
	if err != nil {
		return cleanup(err)
	}
	rot, err := rope.Replicate(ctx, m, set)
	if err != nil {
		return cleanup(err)
	}

	compiler := l.Compiler
	if compiler == nil {
		compiler = device.HostCompiler{Latency: cfg.CompileLatency}
	}
	programs := program.NewCache(compiler,
		program.WithLogger(log.WithGroup("programs")),
		program.WithPersistent(cfg.PersistentCache),
		program.WithCapacity(cfg.ProgramCacheSize),
	)

	log.Info("engine loaded",
		"mesh", m.Size(),
		"layers", cfg.Layers,
		"experts", cfg.Experts,
		"shards", w.Len(),
		"window", cfg.SlidingWindow,
	)
	return &Engine{
		cfg:      cfg,
		log:      log,
		sd:       sd,
		mesh:     m,
		weights:  w,
		rot:      rot,
		programs: programs,
	}, nil
}
