package main

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/inference"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/profiler"
)

const firstStep = "decode_step_0"

type benchResult struct {
	WithCompile time.Duration `json:"with_compile"`
	CompileTime time.Duration `json:"compile_time"`
	Compiles    int           `json:"compiles"`
	Cached      time.Duration `json:"cached"`
	SteadyMean  time.Duration `json:"steady_mean"`
	SteadyCPU   time.Duration `json:"steady_cpu"`
	Programs    int           `json:"programs"`
}

// benchmark times position 0 twice: once on a cold program cache and once
// in a second session that finds every program compiled, then runs steps
// further steady steps in that session.
func benchmark(ctx context.Context, engine *inference.Engine, steps int) (benchResult, error) {
	var out benchResult
	batch := engine.Config().Batch
	p := profiler.New()

	cold, err := engine.Open(ctx, decode.WithProfiler(p))
	if err != nil {
		return out, err
	}
	res, err := cold.Step(ctx, 0, batchOf(1, batch))
	if err != nil {
		return out, fmt.Errorf("inference with compile: %w", err)
	}
	out.WithCompile = p.Get(firstStep)
	out.CompileTime = res.CompileTime
	out.Compiles = res.Compiles
	if err := cold.Close(); err != nil {
		return out, err
	}
	p.Clear()

	warm, err := engine.Open(ctx, decode.WithProfiler(p))
	if err != nil {
		return out, err
	}
	defer func() { _ = warm.Close() }()
	if _, err := warm.Step(ctx, 0, batchOf(1, batch)); err != nil {
		return out, fmt.Errorf("inference: %w", err)
	}
	out.Cached = p.Get(firstStep)

	var total, cpu time.Duration
	for i := 0; i < steps; i++ {
		res, err := warm.Next(ctx, nil, batchOf(1, batch))
		if err != nil {
			return out, fmt.Errorf("steady step %d: %w", i, err)
		}
		if t, ok := p.Timing(fmt.Sprintf("decode_step_%d", res.Position)); ok {
			total += t.Total
			cpu += t.CPU
		}
	}
	if steps > 0 {
		out.SteadyMean = total / time.Duration(steps)
		out.SteadyCPU = cpu / time.Duration(steps)
	}
	out.Programs = engine.Programs().Len()
	return out, nil
}

func benchCmd() *cli.Command {
	var (
		steps   int
		jsonOut bool
	)

	flags := append(commonModelFlags(),
		&cli.IntFlag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "steady steps timed after the cached first step",
			Value:       8,
			Destination: &steps,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the result as JSON",
			Destination: &jsonOut,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Compare a step that compiles with one served from the program cache",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := loadModelConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			// every cached step must hit, so the cache cannot be disabled here
			cfg.PersistentCache = true

			engine, err := inference.Loader{Logger: log}.Load(ctx, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()

			res, err := benchmark(ctx, engine, steps)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if jsonOut {
				b, err := json.MarshalIndent(res, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			}
			fmt.Printf("inference with compile: %s (%d programs, %s compiling)\n", res.WithCompile, res.Compiles, res.CompileTime)
			fmt.Printf("inference:              %s\n", res.Cached)
			if steps > 0 {
				fmt.Printf("steady step mean:       %s (cpu %s)\n", res.SteadyMean, res.SteadyCPU)
			}
			if res.Cached > 0 {
				fmt.Printf("compile overhead:       %.1fx\n", float64(res.WithCompile)/float64(res.Cached))
			}
			return nil
		},
	}
}
