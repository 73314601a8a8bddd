package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/inference"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/logits"
)

func runCmd() *cli.Command {
	var (
		prompt     string
		steps      int
		jsonOut    bool
		showStats  bool
		cpuProfile string
	)

	flags := append(commonModelFlags(), samplingFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "comma separated token ids fed before sampling",
			Value:       "1",
			Destination: &prompt,
		},
		&cli.IntFlag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to sample",
			Value:       16,
			Destination: &steps,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print one JSON object per step",
			Destination: &jsonOut,
		},
		&cli.BoolFlag{
			Name:        "show-stats",
			Usage:       "print expert load per layer for every step",
			Destination: &showStats,
		},
		&cli.StringFlag{
			Name:        "cpuprofile",
			Usage:       "write cpu profile to file",
			Destination: &cpuProfile,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Decode tokens on a synthetic checkpoint",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: create cpu profile: %v", err), 1)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return cli.Exit(fmt.Sprintf("error: start cpu profile: %v", err), 1)
				}
				defer pprof.StopCPUProfile()
			}

			cfg, err := loadModelConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			ids, err := parseTokens(prompt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: prompt: %v", err), 1)
			}
			if len(ids) == 0 {
				return cli.Exit("error: prompt needs at least one token", 1)
			}

			loadStart := time.Now()
			engine, err := inference.Loader{Logger: log}.Load(ctx, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()
			log.Info("engine ready", "duration", time.Since(loadStart))

			sess, err := engine.Open(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open session: %v", err), 1)
			}

			emit := func(res *decode.StepResult) error {
				if jsonOut {
					b, err := json.Marshal(res)
					if err != nil {
						return err
					}
					fmt.Println(string(b))
					return nil
				}
				if showStats {
					for l, st := range res.Experts {
						fmt.Fprintf(os.Stderr, "position %d layer %d experts %v\n", res.Position, l, st.TokensPerExpert)
					}
				}
				return nil
			}

			for _, id := range ids {
				res, err := sess.Next(ctx, nil, batchOf(id, cfg.Batch))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: prompt step: %v", err), 1)
				}
				if err := emit(res); err != nil {
					return err
				}
			}

			sampler := logits.NewSampler(samplerConfig())
			var generated []string
			start := time.Now()
			for i := 0; i < steps; i++ {
				res, err := sess.Next(ctx, sampler, nil)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: decode step %d: %v", i, err), 1)
				}
				if err := emit(res); err != nil {
					return err
				}
				generated = append(generated, strconv.Itoa(res.Tokens[0]))
			}
			elapsed := time.Since(start)

			if !jsonOut {
				fmt.Println(strings.Join(generated, " "))
			}
			stats := sess.Stats()
			tps := 0.0
			if elapsed > 0 {
				tps = float64(steps) / elapsed.Seconds()
			}
			fmt.Fprintf(os.Stderr, "Stats: %.2f TPS (%d tokens in %s), %d compiles in %s, state %s\n",
				tps, steps, elapsed.Round(time.Microsecond), stats.Compiles, stats.CompileTime.Round(time.Microsecond), sess.State())
			return sess.Close()
		},
	}
}
