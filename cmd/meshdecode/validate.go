package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshdecode/internal/inference"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/validate"
)

func validateCmd() *cli.Command {
	var (
		prompt  string
		steps   int
		minPCC  float64
		jsonOut bool
	)

	flags := append(commonModelFlags(),
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "token id fed at position 0",
			Value:       "1",
			Destination: &prompt,
		},
		&cli.IntFlag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "positions to compare",
			Value:       8,
			Destination: &steps,
		},
		&cli.FloatFlag{
			Name:        "min-pcc",
			Usage:       "Pearson correlation every position must reach",
			Value:       validate.DefaultMinPCC,
			Destination: &minPCC,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "print the report as JSON",
			Destination: &jsonOut,
		},
	)

	return &cli.Command{
		Name:  "validate",
		Usage: "Compare the sharded decoder against the dense reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := loadModelConfig(cmd)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			ids, err := parseTokens(prompt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: prompt: %v", err), 1)
			}
			if len(ids) != 1 {
				return cli.Exit("error: validate takes exactly one prompt token", 1)
			}

			engine, err := inference.Loader{Logger: log}.Load(ctx, cfg)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load: %v", err), 1)
			}
			defer func() { _ = engine.Close() }()
			ref, err := engine.Reference()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: reference: %v", err), 1)
			}
			sess, err := engine.Open(ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open session: %v", err), 1)
			}

			rep, err := validate.Run(ctx, sess, ref, batchOf(ids[0], cfg.Batch), validate.Options{
				Steps:  steps,
				MinPCC: minPCC,
				Logger: log,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if jsonOut {
				b, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(b))
			} else {
				for _, st := range rep.Steps {
					status := "ok"
					if !st.Pass {
						status = "FAIL"
					}
					fmt.Printf("position %3d  pcc %.5f  max|diff| %.4g  top1 %.2f  top5 %.2f  %s\n",
						st.Position, st.PCC, st.MaxAbsDiff, st.Top1, st.Top5, status)
				}
				fmt.Printf("mean pcc %.5f  top1 %.2f  top5 %.2f\n", rep.MeanPCC, rep.MeanTop1, rep.MeanTop5)
			}
			if err := rep.Err(); err != nil {
				if errors.Is(err, validate.ErrBelowThreshold) {
					return cli.Exit(fmt.Sprintf("error: %v", err), 2)
				}
				return err
			}
			return nil
		},
	}
}
