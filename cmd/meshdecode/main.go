package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshdecode/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "meshdecode",
		Usage: "Sharded mixture-of-experts decoding on a device mesh",
		Flags: append(loggingFlags(), &cli.StringFlag{
			Name:        "config",
			Usage:       "path to a YAML model configuration",
			Destination: &configFile,
		}),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			log, err := newLogger(os.Stderr, logFormat, logLevel, debug)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			benchCmd(),
			validateCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
