package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

var (
	configFile     string
	backend        string
	meshSize       int
	layers         int
	slidingWindow  int
	maxSeqLen      int
	seed           int64
	persistent     bool
	compileLatency time.Duration
	logLevel       string
	logFormat      string
	debug          bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "device backend (auto, emulated)",
			Value:       "auto",
			Destination: &backend,
		},
		&cli.IntFlag{
			Name:        "mesh-size",
			Aliases:     []string{"devices"},
			Usage:       "number of devices in the mesh (4 or 8)",
			Value:       8,
			Destination: &meshSize,
		},
		&cli.IntFlag{
			Name:        "layers",
			Aliases:     []string{"l"},
			Usage:       "number of decoder layers to load",
			Value:       1,
			Destination: &layers,
		},
		&cli.IntFlag{
			Name:        "sliding-window",
			Aliases:     []string{"window"},
			Usage:       "KV cache capacity in positions",
			Value:       32,
			Destination: &slidingWindow,
		},
		&cli.IntFlag{
			Name:        "max-seq-len",
			Usage:       "positions covered by the rotary cache",
			Value:       64,
			Destination: &maxSeqLen,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed of the synthetic checkpoint",
			Value:       1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "persistent-cache",
			Usage:       "keep compiled programs between steps",
			Value:       true,
			Destination: &persistent,
		},
		&cli.DurationFlag{
			Name:        "compile-latency",
			Usage:       "simulated device compile time per program",
			Destination: &compileLatency,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

var (
	temperature float64
	topP        float64
	samplerSeed int64
)

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.FloatFlag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Destination: &temperature,
		},
		&cli.FloatFlag{
			Name:        "top-p",
			Usage:       "nucleus sampling threshold",
			Value:       1,
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "sampler-seed",
			Usage:       "seed of the token sampler",
			Destination: &samplerSeed,
		},
	}
}
