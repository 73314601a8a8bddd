package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/logits"
)

// loadModelConfig reads --config, or the defaults when it is unset, and
// applies the model flags that were given explicitly on the command line.
func loadModelConfig(c *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return cfg, err
		}
	}
	applyModelFlags(c, &cfg)
	return cfg, cfg.Validate()
}

// applyModelFlags overrides file values with flags the user set.
func applyModelFlags(c *cli.Command, cfg *config.Config) {
	if c.IsSet("backend") {
		cfg.Backend = backend
	}
	if c.IsSet("mesh-size") {
		cfg.MeshSize = meshSize
	}
	if c.IsSet("layers") {
		cfg.Layers = layers
	}
	if c.IsSet("sliding-window") {
		cfg.SlidingWindow = slidingWindow
	}
	if c.IsSet("max-seq-len") {
		cfg.MaxSeqLen = maxSeqLen
	}
	if c.IsSet("seed") {
		cfg.Seed = seed
	}
	if c.IsSet("persistent-cache") {
		cfg.PersistentCache = persistent
	}
	if c.IsSet("compile-latency") {
		cfg.CompileLatency = compileLatency
	}
}

func samplerConfig() logits.SamplerConfig {
	return logits.SamplerConfig{
		Seed:        samplerSeed,
		Temperature: float32(temperature),
		TopP:        float32(topP),
	}
}

func newLogger(w io.Writer, format, level string, debug bool) (logger.Logger, error) {
	lvl := logger.ParseLevel(level)
	if debug {
		lvl = slog.LevelDebug
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "pretty":
		return logger.Pretty(w, lvl), nil
	case "json":
		return logger.JSON(w, lvl), nil
	case "text":
		return logger.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (expected pretty, json or text)", format)
	}
}

// parseTokens reads a comma or space separated list of token ids.
func parseTokens(s string) ([]int, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("token %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// batchOf repeats tok once per batch row.
func batchOf(tok, batch int) []int {
	out := make([]int, batch)
	for i := range out {
		out[i] = tok
	}
	return out
}
