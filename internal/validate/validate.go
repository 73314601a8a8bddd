// Package validate compares the sharded decoder against the dense reference
// with the metrics used for golden-value checks: Pearson correlation of the
// logits and top-k agreement of the predicted tokens.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/logits"
	"github.com/samcharles93/meshdecode/internal/reference"
	"github.com/samcharles93/meshdecode/internal/tensor"
)

// DefaultMinPCC is the correlation a step must reach to pass.
const DefaultMinPCC = 0.97

// PCC returns the Pearson correlation coefficient of want and got. Two
// identical vectors correlate at 1 even when they are constant.
func PCC(want, got []float32) float64 {
	if len(want) != len(got) || len(want) == 0 {
		return math.NaN()
	}
	if slices.Equal(want, got) {
		return 1
	}
	return stat.Correlation(widen(want), widen(got), nil)
}

func widen(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}

// AllClose reports whether |want-got| <= atol + rtol*|want| everywhere, and
// the largest absolute difference.
func AllClose(want, got []float32, atol, rtol float64) (float64, bool) {
	if len(want) != len(got) {
		return math.Inf(1), false
	}
	var maxDiff float64
	ok := true
	for i := range want {
		d := math.Abs(float64(want[i]) - float64(got[i]))
		maxDiff = max(maxDiff, d)
		if d > atol+rtol*math.Abs(float64(want[i])) {
			ok = false
		}
	}
	return maxDiff, ok
}

// TopKAccuracy returns the fraction of rows of scores [B, classes] whose k
// highest entries include labels[b].
func TopKAccuracy(labels []int, scores *tensor.Tensor, k int) (float64, error) {
	if scores.Rank() != 2 || scores.Rows() != len(labels) {
		return 0, fmt.Errorf("top-k accuracy: %d labels for scores %v", len(labels), scores.Shape)
	}
	if k < 1 {
		return 0, fmt.Errorf("top-k accuracy: k must be positive, got %d", k)
	}
	if len(labels) == 0 {
		return 0, nil
	}
	hits := 0
	for b, label := range labels {
		row := scores.Row(b)
		if label < 0 || label >= len(row) {
			return 0, fmt.Errorf("top-k accuracy: label %d outside %d classes", label, len(row))
		}
		// the label is in the top k when fewer than k entries beat it
		better := 0
		for j, v := range row {
			if v > row[label] || (v == row[label] && j < label) {
				better++
			}
		}
		if better < k {
			hits++
		}
	}
	return float64(hits) / float64(len(labels)), nil
}

// StepReport holds the comparison of one position.
type StepReport struct {
	Position   int     `json:"position"`
	PCC        float64 `json:"pcc"`
	MaxAbsDiff float64 `json:"max_abs_diff"`
	Top1       float64 `json:"top1"`
	Top5       float64 `json:"top5"`
	Pass       bool    `json:"pass"`
}

// Report summarises a validation run.
type Report struct {
	Steps    []StepReport `json:"steps"`
	MeanPCC  float64      `json:"mean_pcc"`
	MeanTop1 float64      `json:"mean_top1"`
	MeanTop5 float64      `json:"mean_top5"`
	Pass     bool         `json:"pass"`
}

// ErrBelowThreshold is returned by Report.Err when a step failed.
var ErrBelowThreshold = errors.New("pcc below threshold")

// Err returns ErrBelowThreshold naming the first failing position.
func (r *Report) Err() error {
	for _, s := range r.Steps {
		if !s.Pass {
			return fmt.Errorf("%w: position %d pcc %.5f", ErrBelowThreshold, s.Position, s.PCC)
		}
	}
	return nil
}

// Options configure Run.
type Options struct {
	Steps  int
	MinPCC float64
	Logger logger.Logger
}

// Run feeds the same tokens to the session and the reference for opts.Steps
// positions, starting with first. After each step both models receive the
// reference's greedy token, so a divergence at one position does not
// compound into the next.
func Run(ctx context.Context, s *decode.Session, ref *reference.Model, first []int, opts Options) (*Report, error) {
	if opts.Steps <= 0 {
		return nil, fmt.Errorf("validate: steps must be positive, got %d", opts.Steps)
	}
	if opts.MinPCC == 0 {
		opts.MinPCC = DefaultMinPCC
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	rep := &Report{Pass: true}
	tokens := slices.Clone(first)
	for i := 0; i < opts.Steps; i++ {
		want, err := ref.Forward(tokens)
		if err != nil {
			return nil, fmt.Errorf("validate: reference step %d: %w", i, err)
		}
		res, err := s.Next(ctx, nil, tokens)
		if err != nil {
			return nil, fmt.Errorf("validate: decode step %d: %w", i, err)
		}
		got := res.Logits

		labels := logits.Argmax(want)
		top1, err := TopKAccuracy(labels, got, 1)
		if err != nil {
			return nil, err
		}
		top5, err := TopKAccuracy(labels, got, min(5, got.Cols()))
		if err != nil {
			return nil, err
		}
		maxDiff, _ := AllClose(want.Data, got.Data, 0, 0)
		sr := StepReport{
			Position:   res.Position,
			PCC:        PCC(want.Data, got.Data),
			MaxAbsDiff: maxDiff,
			Top1:       top1,
			Top5:       top5,
		}
		sr.Pass = sr.PCC >= opts.MinPCC
		if !sr.Pass {
			rep.Pass = false
			log.Warn("pcc below threshold", "position", sr.Position, "pcc", sr.PCC, "min", opts.MinPCC)
		}
		log.Debug("validated step", "position", sr.Position, "pcc", sr.PCC, "max_abs_diff", maxDiff, "top1", top1, "top5", top5)
		rep.Steps = append(rep.Steps, sr)
		rep.MeanPCC += sr.PCC
		rep.MeanTop1 += top1
		rep.MeanTop5 += top5

		tokens = labels
	}
	n := float64(len(rep.Steps))
	rep.MeanPCC /= n
	rep.MeanTop1 /= n
	rep.MeanTop5 /= n
	log.Info("validation finished", "steps", len(rep.Steps), "mean_pcc", rep.MeanPCC, "top1", rep.MeanTop1, "top5", rep.MeanTop5, "pass", rep.Pass)
	return rep, nil
}
