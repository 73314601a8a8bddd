package logits

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/samcharles93/meshdecode/internal/tensor"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed        int64   `json:"seed" yaml:"seed"`
	Temperature float32 `json:"temperature" yaml:"temperature"`
	TopP        float32 `json:"top_p" yaml:"top_p"`
}

// Sampler draws next tokens from logits rows. It is not safe for concurrent
// use; each session owns one.
type Sampler struct {
	rng   *rand.Rand
	cfg   SamplerConfig
	order []int
	prob  []float64
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Temperature < 0 {
		cfg.Temperature = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	return &Sampler{
		rng: rand.New(rand.NewSource(cfg.Seed)),
		cfg: cfg,
	}
}

// Config returns the normalised configuration.
func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample draws one index from a logits vector.
func (s *Sampler) Sample(logits []float32) int {
	if s.cfg.Temperature == 0 {
		return argmax(logits)
	}
	return s.nucleus(logits)
}

// SampleRows draws one token per row of a [B, vocab] logits tensor.
func (s *Sampler) SampleRows(logits *tensor.Tensor) ([]int, error) {
	if logits == nil || logits.Rank() != 2 {
		return nil, errors.New("sample: logits must be [batch, vocab]")
	}
	out := make([]int, logits.Rows())
	for b := range out {
		out[b] = s.Sample(logits.Row(b))
	}
	return out, nil
}

// Sample draws from logits with the given temperature and nucleus mass.
// Temperature 0 returns the argmax.
func Sample(logits []float32, temperature, topP float32, rng *rand.Rand) (int, error) {
	if len(logits) == 0 {
		return 0, errors.New("sample: empty logits")
	}
	if temperature < 0 {
		return 0, fmt.Errorf("sample: negative temperature %v", temperature)
	}
	if topP < 0 || topP > 1 {
		return 0, fmt.Errorf("sample: top-p %v outside [0, 1]", topP)
	}
	if rng == nil && temperature > 0 {
		return 0, errors.New("sample: nil random source with temperature above zero")
	}
	s := &Sampler{rng: rng, cfg: SamplerConfig{Temperature: temperature, TopP: topP}}
	return s.Sample(logits), nil
}

// nucleus samples the following way:
//
//  1. Softmax of logits / temperature.
//  2. Sort probabilities in descending order.
//  3. Zero every entry whose preceding cumulative mass already exceeds
//     TopP. The most likely token always survives, and TopP 1 keeps all.
//  4. Renormalise and draw from the survivors.
func (s *Sampler) nucleus(logits []float32) int {
	n := len(logits)
	if cap(s.order) < n {
		s.order = make([]int, n)
		s.prob = make([]float64, n)
	}
	order := s.order[:n]
	prob := s.prob[:n]

	invTemp := 1.0 / float64(s.cfg.Temperature)
	maxv := math.Inf(-1)
	for _, l := range logits {
		maxv = max(maxv, float64(l)*invTemp)
	}
	var sum float64
	for i, l := range logits {
		prob[i] = math.Exp(float64(l)*invTemp - maxv)
		sum += prob[i]
		order[i] = i
	}
	if sum == 0 || math.IsNaN(sum) {
		return argmax(logits)
	}

	// stable so equal probabilities keep index order
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case prob[a] > prob[b]:
			return -1
		case prob[a] < prob[b]:
			return 1
		default:
			return 0
		}
	})

	cut := nucleusCut(order, prob, sum, s.cfg.TopP)
	var kept float64
	for _, id := range order[:cut] {
		kept += prob[id]
	}
	r := s.rng.Float64() * kept
	var acc float64
	for _, id := range order[:cut] {
		acc += prob[id]
		if r < acc {
			return id
		}
	}
	return order[cut-1]
}

// nucleusCut returns how many entries of order, sorted by descending prob,
// survive a top-p cut.
func nucleusCut(order []int, prob []float64, sum float64, topP float32) int {
	if topP >= 1 {
		return len(order)
	}
	var c float64
	for i, id := range order {
		if c > float64(topP) {
			return i
		}
		c += prob[id] / sum
	}
	return len(order)
}

// argmax returns the index of the maximum value in the slice. If the slice is empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// Argmax returns the index of the largest logit in each row.
func Argmax(logits *tensor.Tensor) []int {
	out := make([]int, logits.Rows())
	for b := range out {
		out[b] = argmax(logits.Row(b))
	}
	return out
}
