// Package decode advances a sharded mixture-of-experts model one token at a
// time across a device mesh.
//
// A Session owns its KV cache and position cursor. The program cache it is
// given is shared: several sessions over the same mesh reuse each other's
// compiled programs.
package decode

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/device"
	"github.com/samcharles93/meshdecode/internal/kvcache"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/logits"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/moe"
	"github.com/samcharles93/meshdecode/internal/ops"
	"github.com/samcharles93/meshdecode/internal/profiler"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/rope"
	"github.com/samcharles93/meshdecode/internal/tensor"
	"github.com/samcharles93/meshdecode/internal/weights"
)

var (
	// ErrNonSequentialStep is returned when a step position is not exactly
	// one past the last completed position.
	ErrNonSequentialStep = errors.New("non-sequential step")
	// ErrSessionFailed is returned by every call after a fatal step error.
	ErrSessionFailed = errors.New("session failed")
	// ErrSessionClosed is returned by calls on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidTokens is returned for a token batch of the wrong size or
	// with ids outside the vocabulary.
	ErrInvalidTokens = errors.New("invalid tokens")
	// ErrNoLogits is returned by Next before the first step.
	ErrNoLogits = errors.New("no logits to sample from")
)

// StepResult is the outcome of one decode step.
type StepResult struct {
	Position int            `json:"position"`
	Tokens   []int          `json:"tokens"`
	Logits   *tensor.Tensor `json:"-"`
	State    State          `json:"state"`

	Duration    time.Duration `json:"duration"`
	CompileTime time.Duration `json:"compile_time"`
	Compiles    int           `json:"compiles"`
	Hits        int           `json:"hits"`
	Misses      int           `json:"misses"`

	// Experts holds the routing spread of each layer, in layer order.
	Experts []moe.Stats `json:"experts"`
}

// Compiled reports whether the step had to compile any program.
func (r *StepResult) Compiled() bool { return r.Compiles > 0 }

// Stats accumulates over the life of a session.
type Stats struct {
	Steps       int           `json:"steps"`
	Compiles    int           `json:"compiles"`
	CompileTime time.Duration `json:"compile_time"`
	StepTime    time.Duration `json:"step_time"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithProfiler records every step under "decode_step_<position>".
func WithProfiler(p *profiler.Profiler) Option {
	return func(s *Session) { s.prof = p }
}

// WithCloseHook registers fn to run once when the session closes, after its
// buffers are released.
func WithCloseHook(fn func(*Session)) Option {
	return func(s *Session) { s.onClose = fn }
}

// Session is one decode stream over a mesh. Its methods serialise on an
// internal mutex.
type Session struct {
	mu sync.Mutex

	cfg      config.Config
	mesh     *mesh.Mesh
	weights  *weights.Set
	rot      *rope.Replicated
	kv       *kvcache.Cache
	programs *program.Cache
	exec     *executor
	router   moe.Router
	act      ops.Op
	actDType tensor.DType

	log     logger.Logger
	prof    *profiler.Profiler
	onClose func(*Session)

	state    State
	position int
	last     *tensor.Tensor
	failure  error
	stats    Stats
}

// Open prepares a session: it checks that the weights, rotation cache and
// configuration agree and allocates a fresh KV cache on the mesh.
func Open(ctx context.Context, m *mesh.Mesh, w *weights.Set, rot *rope.Replicated, programs *program.Cache, cfg config.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if m.Size() != cfg.MeshSize {
		return nil, fmt.Errorf("%w: mesh has %d devices, config wants %d", mesh.ErrUnsupportedTopology, m.Size(), cfg.MeshSize)
	}
	if rot.Set().HeadDim() != w.HeadDim() {
		return nil, fmt.Errorf("decode: rotary head dim %d, weights head dim %d", rot.Set().HeadDim(), w.HeadDim())
	}
	if w.Dim() != cfg.Dim || w.Vocab() != cfg.Vocab {
		return nil, fmt.Errorf("decode: weights are dim %d vocab %d, config wants %d and %d", w.Dim(), w.Vocab(), cfg.Dim, cfg.Vocab)
	}
	if len(w.Layers()) == 0 {
		return nil, fmt.Errorf("%w: no layers loaded", weights.ErrMissingWeight)
	}
	act, err := cfg.ActivationOp()
	if err != nil {
		return nil, err
	}
	placement, err := cfg.PlacementValue()
	if err != nil {
		return nil, err
	}

	_, kvHeads := w.HeadsPerDevice()
	kv, err := kvcache.New(ctx, m, w.Layers(), kvcache.Shape{
		Capacity: cfg.SlidingWindow,
		Batch:    cfg.Batch,
		KVHeads:  kvHeads,
		HeadDim:  w.HeadDim(),
	}, cfg.DType(config.RoleAttention))
	if err != nil {
		return nil, fmt.Errorf("decode: allocate kv cache: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		mesh:     m,
		weights:  w,
		rot:      rot,
		kv:       kv,
		programs: programs,
		exec:     newExecutor(m, programs, placement),
		act:      act,
		actDType: cfg.DType(config.RoleActivation),
		log:      logger.Discard(),
		position: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log.Debug("session opened", "devices", m.Size(), "layers", len(w.Layers()), "window", cfg.SlidingWindow, "batch", cfg.Batch)
	return s, nil
}

// State returns the lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position returns the last completed position, -1 before the first step.
func (s *Session) Position() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// Stats returns the accumulated step counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// WindowView returns the cached positions of (layer, dev), oldest first.
func (s *Session) WindowView(layer, dev int) ([]kvcache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return nil, ErrSessionClosed
	}
	return s.kv.WindowView(layer, dev)
}

// LastLogits returns a copy of the logits of the last completed step.
func (s *Session) LastLogits() *tensor.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	return s.last.Clone()
}

// Step runs the model over tokens, one per batch row, at position.
func (s *Session) Step(ctx context.Context, position int, tokens []int) (*StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step(ctx, position, tokens)
}

// Next samples the next tokens from the last logits and steps at the
// following position. A non-nil override is fed instead of the sampled
// tokens; it exists for teacher-forced validation.
func (s *Session) Next(ctx context.Context, sampler *logits.Sampler, override []int) (*StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usable(); err != nil {
		return nil, err
	}
	tokens := override
	if tokens == nil {
		if s.last == nil {
			return nil, ErrNoLogits
		}
		var err error
		if tokens, err = sampler.SampleRows(s.last); err != nil {
			return nil, err
		}
	}
	return s.step(ctx, s.position+1, tokens)
}

// Close releases the KV cache. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Terminated {
		s.mu.Unlock()
		return nil
	}
	s.kv.Release()
	s.last = nil
	s.state = Terminated
	s.log.Debug("session closed", "position", s.position, "steps", s.stats.Steps)
	hook := s.onClose
	s.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

func (s *Session) usable() error {
	switch s.state {
	case Terminated:
		return ErrSessionClosed
	case Failed:
		return fmt.Errorf("%w: %w", ErrSessionFailed, s.failure)
	}
	return nil
}

// fatal reports whether err leaves the session unusable.
func fatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, moe.ErrRoutingDegenerate) ||
		errors.Is(err, program.ErrCompileFailure) ||
		errors.Is(err, device.ErrDeviceUnavailable)
}

func (s *Session) step(ctx context.Context, position int, tokens []int) (*StepResult, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if position != s.position+1 {
		return nil, fmt.Errorf("%w: position %d after %d", ErrNonSequentialStep, position, s.position)
	}
	if position >= s.rot.Set().MaxPositions() {
		return nil, fmt.Errorf("%w: position %d, rotary cache covers %d", rope.ErrPositionOutOfRange, position, s.rot.Set().MaxPositions())
	}
	if len(tokens) != s.cfg.Batch {
		return nil, fmt.Errorf("%w: %d tokens for batch %d", ErrInvalidTokens, len(tokens), s.cfg.Batch)
	}
	for b, tok := range tokens {
		if tok < 0 || tok >= s.weights.Vocab() {
			return nil, fmt.Errorf("%w: token %d of row %d outside vocab %d", ErrInvalidTokens, tok, b, s.weights.Vocab())
		}
	}
	prev := s.state
	if s.state == Uninitialized {
		s.state = WarmCompiling
		s.log.Debug("session warming", "position", position)
	}

	timer := "decode_step_" + strconv.Itoa(position)
	s.prof.Start(timer)
	start := time.Now()
	s.exec.begin()
	var undo kvcache.UndoLog
	out, experts, err := s.forward(ctx, position, tokens, &undo)
	c := s.exec.end()
	elapsed := time.Since(start)
	s.prof.End(timer)

	if err != nil {
		undo.Rollback()
		if fatal(err) {
			s.state = Failed
			s.failure = err
			s.log.Error("session failed", "position", position, "error", err)
		} else {
			s.state = prev
		}
		return nil, fmt.Errorf("decode step %d: %w", position, err)
	}

	s.position = position
	s.last = out
	if c.misses == 0 && s.state == WarmCompiling {
		s.state = SteadyState
		s.log.Debug("session steady", "position", position)
	}
	s.stats.Steps++
	s.stats.Compiles += c.compiles
	s.stats.CompileTime += c.compileTime
	s.stats.StepTime += elapsed

	return &StepResult{
		Position:    position,
		Tokens:      slices.Clone(tokens),
		Logits:      out.Clone(),
		State:       s.state,
		Duration:    elapsed,
		CompileTime: c.compileTime,
		Compiles:    c.compiles,
		Hits:        c.hits,
		Misses:      c.misses,
		Experts:     experts,
	}, nil
}
