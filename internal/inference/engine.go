package inference

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/samcharles93/meshdecode/internal/config"
	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/mesh"
	"github.com/samcharles93/meshdecode/internal/program"
	"github.com/samcharles93/meshdecode/internal/reference"
	"github.com/samcharles93/meshdecode/internal/rope"
	"github.com/samcharles93/meshdecode/internal/weights"
)

// ErrEngineClosed is returned by Open after Close.
var ErrEngineClosed = errors.New("engine closed")

// Engine owns the model state that sessions share.
type Engine struct {
	cfg      config.Config
	log      logger.Logger
	sd       weights.StateDict
	mesh     *mesh.Mesh
	weights  *weights.Set
	rot      *rope.Replicated
	programs *program.Cache

	mu       sync.Mutex
	sessions map[*decode.Session]struct{}
	closed   bool
}

func (e *Engine) Config() config.Config { return e.cfg }

func (e *Engine) Mesh() *mesh.Mesh { return e.mesh }

func (e *Engine) Programs() *program.Cache { return e.programs }

// Open starts a session on the engine. The engine logger is applied before
// opts, so a caller may replace it.
func (e *Engine) Open(ctx context.Context, opts ...decode.Option) (*decode.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	opts = append([]decode.Option{decode.WithLogger(e.log.WithGroup("session"))}, opts...)
	opts = append(opts, decode.WithCloseHook(e.forget))
	s, err := decode.Open(ctx, e.mesh, e.weights, e.rot, e.programs, e.cfg, opts...)
	if err != nil {
		return nil, err
	}
	if e.sessions == nil {
		e.sessions = make(map[*decode.Session]struct{})
	}
	e.sessions[s] = struct{}{}
	return s, nil
}

// Sessions returns the number of open sessions.
func (e *Engine) Sessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) forget(s *decode.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, s)
}

// Reference builds the dense reference model from the engine's checkpoint.
func (e *Engine) Reference() (*reference.Model, error) {
	return reference.New(e.cfg, e.sd)
}

// Close closes every session opened on the engine, then releases the
// weights and the devices.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sessions := slices.Collect(maps.Keys(e.sessions))
	e.sessions = nil
	e.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, s.Close())
	}
	e.weights.Release()
	e.rot.Release()
	errs = append(errs, e.mesh.Close())
	e.log.Debug("engine closed", "sessions", len(sessions))
	return errors.Join(errs...)
}
