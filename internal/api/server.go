// Package api serves decode sessions over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/logger"
	"github.com/samcharles93/meshdecode/internal/logits"
	"github.com/samcharles93/meshdecode/internal/program"
)

// MaxGenerateSteps bounds a single generate request.
const MaxGenerateSteps = 4096

// Engine opens sessions that share one program cache.
type Engine interface {
	Open(ctx context.Context, opts ...decode.Option) (*decode.Session, error)
	Programs() *program.Cache
}

type Server struct {
	store    *SessionStore
	engine   Engine
	defaults logits.SamplerConfig
	log      logger.Logger
	clock    func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithSampler sets the sampler used when a create request leaves fields out.
func WithSampler(cfg logits.SamplerConfig) Option {
	return func(s *Server) { s.defaults = cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

func NewServer(store *SessionStore, engine Engine, opts ...Option) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	s := &Server{
		store:    store,
		engine:   engine,
		defaults: logits.SamplerConfig{TopP: 1},
		log:      logger.Discard(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Register(e *echo.Echo) {
	// Sessions
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/step", s.handleStep)
	e.POST("/v1/sessions/:id/generate", s.handleGenerate)

	// Program cache
	e.GET("/v1/programs", s.handleGetPrograms)
	e.DELETE("/v1/programs", s.handleClearPrograms)
}

func (s *Server) handleGetPrograms(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, s.programsResponse())
}

func (s *Server) handleClearPrograms(c *echo.Context) error {
	cache := s.engine.Programs()
	before := cache.Len()
	cache.Clear()
	s.log.Info("program cache cleared", "programs", before)
	return writeJSON(c, http.StatusOK, s.programsResponse())
}

func (s *Server) programsResponse() ProgramsResponse {
	cache := s.engine.Programs()
	return ProgramsResponse{
		Object:     "program_cache",
		Persistent: cache.Persistent(),
		Stats:      cache.Stats(),
	}
}

func streamParam(c *echo.Context) bool {
	q := c.QueryParam("stream")
	return q == "1" || strings.EqualFold(q, "true")
}
