package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/logits"
)

func (s *Server) handleCreateSession(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "engine not configured", "", "")
	}
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	cfg := s.defaults
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}
	if req.Temperature != nil {
		if *req.Temperature < 0 {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", "temperature must not be negative", "temperature", "")
		}
		cfg.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		if *req.TopP <= 0 || *req.TopP > 1 {
			return writeError(c, http.StatusBadRequest, "invalid_request_error", "top_p must be in (0, 1]", "top_p", "")
		}
		cfg.TopP = *req.TopP
	}

	sess, err := s.engine.Open(c.Request().Context())
	if err != nil {
		return writeDecodeError(c, err)
	}
	rec := s.store.Add(sess, logits.NewSampler(cfg), s.clock())
	s.log.Info("session created", "id", rec.ID, "temperature", cfg.Temperature, "top_p", cfg.TopP)
	return writeJSON(c, http.StatusCreated, rec.response())
}

func (s *Server) handleGetSession(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	return writeJSON(c, http.StatusOK, rec.response())
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	ok, err := s.store.Delete(id)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	if err != nil {
		return writeDecodeError(c, err)
	}
	s.log.Info("session deleted", "id", id)
	return writeJSON(c, http.StatusOK, DeleteSessionResponse{
		ID:      id,
		Object:  "session",
		Deleted: true,
	})
}

func (s *Server) handleStep(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[StepRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	var res *decode.StepResult
	switch {
	case req.Position != nil && len(req.Tokens) == 0:
		return writeError(c, http.StatusBadRequest, "invalid_request_error", "position requires tokens", "position", "")
	case req.Position != nil:
		res, err = rec.Session.Step(ctx, *req.Position, req.Tokens)
	default:
		// nil tokens make the session sample
		res, err = rec.Session.Next(ctx, rec.Sampler, req.Tokens)
	}
	if err != nil {
		s.log.Warn("step failed", "id", rec.ID, "error", err)
		return writeDecodeError(c, err)
	}
	return writeJSON(c, http.StatusOK, stepResponse(rec.ID, res, req.IncludeLogits))
}

func (s *Server) handleGenerate(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Steps <= 0 || req.Steps > MaxGenerateSteps {
		return writeError(c, http.StatusBadRequest, "invalid_request_error",
			fmt.Sprintf("steps must be in [1, %d]", MaxGenerateSteps), "steps", "")
	}

	ctx := c.Request().Context()
	next := func(i int) (*decode.StepResult, error) {
		var override []int
		if i == 0 && len(req.Tokens) > 0 {
			override = req.Tokens
		}
		return rec.Session.Next(ctx, rec.Sampler, override)
	}

	if req.Stream || streamParam(c) {
		sse, err := NewSSEStreamWriter(c)
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
		}
		c.Response().WriteHeader(http.StatusOK)
		for i := 0; i < req.Steps; i++ {
			res, err := next(i)
			if err != nil {
				s.log.Warn("generate failed", "id", rec.ID, "step", i, "error", err)
				return sse.Failed(rec.response(), err)
			}
			if err := sse.Step(stepResponse(rec.ID, res, req.IncludeLogits)); err != nil {
				return err
			}
		}
		return sse.Completed(rec.response())
	}

	out := GenerateResponse{Object: "session.generation"}
	for i := 0; i < req.Steps; i++ {
		res, err := next(i)
		if err != nil {
			s.log.Warn("generate failed", "id", rec.ID, "step", i, "error", err)
			return writeDecodeError(c, err)
		}
		out.Steps = append(out.Steps, stepResponse(rec.ID, res, req.IncludeLogits))
	}
	out.Session = rec.response()
	return writeJSON(c, http.StatusOK, out)
}
