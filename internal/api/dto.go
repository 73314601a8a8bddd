package api

import (
	"github.com/samcharles93/meshdecode/internal/decode"
	"github.com/samcharles93/meshdecode/internal/logits"
	"github.com/samcharles93/meshdecode/internal/moe"
	"github.com/samcharles93/meshdecode/internal/program"
)

// CreateSessionRequest configures the sampler of a new session. Absent
// fields take the server defaults.
type CreateSessionRequest struct {
	Seed        *int64   `json:"seed,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
}

type SessionResponse struct {
	ID        string               `json:"id"`
	Object    string               `json:"object"`
	CreatedAt int64                `json:"created_at"`
	State     decode.State         `json:"state"`
	Position  int                  `json:"position"`
	Sampler   logits.SamplerConfig `json:"sampler"`
	Stats     decode.Stats         `json:"stats"`
	Error     string               `json:"error,omitempty"`
}

// StepRequest feeds Tokens at Position, which defaults to one past the last
// position. Without tokens the session samples them from its last logits.
type StepRequest struct {
	Position      *int  `json:"position,omitempty"`
	Tokens        []int `json:"tokens,omitempty"`
	IncludeLogits bool  `json:"include_logits,omitempty"`
}

type StepResponse struct {
	Object     string       `json:"object"`
	SessionID  string       `json:"session_id"`
	Position   int          `json:"position"`
	Tokens     []int        `json:"tokens"`
	Argmax     []int        `json:"argmax"`
	State      decode.State `json:"state"`
	DurationMS float64      `json:"duration_ms"`
	CompileMS  float64      `json:"compile_ms"`
	Compiles   int          `json:"compiles"`
	Hits       int          `json:"hits"`
	Misses     int          `json:"misses"`
	Experts    []moe.Stats  `json:"experts,omitempty"`
	Logits     [][]float32  `json:"logits,omitempty"`
}

// GenerateRequest runs Steps steps. Tokens, when set, are fed to the first
// one.
type GenerateRequest struct {
	Tokens        []int `json:"tokens,omitempty"`
	Steps         int   `json:"steps"`
	Stream        bool  `json:"stream,omitempty"`
	IncludeLogits bool  `json:"include_logits,omitempty"`
}

type GenerateResponse struct {
	Object  string          `json:"object"`
	Session SessionResponse `json:"session"`
	Steps   []StepResponse  `json:"steps"`
}

type DeleteSessionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type ProgramsResponse struct {
	Object     string `json:"object"`
	Persistent bool   `json:"persistent"`
	program.Stats
}

type streamEvent struct {
	Type           string           `json:"type"`
	SequenceNumber int              `json:"sequence_number"`
	Step           *StepResponse    `json:"step,omitempty"`
	Session        *SessionResponse `json:"session,omitempty"`
	Error          *ResponseError   `json:"error,omitempty"`
}

func stepResponse(id string, res *decode.StepResult, withLogits bool) StepResponse {
	out := StepResponse{
		Object:     "session.step",
		SessionID:  id,
		Position:   res.Position,
		Tokens:     res.Tokens,
		Argmax:     logits.Argmax(res.Logits),
		State:      res.State,
		DurationMS: float64(res.Duration.Microseconds()) / 1000,
		CompileMS:  float64(res.CompileTime.Microseconds()) / 1000,
		Compiles:   res.Compiles,
		Hits:       res.Hits,
		Misses:     res.Misses,
		Experts:    res.Experts,
	}
	if withLogits {
		for r := 0; r < res.Logits.Rows(); r++ {
			out.Logits = append(out.Logits, res.Logits.Row(r))
		}
	}
	return out
}
