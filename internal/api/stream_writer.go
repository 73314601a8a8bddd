package api

import (
	"fmt"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter emits one server-sent event per decode step.
type SSEStreamWriter struct {
	w             io.Writer
	flusher       func()
	startingAfter int
	seq           int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	return &SSEStreamWriter{
		w:             res,
		flusher:       flusher.Flush,
		startingAfter: parseStartingAfter(c.QueryParam("starting_after")),
		seq:           1,
	}, nil
}

func (s *SSEStreamWriter) Step(step StepResponse) error {
	return s.emit(streamEvent{Type: "session.step", Step: &step})
}

func (s *SSEStreamWriter) Completed(sess SessionResponse) error {
	if err := s.emit(streamEvent{Type: "session.completed", Session: &sess}); err != nil {
		return err
	}
	return s.done()
}

func (s *SSEStreamWriter) Failed(sess SessionResponse, err error) error {
	_, errType := classify(err)
	if err := s.emit(streamEvent{
		Type:    "session.failed",
		Session: &sess,
		Error:   &ResponseError{Message: err.Error(), Type: errType},
	}); err != nil {
		return err
	}
	return s.done()
}

func (s *SSEStreamWriter) emit(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	s.seq++
	if s.startingAfter >= ev.SequenceNumber {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEStreamWriter) done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}

func parseStartingAfter(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
