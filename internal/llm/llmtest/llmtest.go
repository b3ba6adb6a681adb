// Package llmtest provides a scripted language model for tests.
package llmtest

import (
	"context"
	"sync"

	"agentdash/internal/llm"
)

// Scripted answers each request with Reply (plain calls) or JSON (JSON calls) and records every request.
type Scripted struct {
	mu    sync.Mutex
	calls []llm.Request

	Reply func(req llm.Request) (string, error)
	JSON  func(req llm.Request) (string, error)
}

func (s *Scripted) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if req.JSON {
		if s.JSON == nil {
			return `{"tasks":[]}`, nil
		}
		return s.JSON(req)
	}
	if s.Reply == nil {
		return "ok", nil
	}
	return s.Reply(req)
}

// Calls returns a copy of the recorded requests.
func (s *Scripted) Calls() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.calls...)
}

// JSONCalls counts recorded JSON requests.
func (s *Scripted) JSONCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.JSON {
			n++
		}
	}
	return n
}

// Static returns a reply function that always answers text.
func Static(text string) func(llm.Request) (string, error) {
	return func(llm.Request) (string, error) { return text, nil }
}
