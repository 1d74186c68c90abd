// Package llmtest provides a scripted llm.Generator for tests.
package llmtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/manual-qa/backend/internal/llm"
)

var ErrUnscripted = errors.New("llmtest: no rule matched")

// Rule answers requests for one purpose whose user prompt contains every
// string in Contains.
type Rule struct {
	Purpose  string
	Contains []string
	Reply    string
	Err      error
	// Times limits how often the rule fires. Zero means unlimited.
	Times int

	used int
}

type Scripted struct {
	mu    sync.Mutex
	rules []*Rule
	calls []llm.CompletionRequest
}

func New(rules ...Rule) *Scripted {
	s := &Scripted{}
	for _, r := range rules {
		s.On(r)
	}
	return s
}

func (s *Scripted) On(r Rule) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule := r
	s.rules = append(s.rules, &rule)
	return s
}

func (s *Scripted) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, r := range s.rules {
		if r.Purpose != "" && r.Purpose != req.Purpose {
			continue
		}
		if r.Times > 0 && r.used >= r.Times {
			continue
		}
		if !containsAll(req, r.Contains) {
			continue
		}
		r.used++
		if r.Err != nil {
			return nil, r.Err
		}
		return &llm.CompletionResponse{Content: r.Reply}, nil
	}
	return nil, fmt.Errorf("%w: purpose=%s", ErrUnscripted, req.Purpose)
}

// Calls returns the purposes of every request in order.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Purpose
	}
	return out
}

// Requests returns every recorded request.
func (s *Scripted) Requests() []llm.CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.CompletionRequest(nil), s.calls...)
}

func (s *Scripted) Count(purpose string) int {
	n := 0
	for _, p := range s.Calls() {
		if p == purpose {
			n++
		}
	}
	return n
}

func containsAll(req llm.CompletionRequest, parts []string) bool {
	haystack := req.UserPrompt
	for _, p := range parts {
		if !strings.Contains(haystack, p) {
			return false
		}
	}
	return true
}
