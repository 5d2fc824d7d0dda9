package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned when a scripted client runs out of
// canned responses.
var ErrScriptExhausted = errors.New("llm: scripted responses exhausted")

// ScriptedResponse is one canned reply. When Err is non-nil it is
// returned instead of Text.
type ScriptedResponse struct {
	Text string
	Err  error
}

// Scripted is a Client that replays canned responses in order. Used by
// tests and by dry-run mode.
type Scripted struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	prompts   []string
}

// NewScripted creates a client that returns the given responses in order.
func NewScripted(responses ...ScriptedResponse) *Scripted {
	return &Scripted{responses: responses}
}

// Query pops the next canned response and records the prompt.
func (s *Scripted) Query(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if len(s.responses) == 0 {
		return "", ErrScriptExhausted
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	if r.Err != nil {
		return "", r.Err
	}
	return r.Text, nil
}

// Prompts returns the prompts seen so far, in order.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}
