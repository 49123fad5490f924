package prompt

import (
	"fmt"
	"sync"
)

// Script is a scripted SecretReader and Confirmer. Answers are consumed in
// order; running out of answers returns ErrNoInput. Prompts records every
// prompt shown, in order.
type Script struct {
	mu       sync.Mutex
	secrets  []string
	confirms []bool
	Prompts  []string
}

// NewScript creates a Script that returns secrets from ReadSecret and
// confirms from Confirm.
func NewScript(secrets []string, confirms []bool) *Script {
	return &Script{secrets: secrets, confirms: confirms}
}

// ReadSecret returns the next queued secret.
func (s *Script) ReadSecret(prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Prompts = append(s.Prompts, prompt)
	if len(s.secrets) == 0 {
		return "", fmt.Errorf("%w: unexpected prompt %q", ErrNoInput, prompt)
	}
	v := s.secrets[0]
	s.secrets = s.secrets[1:]
	return v, nil
}

// Confirm returns the next queued answer.
func (s *Script) Confirm(question string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Prompts = append(s.Prompts, question)
	if len(s.confirms) == 0 {
		return false, fmt.Errorf("%w: unexpected question %q", ErrNoInput, question)
	}
	v := s.confirms[0]
	s.confirms = s.confirms[1:]
	return v, nil
}

// Remaining reports how many secrets and confirmations are still queued.
func (s *Script) Remaining() (secrets, confirms int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.secrets), len(s.confirms)
}
