package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// tokenSource resolves the API bearer token. The environment variable is
// checked first; when the server rejects an unauthenticated call the operator
// is prompted once on the terminal with echo disabled.
type tokenSource struct {
	envVar string

	mu       sync.Mutex
	value    string
	resolved bool
	prompted bool
}

func newTokenSource(envVar string) *tokenSource {
	return &tokenSource{envVar: strings.TrimSpace(envVar)}
}

// cached returns the token currently known without prompting. Empty means the
// first request goes out unauthenticated.
func (s *tokenSource) cached() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.resolved {
		s.resolved = true
		if s.envVar != "" {
			s.value = strings.TrimSpace(os.Getenv(s.envVar))
		}
	}
	return s.value
}

// demand prompts for a token after an unauthorized response. It reports false
// when no terminal is attached, the prompt was already shown, or the operator
// entered nothing.
func (s *tokenSource) demand() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prompted {
		return "", false
	}
	s.prompted = true
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", false
	}

	fmt.Fprint(os.Stderr, "Enter escrowd API token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", false
	}
	s.value = token
	s.resolved = true
	return token, true
}
