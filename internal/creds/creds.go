// Package creds is the minimal per-session credential store backing the
// account-gated facade surface. Configuration is synchronous and purely
// format-checked; reachability of the upstream never blocks it. Key
// material is held in memory only and never serialized, logged, or echoed
// back.
package creds

import (
	"regexp"
	"sync"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
)

// Environment tags a credential set.
type Environment string

const (
	EnvMainnet Environment = "mainnet"
	EnvTestnet Environment = "testnet"
)

// API keys and secrets are 64-char alphanumeric strings.
var keyRe = regexp.MustCompile(`^[A-Za-z0-9]{64}$`)

// Credentials is an opaque handle; the fields are unexported so the
// material cannot leak through encoding or reflection-based loggers.
type Credentials struct {
	apiKey    string
	secretKey string
	env       Environment
}

// Env returns the environment tag.
func (c Credentials) Env() Environment { return c.env }

// keys is the placeholder seam for the signed HTTP client collaborator; it
// exposes the key material only inside this package.
func (c Credentials) keys() (string, string) { return c.apiKey, c.secretKey }

// Store holds credentials per client session, isolated by session ID.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Credentials
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]Credentials)}
}

// Configure validates the key formats and installs the credentials for the
// session. Synchronous; no network involved.
func (s *Store) Configure(sessionID, apiKey, secretKey string, env Environment) error {
	if !keyRe.MatchString(apiKey) {
		return errs.Validation("api key has invalid format")
	}
	if !keyRe.MatchString(secretKey) {
		return errs.Validation("secret key has invalid format")
	}
	if env != EnvMainnet && env != EnvTestnet {
		return errs.Validation("environment must be mainnet or testnet")
	}
	s.mu.Lock()
	s.sessions[sessionID] = Credentials{apiKey: apiKey, secretKey: secretKey, env: env}
	s.mu.Unlock()
	return nil
}

// Get returns the session's credentials, failing fast when none are
// configured.
func (s *Store) Get(sessionID string) (Credentials, error) {
	s.mu.RLock()
	c, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return Credentials{}, errs.CredentialsMissing()
	}
	return c, nil
}

// Revoke removes the session's credentials. Idempotent.
func (s *Store) Revoke(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Configured reports whether the session has credentials.
func (s *Store) Configured(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[sessionID]
	return ok
}
