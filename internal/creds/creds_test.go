package creds

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgetrade/mcp-binance-go/internal/errs"
)

var (
	validKey    = strings.Repeat("A1b2", 16)
	validSecret = strings.Repeat("C3d4", 16)
)

func TestConfigureGetRevoke(t *testing.T) {
	s := NewStore()

	// Configuration is synchronous and fast regardless of upstream state.
	start := time.Now()
	require.NoError(t, s.Configure("sess-1", validKey, validSecret, EnvMainnet))
	assert.Less(t, time.Since(start), 10*time.Millisecond)

	c, err := s.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, EnvMainnet, c.Env())
	assert.True(t, s.Configured("sess-1"))

	s.Revoke("sess-1")
	start = time.Now()
	_, err = s.Get("sess-1")
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, errs.CodeCredentialsMissing, errs.CodeOf(err))

	// Reconfiguring restores access.
	require.NoError(t, s.Configure("sess-1", validKey, validSecret, EnvTestnet))
	c, err = s.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, EnvTestnet, c.Env())
}

func TestConfigureRejectsBadFormats(t *testing.T) {
	s := NewStore()

	assert.Error(t, s.Configure("s", "short", validSecret, EnvMainnet))
	assert.Error(t, s.Configure("s", validKey, "short", EnvMainnet))
	assert.Error(t, s.Configure("s", validKey+"!", validSecret, EnvMainnet))
	assert.Error(t, s.Configure("s", validKey, validSecret, Environment("prod")))
	assert.False(t, s.Configured("s"))
}

func TestSessionsAreIsolated(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Configure("a", validKey, validSecret, EnvMainnet))
	_, err := s.Get("b")
	require.Error(t, err)

	s.Revoke("b") // revoking an absent session is a no-op
	assert.True(t, s.Configured("a"))
}

func TestErrorNeverCarriesKeyMaterial(t *testing.T) {
	s := NewStore()
	err := s.Configure("s", validKey, "invalid secret!", EnvMainnet)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), validKey)
	assert.NotContains(t, err.Error(), "invalid secret!")
}
