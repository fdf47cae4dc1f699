package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coordcore/coordinator/internal/clock"
)

const testSecret = "test-master-secret"

func writeTokenTable(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newValidator(t *testing.T) (*Validator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	v := NewValidator(testSecret, clk, NewMemoryCache(clk))
	require.NoError(t, v.LoadStaticTokens(writeTokenTable(t, `
tokens:
  - token: sk-client-token
    principal: client-1
    scope: client
  - token: sk-mcp-token
    principal: mcp-operator
    scope: mcp
    mcp_id: mcp-a
  - token: sk-admin-token
    principal: ops
    scope: admin
  - token: sk-disabled-token
    principal: old-client
    scope: client
    disabled: true
`)))
	return v, clk
}

func TestValidate_StaticTokens(t *testing.T) {
	v, _ := newValidator(t)

	p, err := v.Validate("sk-client-token", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "client-1", p.ID)
	assert.Equal(t, ScopeClient, p.Scope)

	p, err = v.Validate("sk-mcp-token", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, ScopeMCP, p.Scope)
	assert.Equal(t, "mcp-a", p.MCPID)

	_, err = v.Validate("sk-disabled-token", "10.0.0.1")
	assert.ErrorIs(t, err, ErrDisabledToken, "disabled entries reject with a distinct error")
}

func TestValidate_MalformedAndUnknown(t *testing.T) {
	v, _ := newValidator(t)

	_, err := v.Validate("", "10.0.0.1")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = v.Validate("bearer-nope", "10.0.0.1")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = v.Validate("sk-deadbeef-0123456789abcdef", "10.0.0.1")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestValidate_HMACTokenLifecycle(t *testing.T) {
	v, clk := newValidator(t)

	tok := v.Mint(time.Hour)
	p, err := v.Validate(tok, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, ScopeClient, p.Scope)
	assert.Contains(t, p.ID, "hmac:")

	// Same token resolves to the same principal.
	p2, err := v.Validate(tok, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, p2.ID)

	// Past expiry the failure is expired, not unknown. The positive cache
	// TTL is capped below the token lifetime, so it cannot outlive this.
	clk.Advance(2 * time.Hour)
	_, err = v.Validate(tok, "10.0.0.1")
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestValidate_HMACWrongSecret(t *testing.T) {
	v, clk := newValidator(t)
	foreign := clock.HMACToken("other-secret", time.Hour, clk.Now())
	_, err := v.Validate(foreign, "10.0.0.1")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestRevoke_TakesEffectSynchronously(t *testing.T) {
	v, _ := newValidator(t)

	// Warm the cache first.
	_, err := v.Validate("sk-client-token", "10.0.0.1")
	require.NoError(t, err)

	v.Revoke("sk-client-token")
	_, err = v.Validate("sk-client-token", "10.0.0.1")
	assert.ErrorIs(t, err, ErrDisabledToken)
}

func TestReload_DroppedTokenEvictedFromCache(t *testing.T) {
	v, _ := newValidator(t)
	_, err := v.Validate("sk-client-token", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, v.LoadStaticTokens(writeTokenTable(t, `
tokens:
  - token: sk-admin-token
    principal: ops
    scope: admin
`)))
	_, err = v.Validate("sk-client-token", "10.0.0.1")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestLoadStaticTokens_Invalid(t *testing.T) {
	v, _ := newValidator(t)

	err := v.LoadStaticTokens(writeTokenTable(t, `
tokens:
  - token: sk-x
    principal: p
    scope: superuser
`))
	assert.ErrorContains(t, err, "unknown scope")

	err = v.LoadStaticTokens(writeTokenTable(t, `
tokens:
  - token: sk-x
    principal: p
    scope: mcp
`))
	assert.ErrorContains(t, err, "mcp scope requires mcp_id")
}

func TestFailLimiter_PerSource(t *testing.T) {
	v, _ := newValidator(t)

	// Burn through the burst from one source; the clock never advances so
	// no tokens refill.
	var err error
	for i := 0; i < failBurst; i++ {
		_, err = v.Validate("sk-bogus", "10.0.0.9")
		assert.ErrorIs(t, err, ErrUnknownToken)
	}
	_, err = v.Validate("sk-bogus", "10.0.0.9")
	assert.ErrorIs(t, err, ErrRateLimited)

	// Other sources are unaffected, as are valid requests from this one.
	_, err = v.Validate("sk-bogus", "10.0.0.10")
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = v.Validate("sk-client-token", "10.0.0.9")
	assert.NoError(t, err)
}

func TestFailLimiter_Refills(t *testing.T) {
	v, clk := newValidator(t)
	for i := 0; i < failBurst; i++ {
		v.Validate("sk-bogus", "10.0.0.9")
	}
	_, err := v.Validate("sk-bogus", "10.0.0.9")
	assert.ErrorIs(t, err, ErrRateLimited)

	clk.Advance(time.Second)
	_, err = v.Validate("sk-bogus", "10.0.0.9")
	assert.ErrorIs(t, err, ErrUnknownToken, "bucket refills at the configured rate")
}

func TestMemoryCache_TTL(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewMemoryCache(clk)
	p := &Principal{ID: "client-1", Scope: ScopeClient}

	c.Set("tok", p, time.Minute)
	got, ok := c.Get("tok")
	require.True(t, ok)
	assert.Equal(t, "client-1", got.ID)

	clk.Advance(2 * time.Minute)
	_, ok = c.Get("tok")
	assert.False(t, ok)

	c.Set("tok2", p, time.Minute)
	c.Delete("tok2")
	_, ok = c.Get("tok2")
	assert.False(t, ok)
}
