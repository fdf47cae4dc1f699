// Package auth validates bearer credentials for every inbound plane.
// Two token kinds are accepted behind one interface: entries from a
// static token table, and stateless HMAC-bounded tokens minted against
// the master secret.
package auth

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/coordcore/coordinator/internal/clock"
)

// Scope is what a principal is allowed to touch.
type Scope string

const (
	ScopeClient Scope = "client" // dispatch and query planes
	ScopeMCP    Scope = "mcp"    // heartbeat and event planes, bound to one MCP
	ScopeAdmin  Scope = "admin"  // control plane
)

// ParseScope validates a scope string from the token table.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeClient, ScopeMCP, ScopeAdmin:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// Principal is the authenticated identity attached to a request.
type Principal struct {
	ID    string
	Scope Scope
	MCPID string // set for mcp-scoped principals only
}

// Validation failures. The API layer maps these onto the error envelope;
// the distinction between unknown and expired is deliberate and tested.
var (
	ErrMalformedToken = errors.New("malformed token")
	ErrUnknownToken   = errors.New("unknown token")
	ErrExpiredToken   = errors.New("expired token")
	ErrDisabledToken  = errors.New("disabled token")
	ErrRateLimited    = errors.New("too many failed authentications")
)

// Fail limiter defaults: per-source token bucket.
const (
	failRatePerSec = 10
	failBurst      = 50

	// Positive cache entries never outlive this, so revocation elsewhere
	// (the static table reload path) converges within the window.
	maxCacheTTL = 5 * time.Minute
)

// Cache is the positive-result cache in front of validation. The baseline
// is in-process; internal/infra provides a Redis-backed one.
type Cache interface {
	Get(token string) (*Principal, bool)
	Set(token string, p *Principal, ttl time.Duration)
	Delete(token string)
}

// staticEntry is one row of the static token table.
type staticEntry struct {
	Token     string `yaml:"token"`
	Principal string `yaml:"principal"`
	Scope     string `yaml:"scope"`
	MCPID     string `yaml:"mcp_id,omitempty"`
	Disabled  bool   `yaml:"disabled,omitempty"`
}

type tokenTable struct {
	Tokens []staticEntry `yaml:"tokens"`
}

// Validator resolves bearer tokens to principals.
type Validator struct {
	secret string
	clock  clock.Clock
	cache  Cache
	logger *log.Logger

	mu       sync.RWMutex
	static   map[string]*Principal
	disabled map[string]bool
	revoked  map[string]bool

	bucketMu sync.Mutex
	buckets  map[string]*failBucket
}

type failBucket struct {
	tokens float64
	last   time.Time
}

// NewValidator builds a validator over the master secret. cache may be
// nil to disable caching.
func NewValidator(secret string, clk clock.Clock, cache Cache) *Validator {
	return &Validator{
		secret:   secret,
		clock:    clk,
		cache:    cache,
		logger:   log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		static:   make(map[string]*Principal),
		disabled: make(map[string]bool),
		revoked:  make(map[string]bool),
		buckets:  make(map[string]*failBucket),
	}
}

// LoadStaticTokens reads the yaml token table, replacing any previous
// table. Tokens present before but absent now are treated as revoked.
func (v *Validator) LoadStaticTokens(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read token table: %w", err)
	}
	var table tokenTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return fmt.Errorf("parse token table: %w", err)
	}

	next := make(map[string]*Principal, len(table.Tokens))
	nextDisabled := make(map[string]bool)
	for i, e := range table.Tokens {
		if e.Token == "" || e.Principal == "" {
			return fmt.Errorf("token table entry %d: token and principal are required", i)
		}
		scope, err := ParseScope(e.Scope)
		if err != nil {
			return fmt.Errorf("token table entry %d: %w", i, err)
		}
		if scope == ScopeMCP && e.MCPID == "" {
			return fmt.Errorf("token table entry %d: mcp scope requires mcp_id", i)
		}
		if e.Disabled {
			// Kept so the token resolves to a disabled error rather than
			// being indistinguishable from an unknown one.
			nextDisabled[e.Token] = true
			continue
		}
		next[e.Token] = &Principal{ID: e.Principal, Scope: scope, MCPID: e.MCPID}
	}

	v.mu.Lock()
	for tok := range v.static {
		if _, still := next[tok]; !still {
			if v.cache != nil {
				v.cache.Delete(tok)
			}
		}
	}
	v.static = next
	v.disabled = nextDisabled
	v.mu.Unlock()

	v.logger.Printf("Loaded %d static tokens (%d disabled)", len(next), len(nextDisabled))
	return nil
}

// Revoke invalidates a token immediately. Takes effect before Revoke
// returns, including for cached positives.
func (v *Validator) Revoke(token string) {
	v.mu.Lock()
	v.revoked[token] = true
	delete(v.static, token)
	v.mu.Unlock()
	if v.cache != nil {
		v.cache.Delete(token)
	}
	v.logger.Printf("Revoked token %s", redact(token))
}

// Validate resolves a token from source (a client address, used only for
// fail limiting) to its principal.
func (v *Validator) Validate(token, source string) (*Principal, error) {
	now := v.clock.Now()

	if token == "" || !strings.HasPrefix(token, "sk-") {
		return nil, v.fail(source, now, ErrMalformedToken)
	}
	v.mu.RLock()
	isRevoked := v.revoked[token]
	isDisabled := v.disabled[token]
	p := v.static[token]
	v.mu.RUnlock()
	if isRevoked || isDisabled {
		return nil, v.fail(source, now, ErrDisabledToken)
	}

	if v.cache != nil {
		if cached, ok := v.cache.Get(token); ok {
			return cached, nil
		}
	}

	if p != nil {
		if v.cache != nil {
			v.cache.Set(token, p, maxCacheTTL)
		}
		return p, nil
	}

	ok, expiresAt := clock.VerifyToken(token, v.secret, now)
	if ok {
		// Stateless HMAC tokens carry no table row; they act as client
		// principals keyed by their own fingerprint.
		hp := &Principal{ID: "hmac:" + clock.Fingerprint([]byte(token))[:12], Scope: ScopeClient}
		if v.cache != nil {
			ttl := expiresAt.Sub(now)
			if ttl > maxCacheTTL {
				ttl = maxCacheTTL
			}
			v.cache.Set(token, hp, ttl)
		}
		return hp, nil
	}
	if !expiresAt.IsZero() {
		// Signature verified but the expiry has passed.
		return nil, v.fail(source, now, ErrExpiredToken)
	}
	return nil, v.fail(source, now, ErrUnknownToken)
}

// Mint issues a stateless HMAC token valid for ttl.
func (v *Validator) Mint(ttl time.Duration) string {
	return clock.HMACToken(v.secret, ttl, v.clock.Now())
}

// fail records a validation failure against the source bucket. Once the
// bucket is exhausted the returned error becomes ErrRateLimited so the
// API can answer 429 instead of 401.
func (v *Validator) fail(source string, now time.Time, cause error) error {
	if source == "" {
		return cause
	}
	v.bucketMu.Lock()
	defer v.bucketMu.Unlock()
	b, ok := v.buckets[source]
	if !ok {
		b = &failBucket{tokens: failBurst, last: now}
		v.buckets[source] = b
	}
	b.tokens += now.Sub(b.last).Seconds() * failRatePerSec
	if b.tokens > failBurst {
		b.tokens = failBurst
	}
	b.last = now
	if b.tokens < 1 {
		return fmt.Errorf("%w: %v", ErrRateLimited, cause)
	}
	b.tokens--
	return cause
}

func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:8] + "****"
}
