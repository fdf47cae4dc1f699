package registry

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/coordcore/coordinator/internal/breaker"
	"github.com/coordcore/coordinator/internal/clock"
)

// ErrNotFound is returned when an mcp_id is unknown to the registry.
var ErrNotFound = errors.New("mcp not found")

// entry pairs a descriptor with its per-entry lock. Mutations on a single
// MCP are serialized through this lock; readers receive clones and never
// hold it across calls.
type entry struct {
	mu sync.Mutex
	d  *Descriptor
}

// Store is the authoritative registry. One RWMutex guards the maps for
// insert/remove; each entry carries its own lock for field mutation, which
// keeps the heartbeat path lock-light.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	byEndpoint map[string]string // endpoint+"\x00"+kind -> id

	clock  clock.Clock
	logger *log.Logger
}

// NewStore creates an empty registry.
func NewStore(clk clock.Clock) *Store {
	return &Store{
		entries:    make(map[string]*entry),
		byEndpoint: make(map[string]string),
		clock:      clk,
		logger:     log.New(log.Writer(), "[REGISTRY] ", log.LstdFlags),
	}
}

func endpointKey(endpoint string, kind Kind) string {
	return endpoint + "\x00" + string(kind)
}

// Register admits an MCP and returns its assigned id. Re-registration by
// the same stable endpoint+kind while the prior entry is still present is
// idempotent: the existing id is kept, the declared version updated, and
// the breaker and perf counters reset.
func (s *Store) Register(req *RegistrationRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	kind, _ := ParseKind(req.Kind)
	tier := TierMedium
	if req.Tier != "" {
		tier, _ = ParseTier(req.Tier)
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byEndpoint[endpointKey(req.Endpoint, kind)]; ok {
		e := s.entries[id]
		e.mu.Lock()
		e.d.Version = req.Version
		e.d.Capabilities = append([]string(nil), req.Capabilities...)
		e.d.Workflows = append([]string(nil), req.Workflows...)
		e.d.Tier = tier
		e.d.Status = StatusActive
		e.d.LastHeartbeat = now
		e.d.Breaker = breaker.New()
		e.d.Perf = PerfWindow{}
		e.mu.Unlock()
		s.logger.Printf("Re-registered %s (%s %s), version=%s", id, kind, req.Endpoint, req.Version)
		return id, nil
	}

	id := clock.NewID("mcp", now)
	maxConc := req.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 10
	}
	d := &Descriptor{
		ID:            id,
		Kind:          kind,
		Endpoint:      req.Endpoint,
		Capabilities:  append([]string(nil), req.Capabilities...),
		Workflows:     append([]string(nil), req.Workflows...),
		Tier:          tier,
		Version:       req.Version,
		MaxConcurrent: maxConc,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        StatusActive,
		Breaker:       breaker.New(),
		Metadata:      req.Metadata,
	}
	s.entries[id] = &entry{d: d}
	s.byEndpoint[endpointKey(req.Endpoint, kind)] = id
	s.logger.Printf("Registered %s (%s %s) tier=%s caps=%v", id, kind, req.Endpoint, tier, req.Capabilities)
	return id, nil
}

// Deregister removes the MCP. In-flight dispatches against it complete;
// it is simply no longer selectable.
func (s *Store) Deregister(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	delete(s.byEndpoint, endpointKey(e.d.Endpoint, e.d.Kind))
	s.logger.Printf("Deregistered %s", id)
	return nil
}

// Get returns a snapshot copy of one descriptor.
func (s *Store) Get(id string) (Descriptor, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Descriptor{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.d.Clone(), true
}

// List returns snapshot copies of all descriptors matching the filter,
// ordered by registration time then id for deterministic iteration.
func (s *Store) List(f Filter) []Descriptor {
	s.mu.RLock()
	es := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		es = append(es, e)
	}
	s.mu.RUnlock()

	out := make([]Descriptor, 0, len(es))
	for _, e := range es {
		e.mu.Lock()
		if f.Matches(e.d) {
			out = append(out, e.d.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Mutate applies fn to the descriptor under its per-entry lock. Returns
// false when the id is unknown.
func (s *Store) Mutate(id string, fn func(*Descriptor)) bool {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	fn(e.d)
	// status=dead implies breaker open.
	if e.d.Status == StatusDead && e.d.Breaker.State != breaker.StateOpen {
		e.d.Breaker.ForceOpen(s.clock.Now())
	}
	e.mu.Unlock()
	return true
}

// RecordOutcome folds one dispatch or terminal-event outcome into the
// MCP's perf window and breaker.
func (s *Store) RecordOutcome(id string, success bool, latencyMs float64) {
	now := s.clock.Now()
	s.Mutate(id, func(d *Descriptor) {
		d.Perf.RecordOutcome(success, latencyMs)
		if success {
			d.Breaker.RecordSuccess(now)
		} else {
			d.Breaker.RecordFailure(now)
		}
	})
}

// Count returns the number of registered MCPs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// restore installs a descriptor loaded from a snapshot, marking it suspect
// until its first heartbeat arrives.
func (s *Store) restore(d Descriptor) {
	d.Status = StatusSuspect
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := d.Clone()
	s.entries[d.ID] = &entry{d: &cp}
	s.byEndpoint[endpointKey(d.Endpoint, d.Kind)] = d.ID
}
