package logproc

import (
	"container/list"
	"context"
	"log"
	"time"

	"github.com/coordcore/coordinator/internal/clock"
	"github.com/coordcore/coordinator/internal/ingest"
	"github.com/coordcore/coordinator/internal/metrics"
)

// Batch and cache defaults.
const (
	DefaultBatchSize = 100
	DefaultBatchWait = 1 * time.Second
	DefaultCacheCap  = 10_000

	// How long a progress event for an unseen interaction_id is buffered
	// awaiting its start before being dropped.
	orphanTTL = 5 * time.Second

	storeRetries  = 3
	retryBackoff  = 100 * time.Millisecond
	backoffFactor = 2
)

// OutcomeFunc feeds terminal-event outcomes back into the registry's perf
// window and breaker.
type OutcomeFunc func(mcpID string, success bool, latencyMs float64)

// Processor is the single consumer of the interaction queue. All state
// transitions for a given interaction_id happen on this one goroutine,
// which is what makes them linearizable.
type Processor struct {
	queue   *ingest.Queue
	store   Store
	dead    DeadLetter
	outcome OutcomeFunc
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *log.Logger

	BatchSize int
	BatchWait time.Duration

	// Bounded in-memory cache of recent records, LRU-evicted. Evicted
	// records remain queryable via the store.
	cache    map[string]*cacheEntry
	lru      *list.List // front = most recent
	cacheCap int

	// Progress events that arrived before their start.
	orphans map[string][]orphan
}

type cacheEntry struct {
	rec *Record
	el  *list.Element
}

type orphan struct {
	ev      *ingest.Event
	expires time.Time
}

// NewProcessor wires the drain loop. outcome and m may be nil.
func NewProcessor(q *ingest.Queue, store Store, dead DeadLetter, outcome OutcomeFunc, clk clock.Clock, m *metrics.Metrics) *Processor {
	return &Processor{
		queue:     q,
		store:     store,
		dead:      dead,
		outcome:   outcome,
		clock:     clk,
		metrics:   m,
		logger:    log.New(log.Writer(), "[LOGPROC] ", log.LstdFlags),
		BatchSize: DefaultBatchSize,
		BatchWait: DefaultBatchWait,
		cache:     make(map[string]*cacheEntry),
		lru:       list.New(),
		cacheCap:  DefaultCacheCap,
	}
}

// Run drains the queue until the context is canceled, then flushes what
// is immediately pending.
func (p *Processor) Run(ctx context.Context) {
	for {
		batch := p.queue.DrainBatch(ctx, p.BatchSize, p.BatchWait)
		if len(batch) > 0 {
			p.Apply(batch)
		}
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(p.queue.Depth()))
		}
		if ctx.Err() != nil {
			if rest := p.queue.TryDrain(p.queue.Capacity()); len(rest) > 0 {
				p.Apply(rest)
			}
			return
		}
	}
}

// Apply folds one batch of events into records and writes the changed
// records through to the store. Exported so tests drive batches directly.
func (p *Processor) Apply(batch []*ingest.Event) {
	if p.metrics != nil {
		p.metrics.BatchSize.Observe(float64(len(batch)))
	}
	changed := make(map[string]*Record)
	for _, ev := range batch {
		if rec := p.applyEvent(ev); rec != nil {
			changed[rec.InteractionID] = rec
		}
	}
	p.expireOrphans()
	for _, rec := range changed {
		p.persist(rec)
	}
}

func (p *Processor) applyEvent(ev *ingest.Event) *Record {
	rec := p.lookup(ev.InteractionID)

	switch ev.Action {
	case ingest.ActionStart:
		if rec != nil {
			if rec.State.Terminal() {
				p.logger.Printf("Duplicate start for finished interaction %s, rejected", ev.InteractionID)
				return nil
			}
			// Replayed start on a live record is an idempotent no-op.
			return nil
		}
		rec = &Record{
			InteractionID: ev.InteractionID,
			MCPID:         ev.MCPID,
			ClientID:      ev.ClientID,
			Principal:     ev.Principal,
			StartTS:       ev.ReceivedAt,
			State:         StateStarted,
			RequestDigest: ev.RequestDigest,
			Progress:      []ProgressEvent{},
			Metadata:      ev.Metadata,
		}
		p.insert(rec)
		p.adoptOrphans(rec)
		return rec

	case ingest.ActionProgress:
		if rec == nil {
			// Out-of-order: hold it briefly awaiting the start.
			p.orphansInit()
			p.orphans[ev.InteractionID] = append(p.orphans[ev.InteractionID],
				orphan{ev: ev, expires: p.clock.Now().Add(orphanTTL)})
			return nil
		}
		if rec.State.Terminal() {
			p.logger.Printf("Progress after terminal state for %s, dropped", ev.InteractionID)
			return nil
		}
		rec.Progress = append(rec.Progress, ProgressEvent{TS: ev.ReceivedAt, Payload: ev.Payload})
		rec.State = StateInProgress
		return rec

	case ingest.ActionComplete, ingest.ActionError:
		if rec == nil {
			p.logger.Printf("Terminal event for unknown interaction %s, dropped", ev.InteractionID)
			return nil
		}
		if rec.State.Terminal() {
			// Earliest terminal wins; replays converge to the same state.
			p.logger.Printf("Duplicate terminal for %s ignored (already %s)", ev.InteractionID, rec.State)
			return nil
		}
		ts := ev.ReceivedAt
		rec.EndTS = &ts
		if ev.Action == ingest.ActionComplete {
			rec.State = StateCompleted
			rec.Result = ev.Payload
		} else {
			rec.State = StateFailed
			rec.ErrorPayload = ev.Payload
		}
		if p.outcome != nil && rec.MCPID != "" {
			p.outcome(rec.MCPID, rec.State == StateCompleted, rec.LatencyMs())
		}
		return rec
	}
	return nil
}

// lookup consults the cache first, then the store (a record may have been
// LRU-evicted but still be live on disk after a long-running interaction).
func (p *Processor) lookup(id string) *Record {
	if e, ok := p.cache[id]; ok {
		p.lru.MoveToFront(e.el)
		return e.rec
	}
	rec, err := p.store.Get(id)
	if err != nil {
		return nil
	}
	p.insert(rec)
	return rec
}

func (p *Processor) insert(rec *Record) {
	if e, ok := p.cache[rec.InteractionID]; ok {
		e.rec = rec
		p.lru.MoveToFront(e.el)
		return
	}
	el := p.lru.PushFront(rec.InteractionID)
	p.cache[rec.InteractionID] = &cacheEntry{rec: rec, el: el}
	for len(p.cache) > p.cacheCap {
		oldest := p.lru.Back()
		if oldest == nil {
			break
		}
		p.lru.Remove(oldest)
		delete(p.cache, oldest.Value.(string))
	}
}

func (p *Processor) orphansInit() {
	if p.orphans == nil {
		p.orphans = make(map[string][]orphan)
	}
}

func (p *Processor) adoptOrphans(rec *Record) {
	pending, ok := p.orphans[rec.InteractionID]
	if !ok {
		return
	}
	delete(p.orphans, rec.InteractionID)
	for _, o := range pending {
		rec.Progress = append(rec.Progress, ProgressEvent{TS: o.ev.ReceivedAt, Payload: o.ev.Payload})
		rec.State = StateInProgress
	}
}

func (p *Processor) expireOrphans() {
	if len(p.orphans) == 0 {
		return
	}
	now := p.clock.Now()
	for id, pending := range p.orphans {
		kept := pending[:0]
		for _, o := range pending {
			if now.Before(o.expires) {
				kept = append(kept, o)
			} else {
				p.logger.Printf("Dropping orphan progress for %s (no start within %s)", id, orphanTTL)
			}
		}
		if len(kept) == 0 {
			delete(p.orphans, id)
		} else {
			p.orphans[id] = kept
		}
	}
}

// persist write-throughs one record with bounded retries; after the last
// failure the record goes to the dead-letter file. Ingestion already
// answered accepted, so failures are never surfaced to the producer.
func (p *Processor) persist(rec *Record) {
	backoff := retryBackoff
	var lastErr error
	for attempt := 1; attempt <= storeRetries; attempt++ {
		if lastErr = p.store.Put(rec.Clone()); lastErr == nil {
			return
		}
		if p.metrics != nil {
			p.metrics.StoreWriteErrors.Inc()
		}
		if attempt < storeRetries {
			time.Sleep(backoff)
			backoff *= backoffFactor
		}
	}
	p.logger.Printf("Store write for %s failed %d times: %v; dead-lettering", rec.InteractionID, storeRetries, lastErr)
	if p.metrics != nil {
		p.metrics.DeadLettered.Inc()
	}
	if p.dead != nil {
		if err := p.dead.Append(rec, lastErr.Error()); err != nil {
			p.logger.Printf("Dead-letter append failed: %v", err)
		}
	}
}

// ============================================================================
// READ PATH
// ============================================================================

// History serves the query API from the store.
func (p *Processor) History(f Filter) ([]*Record, error) {
	return p.store.List(f)
}

// Metrics rolls up the window for one MCP (or all).
func (p *Processor) Metrics(mcpID string, window time.Duration) (Aggregate, error) {
	since := p.clock.Now().Add(-window)
	return p.store.Aggregate(mcpID, since)
}

// RetentionLoop deletes store records older than retention, hourly. The
// in-memory cache is unaffected.
func (p *Processor) RetentionLoop(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := p.clock.Now().Add(-retention)
			n, err := p.store.DeleteOlderThan(cutoff)
			if err != nil {
				p.logger.Printf("Retention sweep failed: %v", err)
			} else if n > 0 {
				p.logger.Printf("Retention sweep dropped %d records older than %s", n, cutoff.Format(time.RFC3339))
			}
		}
	}
}
