// Package dispatch performs the outbound call to a chosen MCP and
// normalizes the outcome into the error-kind taxonomy. It never retries
// within a single MCP; the routing cascade is the retry mechanism.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coordcore/coordinator/internal/registry"
)

// Error kinds surfaced by the dispatcher.
const (
	KindTimeout           = "timeout"
	KindTransport         = "transport"
	KindRemoteError       = "remote_error"
	KindMalformedResponse = "malformed_response"
	KindCanceled          = "canceled"

	// SubKindOverloaded is set on transport errors when the per-MCP
	// concurrency cap could not be acquired within the slot wait.
	SubKindOverloaded = "overloaded"
)

// Defaults.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultSlotWait    = 1 * time.Second

	// Response bodies larger than this are treated as malformed.
	maxResponseBytes = 8 << 20
)

// Error is a normalized dispatch failure.
type Error struct {
	Kind    string
	SubKind string
	// Deterministic remote errors (invalid input and the like) are
	// surfaced to the caller without cascading to the next candidate.
	Deterministic bool
	Message       string
}

func (e *Error) Error() string {
	if e.SubKind != "" {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.SubKind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Request is the outbound payload sent to the MCP endpoint.
type Request struct {
	Workflow      string          `json:"workflow,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
	InteractionID string          `json:"interaction_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// mcpResponse is the envelope MCPs reply with. A bare 2xx JSON body
// without the envelope is accepted as the result itself.
type mcpResponse struct {
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Kind          string `json:"kind"`
		Message       string `json:"message"`
		Deterministic bool   `json:"deterministic"`
	} `json:"error,omitempty"`
}

// Dispatcher issues outbound HTTP calls with per-MCP concurrency caps.
type Dispatcher struct {
	client   *http.Client
	logger   *log.Logger
	slotWait time.Duration

	mu    sync.Mutex
	slots map[string]chan struct{} // mcp_id -> semaphore
}

// New creates a dispatcher. The http.Client timeout is left unset; every
// call carries its own context deadline.
func New() *Dispatcher {
	return &Dispatcher{
		client:   &http.Client{},
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		slotWait: DefaultSlotWait,
		slots:    make(map[string]chan struct{}),
	}
}

func (d *Dispatcher) semaphore(id string, capacity int) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.slots[id]
	if !ok || cap(sem) != capacity {
		sem = make(chan struct{}, capacity)
		d.slots[id] = sem
	}
	return sem
}

// Release frees any concurrency state held for a deregistered MCP.
func (d *Dispatcher) Release(id string) {
	d.mu.Lock()
	delete(d.slots, id)
	d.mu.Unlock()
}

// Dispatch calls the MCP with the per-call deadline
// min(request deadline, default 30s) and returns the normalized result.
func (d *Dispatcher) Dispatch(ctx context.Context, mcp *registry.Descriptor, req *Request, deadline time.Time) (json.RawMessage, *Error) {
	capacity := mcp.MaxConcurrent
	if capacity <= 0 {
		capacity = 10
	}
	sem := d.semaphore(mcp.ID, capacity)

	slotTimer := time.NewTimer(d.slotWait)
	defer slotTimer.Stop()
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, ctxError(ctx)
	case <-slotTimer.C:
		return nil, &Error{Kind: KindTransport, SubKind: SubKindOverloaded,
			Message: fmt.Sprintf("mcp %s at max_concurrent=%d", mcp.ID, capacity)}
	}

	effective := time.Now().Add(DefaultCallTimeout)
	if !deadline.IsZero() && deadline.Before(effective) {
		effective = deadline
	}
	callCtx, cancel := context.WithDeadline(ctx, effective)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, mcp.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxError(ctx)
		}
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("mcp %s: %v", mcp.ID, err)}
		}
		return nil, &Error{Kind: KindTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("mcp %s: read body: %v", mcp.ID, err)}
		}
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("read body: %v", err)}
	}

	return normalize(mcp.ID, resp.StatusCode, raw)
}

// normalize maps the HTTP response onto the error taxonomy. 4xx statuses
// are deterministic remote errors (the MCP rejected the input; retrying
// elsewhere won't change that), 5xx are retriable remote errors.
func normalize(mcpID string, status int, raw []byte) (json.RawMessage, *Error) {
	if status >= 200 && status < 300 {
		var env mcpResponse
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, &Error{Kind: KindMalformedResponse,
				Message: fmt.Sprintf("mcp %s: invalid JSON: %v", mcpID, err)}
		}
		if env.OK != nil && !*env.OK {
			e := &Error{Kind: KindRemoteError, Message: "mcp reported failure"}
			if env.Error != nil {
				e.Message = env.Error.Message
				e.Deterministic = env.Error.Deterministic
			}
			return nil, e
		}
		if env.Result != nil {
			return env.Result, nil
		}
		// Bare JSON body is the result.
		return json.RawMessage(raw), nil
	}

	msg := fmt.Sprintf("mcp %s returned HTTP %d", mcpID, status)
	var env mcpResponse
	if json.Unmarshal(raw, &env) == nil && env.Error != nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	return nil, &Error{
		Kind:          KindRemoteError,
		Deterministic: status >= 400 && status < 500,
		Message:       msg,
	}
}

func ctxError(ctx context.Context) *Error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "deadline exceeded"}
	}
	return &Error{Kind: KindCanceled, Message: "caller canceled"}
}
