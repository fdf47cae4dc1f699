// Package ingest defines the interaction event actions, strict parsing of
// the four action shapes, and the bounded intake queue feeding the log
// processor.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Action is the closed set of interaction event actions. The v2 event
// plane is additive: new actions may appear in later versions, but parsing
// rejects tags this version does not know.
type Action string

const (
	ActionStart    Action = "interaction_start"
	ActionProgress Action = "interaction_progress"
	ActionComplete Action = "interaction_complete"
	ActionError    Action = "interaction_error"
)

// IsTerminal reports whether the action ends an interaction.
func (a Action) IsTerminal() bool {
	return a == ActionComplete || a == ActionError
}

// Event is one validated interaction event, stamped with the
// server-received time and the authenticated principal.
type Event struct {
	Action        Action
	InteractionID string
	MCPID         string
	ClientID      string
	RequestDigest string
	Payload       json.RawMessage // progress payload, result or error body
	Metadata      map[string]interface{}

	ReceivedAt time.Time
	Principal  string
}

// Wire shapes, one per action. Decoding is strict: unknown fields fail,
// except the metadata pass-through container on start events.

type startShape struct {
	Action        string                 `json:"action"`
	InteractionID string                 `json:"interaction_id"`
	MCPID         string                 `json:"mcp_id"`
	ClientID      string                 `json:"client_id"`
	RequestDigest string                 `json:"request_digest,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

type progressShape struct {
	Action        string          `json:"action"`
	InteractionID string          `json:"interaction_id"`
	Payload       json.RawMessage `json:"payload"`
}

type completeShape struct {
	Action        string          `json:"action"`
	InteractionID string          `json:"interaction_id"`
	Result        json.RawMessage `json:"result"`
}

type errorShape struct {
	Action        string          `json:"action"`
	InteractionID string          `json:"interaction_id"`
	Error         json.RawMessage `json:"error"`
}

// peek pulls just the action tag out before the strict per-shape decode.
type peek struct {
	Action string `json:"action"`
}

// ParseEvent decodes one event body into its tagged variant.
func ParseEvent(body []byte) (*Event, error) {
	var p peek
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}

	switch Action(p.Action) {
	case ActionStart:
		var s startShape
		if err := strictDecode(body, &s); err != nil {
			return nil, err
		}
		if s.InteractionID == "" || s.MCPID == "" {
			return nil, fmt.Errorf("interaction_start requires interaction_id and mcp_id")
		}
		return &Event{
			Action:        ActionStart,
			InteractionID: s.InteractionID,
			MCPID:         s.MCPID,
			ClientID:      s.ClientID,
			RequestDigest: s.RequestDigest,
			Metadata:      s.Metadata,
		}, nil

	case ActionProgress:
		var s progressShape
		if err := strictDecode(body, &s); err != nil {
			return nil, err
		}
		if s.InteractionID == "" {
			return nil, fmt.Errorf("interaction_progress requires interaction_id")
		}
		return &Event{Action: ActionProgress, InteractionID: s.InteractionID, Payload: s.Payload}, nil

	case ActionComplete:
		var s completeShape
		if err := strictDecode(body, &s); err != nil {
			return nil, err
		}
		if s.InteractionID == "" {
			return nil, fmt.Errorf("interaction_complete requires interaction_id")
		}
		return &Event{Action: ActionComplete, InteractionID: s.InteractionID, Payload: s.Result}, nil

	case ActionError:
		var s errorShape
		if err := strictDecode(body, &s); err != nil {
			return nil, err
		}
		if s.InteractionID == "" {
			return nil, fmt.Errorf("interaction_error requires interaction_id")
		}
		return &Event{Action: ActionError, InteractionID: s.InteractionID, Payload: s.Error}, nil

	case "":
		return nil, fmt.Errorf("missing action")
	default:
		return nil, fmt.Errorf("unknown action %q", p.Action)
	}
}

func strictDecode(body []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}
	return nil
}
