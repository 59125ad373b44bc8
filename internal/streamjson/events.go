package streamjson

import "encoding/json"

// Event is a decoded stream-json line from the CLI. The payload shape varies
// by Type; fields that don't apply to a given type are zero. Unknown types
// decode into an Event carrying just Type so callers can log and move on.
type Event struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	UUID      string `json:"uuid,omitempty"`

	// Populated for assistant / user envelope events.
	Message *Message `json:"message,omitempty"`

	// Populated for system events (subtype "status", "compact_boundary").
	Status     string          `json:"status,omitempty"`
	CompactRaw json.RawMessage `json:"compact_metadata,omitempty"`

	// Populated for the final result event.
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`

	// Populated after unwrapping a stream_event envelope.
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
}

// Message is the assistant/user message payload inside envelope events.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// ContentBlock is an Anthropic-style content block.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Delta is the incremental payload of a content_block_delta or message_delta.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Usage carries token accounting from the CLI's final report.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// TotalInputTokens sums base, cache-creation, and cache-read input tokens.
func (u *Usage) TotalInputTokens() int {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// compactMetadata is the payload of system/compact_boundary events.
type compactMetadata struct {
	Trigger            string `json:"trigger,omitempty"`
	PreCompactionTokens int   `json:"pre_tokens,omitempty"`
}

// PreCompactionTokens reports the token count recorded on a compact_boundary
// event, or zero when absent.
func (e *Event) PreCompactionTokens() int {
	if len(e.CompactRaw) == 0 {
		return 0
	}
	var meta compactMetadata
	if err := json.Unmarshal(e.CompactRaw, &meta); err != nil {
		return 0
	}
	return meta.PreCompactionTokens
}

// streamEnvelope is the wrapper the CLI emits with --include-partial-messages:
// the raw Anthropic streaming event nested under "event".
type streamEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	UUID      string          `json:"uuid,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// Decode parses one raw JSON object into an Event. stream_event envelopes are
// unwrapped so callers see the inner content_block_* / message_* event
// directly, with the envelope's session id preserved. Decode never fails on
// an unknown type; it returns an error only when raw is not a JSON object.
func Decode(raw []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Event{}, err
	}

	if probe.Type == "stream_event" {
		var env streamEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Event{}, err
		}
		var inner Event
		if err := json.Unmarshal(env.Event, &inner); err != nil {
			// Malformed inner payload: surface the envelope type so the
			// caller can log and skip it.
			return Event{Type: "stream_event", SessionID: env.SessionID}, nil
		}
		if inner.SessionID == "" {
			inner.SessionID = env.SessionID
		}
		return inner, nil
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}
