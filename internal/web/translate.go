package web

import (
	"fmt"
	"strings"

	"github.com/joestump/claude-relay/internal/identity"
	"github.com/joestump/claude-relay/internal/streamjson"
)

// Translator converts the CLI's stream-json events into the Anthropic SSE
// timeline clients expect. Tool traffic is filtered out entirely: the CLI
// executes tools itself, and a client gateway that sees tool_use blocks will
// try to run them too and loop. Forwarded blocks are renumbered so the
// client-visible indices stay contiguous from zero.
type Translator struct {
	out       *sseWriter
	requestID string
	model     string

	// Monitor, when set, receives internal events about filtered tool
	// activity for the /events stream.
	Monitor func(eventType string, data map[string]any)

	started    bool
	errored    bool
	insideTool bool
	toolName   string
	toolJSON   strings.Builder

	nextIndex int // next SSE block index to hand out
	openIndex int // SSE index of the open forwarded block, -1 when none

	textSent     bool
	inputTokens  int
	outputTokens int
}

// NewTranslator creates a translator writing to an SSE stream.
func NewTranslator(out *sseWriter, requestID, model string) *Translator {
	return &Translator{
		out:       out,
		requestID: requestID,
		model:     model,
		openIndex: -1,
	}
}

// Start emits message_start. Safe to call more than once.
func (t *Translator) Start() {
	if t.started {
		return
	}
	t.started = true
	t.out.Send("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            t.requestID,
			"type":          "message",
			"role":          "assistant",
			"model":         t.model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

// OnEvent consumes one decoded CLI event.
func (t *Translator) OnEvent(ev streamjson.Event) {
	switch ev.Type {
	case "content_block_start":
		t.onBlockStart(ev)
	case "content_block_delta":
		t.onBlockDelta(ev)
	case "content_block_stop":
		t.onBlockStop()
	case "message_delta":
		// Counters only. The terminal message_delta is emitted once, on
		// close, so the client sees exactly one.
		if ev.Usage != nil && ev.Usage.OutputTokens > 0 {
			t.outputTokens = ev.Usage.OutputTokens
		}
	case "system":
		t.onSystem(ev)
	case "result":
		t.onResult(ev)
	}
	// init, assistant, user and unknown types carry nothing for the client.
}

func (t *Translator) onBlockStart(ev streamjson.Event) {
	if ev.ContentBlock == nil {
		return
	}
	if ev.ContentBlock.Type == "tool_use" {
		t.insideTool = true
		t.toolName = ev.ContentBlock.Name
		t.toolJSON.Reset()
		t.monitor("tool_started", map[string]any{"tool": ev.ContentBlock.Name})
		return
	}

	// A new non-tool block ends any tool context still open, even when the
	// CLI skipped the tool block's content_block_stop.
	t.insideTool = false

	t.Start()
	t.closeOpenBlock()
	idx := t.nextIndex
	t.nextIndex++
	t.openIndex = idx

	block := map[string]any{"type": ev.ContentBlock.Type}
	if ev.ContentBlock.Type == "thinking" {
		block["thinking"] = ""
	} else {
		block["text"] = ""
	}
	t.out.Send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	})
}

func (t *Translator) onBlockDelta(ev streamjson.Event) {
	if ev.Delta == nil {
		return
	}
	if t.insideTool || ev.Delta.Type == "input_json_delta" {
		t.toolJSON.WriteString(ev.Delta.PartialJSON)
		return
	}
	if t.openIndex < 0 {
		return
	}

	switch ev.Delta.Type {
	case "text_delta":
		text := identity.StripGatewayTags(ev.Delta.Text)
		if text == "" {
			return
		}
		t.textSent = true
		t.out.Send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.openIndex,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
	case "thinking_delta":
		t.out.Send("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": t.openIndex,
			"delta": map[string]any{"type": "thinking_delta", "thinking": ev.Delta.Thinking},
		})
	}
}

func (t *Translator) onBlockStop() {
	if t.insideTool {
		t.insideTool = false
		t.monitor("tool_input", map[string]any{
			"tool":  t.toolName,
			"input": truncateForMonitor(t.toolJSON.String()),
		})
		return
	}
	t.closeOpenBlock()
}

func (t *Translator) onSystem(ev streamjson.Event) {
	switch {
	case ev.Subtype == "compact_boundary":
		notice := fmt.Sprintf("[Auto context compaction (%d tokens) - summarizing conversation history...]",
			ev.PreCompactionTokens())
		t.injectNotice(notice)
		t.monitor("compaction_started", map[string]any{"pre_tokens": ev.PreCompactionTokens()})
	case ev.Subtype == "status" && ev.Status == "compacting":
		t.injectNotice("[Compacting conversation history, please wait...]")
		t.monitor("compaction_started", nil)
	}
}

// injectNotice emits a complete synthetic text block. It does not set
// textSent: a compaction notice is not the assistant's answer, and the final
// result must still be synthesized if no real text followed.
func (t *Translator) injectNotice(text string) {
	t.Start()
	t.closeOpenBlock()
	idx := t.nextIndex
	t.nextIndex++
	t.out.Send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	t.out.Send("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	t.out.Send("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
}

func (t *Translator) onResult(ev streamjson.Event) {
	if ev.Usage != nil {
		t.inputTokens = ev.Usage.TotalInputTokens()
		if ev.Usage.OutputTokens > 0 {
			t.outputTokens = ev.Usage.OutputTokens
		}
	}
	if t.textSent {
		return
	}
	text := identity.StripGatewayTags(ev.Result)
	if text == "" {
		return
	}
	// No streamed text reached the client (non-verbose CLI, or a pure
	// tool-use turn): the result summary is all there is.
	t.Start()
	t.closeOpenBlock()
	idx := t.nextIndex
	t.nextIndex++
	t.out.Send("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": map[string]any{"type": "text", "text": ""},
	})
	t.out.Send("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
	t.out.Send("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": idx,
	})
	t.textSent = true
}

// Error emits a terminal SSE error event. After an error the stream ends
// without message_stop.
func (t *Translator) Error(message string) {
	t.errored = true
	t.out.Send("error", apiError{
		Type:  "error",
		Error: apiErrorBody{Type: "api_error", Message: message},
	})
}

// Close ends the timeline: any open block is stopped, then the single
// terminal message_delta and message_stop go out. After Error, nothing more
// is written.
func (t *Translator) Close() {
	if t.errored {
		return
	}
	t.Start()
	t.closeOpenBlock()
	t.out.Send("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
		"usage": map[string]int{"output_tokens": t.outputTokens},
	})
	t.out.Send("message_stop", map[string]any{"type": "message_stop"})
}

// Usage reports the token totals observed so far.
func (t *Translator) Usage() UsageInfo {
	return UsageInfo{InputTokens: t.inputTokens, OutputTokens: t.outputTokens}
}

func (t *Translator) closeOpenBlock() {
	if t.openIndex < 0 {
		return
	}
	t.out.Send("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": t.openIndex,
	})
	t.openIndex = -1
}

func (t *Translator) monitor(eventType string, data map[string]any) {
	if t.Monitor != nil {
		t.Monitor(eventType, data)
	}
}

func truncateForMonitor(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// resultCollector is the non-streaming counterpart of the Translator: it
// folds the CLI's events into a single response body.
type resultCollector struct {
	text     strings.Builder
	textSent bool
	result   string
	isError  bool
	usage    streamjson.Usage
}

func (c *resultCollector) OnEvent(ev streamjson.Event) {
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" {
			c.text.WriteString(identity.StripGatewayTags(ev.Delta.Text))
			c.textSent = true
		}
	case "result":
		c.result = ev.Result
		c.isError = ev.IsError
		if ev.Usage != nil {
			c.usage = *ev.Usage
		}
	}
}

// FinalText prefers streamed text and falls back to the result summary.
func (c *resultCollector) FinalText() string {
	if c.textSent {
		return c.text.String()
	}
	return identity.StripGatewayTags(c.result)
}
