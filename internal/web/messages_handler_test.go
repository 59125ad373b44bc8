package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/joestump/claude-relay/internal/config"
	"github.com/joestump/claude-relay/internal/hub"
	"github.com/joestump/claude-relay/internal/identity"
	"github.com/joestump/claude-relay/internal/session"
)

var uuidShapeRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-8[0-9a-f]{3}-[0-9a-f]{12}$`)

// scriptProc plays back canned CLI stdout and exits.
type scriptProc struct {
	out     io.Reader
	exitErr error
}

func newScriptProc(output string) *scriptProc {
	return &scriptProc{out: strings.NewReader(output)}
}

func (p *scriptProc) Stdout() io.Reader { return p.out }
func (p *scriptProc) Stderr() string    { return "" }
func (p *scriptProc) Wait() error       { return p.exitErr }
func (p *scriptProc) Kill()             {}

type scriptRunner struct {
	mu    sync.Mutex
	procs []*scriptProc
	specs []session.SpawnSpec
}

func (r *scriptRunner) Start(spec session.SpawnSpec) (session.Proc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs = append(r.specs, spec)
	if len(r.procs) == 0 {
		return nil, errors.New("no scripted process")
	}
	p := r.procs[0]
	r.procs = r.procs[1:]
	return p, nil
}

func (r *scriptRunner) spec(i int) session.SpawnSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.specs[i]
}

func (r *scriptRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.specs)
}

const (
	jsonResult = `{"type":"result","subtype":"success","is_error":false,"result":"Hi there","usage":{"input_tokens":10,"output_tokens":3,"cache_read_input_tokens":5}}` + "\n"

	streamOutput = `{"type":"system","subtype":"init","session_id":"x"}` + "\n" +
		`{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}}` + "\n" +
		`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello!"}}}` + "\n" +
		`{"type":"stream_event","event":{"type":"content_block_stop","index":0}}` + "\n" +
		`{"type":"result","subtype":"success","is_error":false,"result":"Hello!","usage":{"input_tokens":9,"output_tokens":3}}` + "\n"
)

func newTestServer(t *testing.T, procs ...*scriptProc) (*Server, *scriptRunner) {
	t.Helper()
	reg, err := session.NewRegistry(nil, 0)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	runner := &scriptRunner{procs: procs}
	h := hub.New()
	engine := session.NewEngine(reg, runner, h, "claude", "/tmp/ws", t.TempDir(), session.Timeouts{})
	cfg := config.Config{Port: 0, CLIPath: "claude", Workspace: "/tmp/ws"}
	return New(cfg, engine, h, identity.AliasMap{}), runner
}

func postMessages(t *testing.T, s *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestMessagesRejectsBadJSON(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postMessages(t, s, "{not json", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var e apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error.Type != "invalid_request" {
		t.Fatalf("error body = %s", rec.Body.String())
	}
}

func TestMessagesRequiresUserMessage(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postMessages(t, s, `{"model":"sonnet","messages":[{"role":"assistant","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMessagesNonStreaming(t *testing.T) {
	s, runner := newTestServer(t, newScriptProc(jsonResult))

	rec := postMessages(t, s,
		`{"model":"claude-sonnet-4-20250514","messages":[{"role":"user","content":"Hello"}],"system":"Be brief."}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Type != "message" || resp.Role != "assistant" {
		t.Fatalf("envelope = %+v", resp)
	}
	if resp.Model != "claude-sonnet-4-20250514" {
		t.Fatalf("model echo = %q", resp.Model)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "Hi there" {
		t.Fatalf("content = %+v", resp.Content)
	}
	if resp.Usage.InputTokens != 15 || resp.Usage.OutputTokens != 3 {
		t.Fatalf("usage = %+v, want input 15 (base+cache) output 3", resp.Usage)
	}
	if resp.StopReason != "end_turn" {
		t.Fatalf("stop_reason = %q", resp.StopReason)
	}

	spec := runner.spec(0)
	if spec.Model != "sonnet" {
		t.Fatalf("model not normalized: %q", spec.Model)
	}
	if spec.Stream || spec.Resume {
		t.Fatalf("spec = %+v, want fresh non-streaming spawn", spec)
	}
	if spec.SystemPrompt != "Be brief." {
		t.Fatalf("system prompt = %q", spec.SystemPrompt)
	}
	if spec.Prompt != "Hello" {
		t.Fatalf("prompt = %q", spec.Prompt)
	}
}

func TestMessagesDeterministicUUID(t *testing.T) {
	s, runner := newTestServer(t, newScriptProc(jsonResult), newScriptProc(jsonResult))

	body := `{"model":"sonnet","messages":[{"role":"user","content":"turn"}],"system":"same chat"}`
	postMessages(t, s, body, nil)
	postMessages(t, s, body, nil)

	if runner.startCount() != 2 {
		t.Fatalf("spawns = %d", runner.startCount())
	}
	first, second := runner.spec(0), runner.spec(1)
	if first.SessionUUID != second.SessionUUID {
		t.Fatalf("same chat produced different UUIDs: %s vs %s", first.SessionUUID, second.SessionUUID)
	}
	if !uuidShapeRe.MatchString(first.SessionUUID) {
		t.Fatalf("UUID %q not canonical v4-shaped", first.SessionUUID)
	}
}

func TestMessagesStreaming(t *testing.T) {
	s, runner := newTestServer(t, newScriptProc(streamOutput))

	rec := postMessages(t, s,
		`{"model":"sonnet","stream":true,"messages":[{"role":"user","content":"Hello"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id")
	}

	frames := parseSSE(t, rec.Body.String())
	events := frameEvents(frames)
	if events[0] != "message_start" {
		t.Fatalf("first event = %q", events[0])
	}
	if events[len(events)-1] != "message_stop" {
		t.Fatalf("last event = %q", events[len(events)-1])
	}
	var starts, stops int
	for _, name := range events {
		switch name {
		case "message_start":
			starts++
		case "message_stop":
			stops++
		}
	}
	if starts != 1 || stops != 1 {
		t.Fatalf("message_start=%d message_stop=%d, want exactly one each", starts, stops)
	}

	spec := runner.spec(0)
	if !spec.Stream {
		t.Fatal("spawn must request stream-json output")
	}
}

func TestMessagesSessionKeyOverride(t *testing.T) {
	s, runner := newTestServer(t, newScriptProc(jsonResult), newScriptProc(jsonResult))
	headers := map[string]string{"x-session-key": "pinned"}

	postMessages(t, s, `{"model":"sonnet","messages":[{"role":"user","content":"a"}],"system":"one"}`, headers)
	postMessages(t, s, `{"model":"sonnet","messages":[{"role":"user","content":"b"}],"system":"two"}`, headers)

	if runner.spec(0).SessionUUID != runner.spec(1).SessionUUID {
		t.Fatal("x-session-key override must pin the session across differing prompts")
	}
}

func TestMessagesStopCommand(t *testing.T) {
	s, runner := newTestServer(t)

	rec := postMessages(t, s, `{"model":"sonnet","messages":[{"role":"user","content":"/stop"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp MessageResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Content[0].Text != "Nothing is running." {
		t.Fatalf("text = %q", resp.Content[0].Text)
	}
	if runner.startCount() != 0 {
		t.Fatal("/stop must never spawn the CLI")
	}
}

func TestMessagesResumeAppendsFragment(t *testing.T) {
	s, runner := newTestServer(t, newScriptProc(jsonResult))

	systemText := "Instructions.\n```json\n{\"chat_id\": 99, \"message_id\": 5}\n```"
	id := identity.Extract("Hello", systemText, identity.AliasMap{})
	key := identity.SessionKey(systemText, id)
	sessionUUID := identity.DeterministicUUID(key)

	// An on-disk transcript marks the session resumable even though the
	// in-memory registry is empty, as after a gateway restart.
	path := filepath.Join(s.engine.SessionDir, sessionUUID+".jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	body := fmt.Sprintf(`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}],"system":%q}`, systemText)
	rec := postMessages(t, s, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	spec := runner.spec(0)
	if !spec.Resume || spec.SessionUUID != sessionUUID {
		t.Fatalf("spec = %+v, want resume of %s", spec, sessionUUID)
	}
	if spec.SystemPrompt != "" {
		t.Fatal("resumed session must not re-send the full system prompt")
	}
	if !strings.Contains(spec.AppendSystemPrompt, `"chat_id"`) {
		t.Fatalf("append fragment missing metadata block: %q", spec.AppendSystemPrompt)
	}
	if !strings.Contains(spec.AppendSystemPrompt, resumeReminder) {
		t.Fatalf("append fragment missing reminder: %q", spec.AppendSystemPrompt)
	}
}

func TestMessagesRegenerateForksSession(t *testing.T) {
	s, runner := newTestServer(t, newScriptProc(jsonResult))

	key := identity.SessionKey("", "")
	sessionUUID := identity.DeterministicUUID(key)
	transcript := `{"type":"user","uuid":"u1","message":{"role":"user","content":"first"}}` + "\n" +
		`{"type":"assistant","uuid":"a1","parentUuid":"u1","message":{"role":"assistant","content":[{"type":"text","text":"one"}]}}` + "\n" +
		`{"type":"user","uuid":"u2","parentUuid":"a1","message":{"role":"user","content":"second"}}` + "\n" +
		`{"type":"assistant","uuid":"a2","parentUuid":"u2","message":{"role":"assistant","content":[{"type":"text","text":"two"}]}}` + "\n"
	path := filepath.Join(s.engine.SessionDir, sessionUUID+".jsonl")
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	rec := postMessages(t, s, `{"model":"sonnet","messages":[{"role":"user","content":"again"}]}`,
		map[string]string{"x-regenerate": "true"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	spec := runner.spec(0)
	if spec.SessionUUID == sessionUUID {
		t.Fatal("regenerate must spawn against the forked UUID")
	}
	if !spec.Resume {
		t.Fatal("forked session must be resumed")
	}

	// Fork keeps everything up to and including the first assistant reply.
	forked, err := os.ReadFile(filepath.Join(s.engine.SessionDir, spec.SessionUUID+".jsonl"))
	if err != nil {
		t.Fatalf("read fork: %v", err)
	}
	if !strings.Contains(string(forked), `"a1"`) || strings.Contains(string(forked), `"u2"`) {
		t.Fatalf("fork content wrong:\n%s", forked)
	}
	original, err := os.ReadFile(path)
	if err != nil || string(original) != transcript {
		t.Fatal("original transcript must be untouched")
	}

	if rec2, ok := s.engine.Registry.Lookup(key); !ok || rec2.UUID != spec.SessionUUID {
		t.Fatal("registry must point at the fork")
	}
}

func TestMessagesSpawnFailure(t *testing.T) {
	s, _ := newTestServer(t) // no scripted processes: Start errors

	rec := postMessages(t, s, `{"model":"sonnet","messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var e apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error.Type != "api_error" {
		t.Fatalf("error body = %s", rec.Body.String())
	}
}

func TestMessagesImageAttachment(t *testing.T) {
	s, runner := newTestServer(t, newScriptProc(jsonResult))

	// 1x1 transparent PNG, base64.
	png := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="
	body := fmt.Sprintf(`{"model":"sonnet","messages":[{"role":"user","content":[{"type":"text","text":"What is this?"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":%q}}]}]}`, png)

	rec := postMessages(t, s, body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	spec := runner.spec(0)
	if !strings.Contains(spec.Prompt, "What is this?") || !strings.Contains(spec.Prompt, "[Attached image: ") {
		t.Fatalf("prompt = %q", spec.Prompt)
	}
	// The temp dir is already cleaned up by the time the response lands.
	start := strings.Index(spec.Prompt, "[Attached image: ") + len("[Attached image: ")
	end := strings.Index(spec.Prompt[start:], "]")
	imgPath := spec.Prompt[start : start+end]
	if _, err := os.Stat(filepath.Dir(imgPath)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp dir %s must be removed after the run", filepath.Dir(imgPath))
	}
}
