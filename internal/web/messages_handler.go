package web

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/claude-relay/internal/hub"
	"github.com/joestump/claude-relay/internal/identity"
	"github.com/joestump/claude-relay/internal/session"
	"github.com/joestump/claude-relay/internal/streamjson"
)

const stopReply = "Stopped the active response."

// resumeReminder is appended to the system prompt of resumed sessions. The
// full prompt must not be re-sent: it would overwrite the stored one and
// erase the CLI's conversation history.
const resumeReminder = "Re-read the project instructions in your working directory before answering."

// handleMessages is the core Messages API endpoint. One request is one CLI
// turn: resolve the session, serialize on the per-session queue, spawn the
// CLI, and stream or collect its output.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var req MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}

	lastUser, ok := lastUserMessage(req.Messages)
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "at least one user message is required")
		return
	}

	// Only the last user message becomes the prompt. The client gateway owns
	// the conversation view; the CLI keeps its own history via resume.
	rawPrompt, images := lastUser.PromptParts()
	prompt := identity.StripGatewayTags(rawPrompt)
	systemText := SystemText(req.System)

	id := identity.Extract(rawPrompt, systemText, s.aliases)
	key := identity.SessionKey(systemText, id)
	if override := r.Header.Get("x-session-key"); override != "" {
		key = override
	}
	regenerate := strings.EqualFold(r.Header.Get("x-regenerate"), "true")
	model := identity.NormalizeModel(req.Model)
	requestID := newRequestID()

	if strings.TrimSpace(prompt) == "/stop" {
		s.handleStop(w, req, key, requestID)
		return
	}

	tempDir, prompt, err := s.attachImages(prompt, images)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	sessionUUID, resume := s.resolveSession(key, id)

	slot := s.engine.Queue.Join(key)
	if regenerate {
		// Fork first, then preempt: the active child writes to the old
		// JSONL, the fork reads it, and the forked copy is what the next
		// spawn resumes.
		if resume {
			if forked, err := session.ForkSessionFile(s.engine.SessionDir, sessionUUID); err != nil {
				log.Printf("regenerate fork for %s: %v", key, err)
			} else {
				sessionUUID = forked
				s.engine.Registry.Record(key, sessionUUID, id)
			}
		}
		s.engine.StopActive(key)
	}

	if err := slot.Wait(r.Context()); err != nil {
		slot.Abandon()
		removeDir(tempDir)
		return
	}
	defer slot.Release()

	spawn := session.SpawnSpec{
		CLIPath:     s.cfg.CLIPath,
		Workdir:     s.cfg.Workspace,
		Model:       model,
		SessionUUID: sessionUUID,
		Resume:      resume,
		Prompt:      prompt,
		Stream:      req.Stream,
	}
	if resume {
		spawn.AppendSystemPrompt = resumeFragment(systemText)
	} else {
		spawn.SystemPrompt = identity.StripGatewayTags(systemText)
	}

	runSpec := session.RunSpec{
		Key:       key,
		RequestID: requestID,
		Sender:    id,
		Spawn:     spawn,
		TempDir:   tempDir,
	}

	if req.Stream {
		s.runStreaming(w, r, req, runSpec, id)
		return
	}
	s.runCollected(w, r, req, runSpec, id)
}

func (s *Server) runStreaming(w http.ResponseWriter, r *http.Request, req MessagesRequest, runSpec session.RunSpec, id string) {
	out, err := newSSEWriter(w, runSpec.RequestID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}

	if s.cfg.KeepaliveInterval > 0 {
		stop := startKeepalive(r, out, s.cfg.KeepaliveInterval)
		defer stop()
	}

	t := NewTranslator(out, runSpec.RequestID, req.Model)
	if s.hub != nil {
		t.Monitor = func(eventType string, data map[string]any) {
			s.hub.Publish(hub.NewEvent(eventType, runSpec.Key, runSpec.RequestID, data))
		}
	}
	t.Start()

	res, err := s.engine.Run(r.Context(), runSpec, t)
	if err != nil {
		t.Error(err.Error())
		return
	}
	if res.Cancelled {
		// The client is gone; write nothing more.
		return
	}
	t.Close()
	s.recordSession(runSpec, id, res.ExitErr == nil)
}

func (s *Server) runCollected(w http.ResponseWriter, r *http.Request, req MessagesRequest, runSpec session.RunSpec, id string) {
	collector := &resultCollector{}
	res, err := s.engine.Run(r.Context(), runSpec, collector)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
		return
	}
	if res.Cancelled {
		return
	}

	w.Header().Set("X-Request-Id", runSpec.RequestID)
	writeJSON(w, http.StatusOK, MessageResponse{
		ID:           runSpec.RequestID,
		Type:         "message",
		Role:         "assistant",
		Model:        req.Model,
		Content:      []OutputBlock{{Type: "text", Text: collector.FinalText()}},
		StopReason:   "end_turn",
		StopSequence: nil,
		Usage: UsageInfo{
			InputTokens:  collector.usage.TotalInputTokens(),
			OutputTokens: collector.usage.OutputTokens,
		},
	})
	s.recordSession(runSpec, id, res.ExitErr == nil)
}

// handleStop serves the /stop pseudo-command: kill the active run, answer
// with a canned message, never spawn or enqueue.
func (s *Server) handleStop(w http.ResponseWriter, req MessagesRequest, key, requestID string) {
	stopped := s.engine.StopActive(key)
	text := stopReply
	if !stopped {
		text = "Nothing is running."
	}

	if req.Stream {
		out, err := newSSEWriter(w, requestID)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "api_error", err.Error())
			return
		}
		t := NewTranslator(out, requestID, req.Model)
		t.Start()
		t.OnEvent(syntheticResult(text))
		t.Close()
		return
	}

	w.Header().Set("X-Request-Id", requestID)
	writeJSON(w, http.StatusOK, MessageResponse{
		ID:           requestID,
		Type:         "message",
		Role:         "assistant",
		Model:        req.Model,
		Content:      []OutputBlock{{Type: "text", Text: text}},
		StopReason:   "end_turn",
		StopSequence: nil,
	})
}

// resolveSession maps a key to its CLI session UUID: registry hit, identity
// migration, or a fresh deterministic UUID. Resume is decided by the on-disk
// JSONL, which survives gateway restarts even when the registry does not.
func (s *Server) resolveSession(key, id string) (string, bool) {
	var sessionUUID string
	if rec, ok := s.engine.Registry.Lookup(key); ok {
		sessionUUID = rec.UUID
	} else if rec, ok := s.engine.Registry.Migrate(key, id); ok {
		sessionUUID = rec.UUID
	} else {
		sessionUUID = identity.DeterministicUUID(key)
	}

	path := filepath.Join(s.engine.SessionDir, sessionUUID+".jsonl")
	_, err := os.Stat(path)
	return sessionUUID, err == nil
}

// recordSession upserts the registry after a run that exited cleanly.
func (s *Server) recordSession(runSpec session.RunSpec, id string, cleanExit bool) {
	if !cleanExit {
		return
	}
	s.engine.Registry.Record(runSpec.Key, runSpec.Spawn.SessionUUID, id)
}

// attachImages writes base64 image payloads to a temp dir and appends their
// paths to the prompt so the CLI can read them.
func (s *Server) attachImages(prompt string, images []ImagePayload) (string, string, error) {
	if len(images) == 0 {
		return "", prompt, nil
	}
	dir, err := os.MkdirTemp("", "relay-images-*")
	if err != nil {
		return "", "", fmt.Errorf("create image temp dir: %w", err)
	}

	var b strings.Builder
	b.WriteString(prompt)
	for i, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			removeDir(dir)
			return "", "", fmt.Errorf("decode image %d: %w", i, err)
		}
		path := filepath.Join(dir, fmt.Sprintf("image-%d%s", i, imageExt(img.MediaType)))
		if err := os.WriteFile(path, data, 0o600); err != nil {
			removeDir(dir)
			return "", "", fmt.Errorf("write image %d: %w", i, err)
		}
		fmt.Fprintf(&b, "\n[Attached image: %s]", path)
	}
	return dir, b.String(), nil
}

func imageExt(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".bin"
	}
}

// resumeFragment builds the appended system prompt for a resumed session:
// the current-turn metadata block plus a standing reminder.
func resumeFragment(systemText string) string {
	block := identity.MetadataBlock(systemText)
	if block == "" {
		return resumeReminder
	}
	return block + "\n\n" + resumeReminder
}

func lastUserMessage(messages []InputMessage) (InputMessage, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i], true
		}
	}
	return InputMessage{}, false
}

// syntheticResult wraps canned text as a result event so the translator
// renders it as a normal single-block timeline.
func syntheticResult(text string) streamjson.Event {
	return streamjson.Event{Type: "result", Result: text}
}

func newRequestID() string {
	return "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// startKeepalive writes SSE comments until the request ends or stop is
// called, whichever comes first.
func startKeepalive(r *http.Request, out *sseWriter, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				out.Comment("keepalive")
			case <-r.Context().Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func removeDir(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("remove temp dir %s: %v", dir, err)
	}
}
