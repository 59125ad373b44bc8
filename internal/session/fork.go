package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// jsonlEntry is the subset of a CLI session-file entry needed to decide what
// a regenerate fork keeps.
type jsonlEntry struct {
	Type             string `json:"type"`
	UUID             string `json:"uuid"`
	ParentUUID       string `json:"parentUuid"`
	IsCompactSummary bool   `json:"isCompactSummary,omitempty"`
	Message          struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// ForkSessionFile truncates a stored conversation at the last real user turn
// and writes the survivors to a new JSONL named by a fresh UUID, leaving the
// original file untouched. It returns the fresh UUID for the registry to
// record, so subsequent turns resume the fork.
func ForkSessionFile(dir, sessionUUID string) (string, error) {
	path := filepath.Join(dir, sessionUUID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open session file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	var (
		lines   []string
		entries []jsonlEntry
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e jsonlEntry
		// Unparseable lines are kept verbatim; the CLI wrote them, the CLI
		// can read them.
		_ = json.Unmarshal([]byte(line), &e)
		lines = append(lines, line)
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read session file: %w", err)
	}

	cut := lastRealUserTurn(entries)
	if cut < 0 {
		return "", fmt.Errorf("no user turn found in session %s", sessionUUID)
	}

	// The cut entry plus everything descending from it goes away.
	remove := map[string]bool{entries[cut].UUID: true}
	removeLine := make([]bool, len(entries))
	removeLine[cut] = true
	for changed := true; changed; {
		changed = false
		for i, e := range entries {
			if removeLine[i] || e.UUID == "" {
				continue
			}
			if e.ParentUUID != "" && remove[e.ParentUUID] {
				remove[e.UUID] = true
				removeLine[i] = true
				changed = true
			}
		}
	}
	// Anything after the cut with no UUID lineage is stale too.
	for i := cut + 1; i < len(entries); i++ {
		removeLine[i] = true
	}
	// The snapshot taken just before the removed turn belongs to it.
	if cut > 0 && entries[cut-1].Type == "file-history-snapshot" {
		removeLine[cut-1] = true
	}

	newUUID := uuid.New().String()
	newPath := filepath.Join(dir, newUUID+".jsonl")
	out, err := os.Create(newPath)
	if err != nil {
		return "", fmt.Errorf("create fork file: %w", err)
	}
	w := bufio.NewWriter(out)
	for i, line := range lines {
		if removeLine[i] {
			continue
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			_ = out.Close()
			return "", fmt.Errorf("write fork file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("flush fork file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close fork file: %w", err)
	}

	return newUUID, nil
}

// lastRealUserTurn finds the index of the last user entry that is neither a
// compact summary nor a pure tool_result carrier. Returns -1 if none exists.
func lastRealUserTurn(entries []jsonlEntry) int {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Type != "user" || e.IsCompactSummary {
			continue
		}
		if isPureToolResult(e.Message.Content) {
			continue
		}
		return i
	}
	return -1
}

// isPureToolResult reports whether message content is an array consisting
// only of tool_result blocks, the CLI's internal tool plumbing rather than a turn
// a human typed.
func isPureToolResult(content json.RawMessage) bool {
	if len(content) == 0 {
		return false
	}
	var blocks []struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return false // plain string content
	}
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		if b.Type != "tool_result" {
			return false
		}
	}
	return true
}
