// Package identity derives stable session identity from Messages API
// requests: who is talking (sender handle or chat id), which session key the
// conversation maps to, and the deterministic session UUID the CLI stores
// its history under.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// senderTagRe matches a gateway sender tag like
// "[from: Display Name (@handle)]" anywhere in message text.
var senderTagRe = regexp.MustCompile(`\[from:[^(\]]*\(@([A-Za-z0-9_]+)\)\]`)

// fencedJSONRe captures the body of the first fenced JSON metadata block in
// a system prompt.
var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// replyTagRe matches gateway-only reply metadata echoed into text. Stripping
// is idempotent: the replacement leaves nothing for a second pass to match.
var replyTagRe = regexp.MustCompile(`\[\[reply_to_message_id:\s*\d+\]\]\s*`)

// volatileFieldRe matches per-message metadata fields inside the fenced JSON
// block that change on every turn and must not influence the session key.
var volatileFieldRe = regexp.MustCompile(`"(message_id|reply_to_message_id|date)"\s*:\s*(?:"[^"]*"|\d+)\s*,?`)

// modelDateSuffixRe matches a trailing release-date suffix on a model id,
// e.g. "-20251001" or "-latest".
var modelDateSuffixRe = regexp.MustCompile(`-(\d{8}|latest)$`)

// AliasMap maps extracted identities to canonical ones, enabling
// cross-channel session sharing (a secondary-channel identity resolves to
// the primary-channel session).
type AliasMap map[string]string

// LoadAliasMap reads a JSON object of identity→canonical-identity pairs.
// A missing path yields an empty map; a present but unreadable or malformed
// file is an error.
func LoadAliasMap(path string) (AliasMap, error) {
	if path == "" {
		return AliasMap{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AliasMap{}, nil
		}
		return nil, fmt.Errorf("read alias map: %w", err)
	}
	var m AliasMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse alias map %s: %w", path, err)
	}
	return m, nil
}

// Apply resolves an identity through the alias map, returning it unchanged
// when no alias exists.
func (a AliasMap) Apply(id string) string {
	if canonical, ok := a[id]; ok && canonical != "" {
		return canonical
	}
	return id
}

// Extract derives the canonical identity for a request. Precedence: a sender
// tag in the last user message, then a chat_id in the system prompt's fenced
// metadata block, then none. The alias map is applied after extraction.
func Extract(lastUserText, systemText string, aliases AliasMap) string {
	if m := senderTagRe.FindStringSubmatch(lastUserText); m != nil {
		return aliases.Apply(strings.ToLower(m[1]))
	}
	if id := chatIDFromSystem(systemText); id != "" {
		return aliases.Apply(id)
	}
	return ""
}

// chatIDFromSystem pulls chat_id out of the first fenced JSON metadata block.
// chat_id may be a JSON number or string.
func chatIDFromSystem(systemText string) string {
	m := fencedJSONRe.FindStringSubmatch(systemText)
	if m == nil {
		return ""
	}
	var meta map[string]json.RawMessage
	if err := json.Unmarshal([]byte(m[1]), &meta); err != nil {
		return ""
	}
	raw, ok := meta["chat_id"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// StripGatewayTags removes gateway-only reply metadata from text. Applying
// it twice yields the same result as once.
func StripGatewayTags(s string) string {
	return replyTagRe.ReplaceAllString(s, "")
}

// StableSystemText reduces a system prompt to the portion that is stable
// across turns of the same logical chat: gateway tags and volatile
// per-message metadata fields are removed.
func StableSystemText(systemText string) string {
	s := StripGatewayTags(systemText)
	if m := fencedJSONRe.FindStringSubmatchIndex(s); m != nil {
		body := s[m[2]:m[3]]
		stable := volatileFieldRe.ReplaceAllString(body, "")
		s = s[:m[2]] + stable + s[m[3]:]
	}
	return s
}

// MetadataBlock returns the system prompt's fenced JSON metadata block,
// fences included, or "" when none exists. Resumed sessions get this block
// appended so the CLI sees current-turn channel and chat metadata without
// the full system prompt overwriting the stored one.
func MetadataBlock(systemText string) string {
	if m := fencedJSONRe.FindString(systemText); m != "" {
		return m
	}
	return ""
}

// SessionKey derives the stable per-conversation key: stable system text and
// identity hashed together. The same chat produces the same key even as
// per-message metadata changes.
func SessionKey(systemText, id string) string {
	h := sha256.New()
	h.Write([]byte(StableSystemText(systemText)))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

// DeterministicUUID maps a session key to canonical UUID text, v4-shaped
// (version nibble 4, variant nibble 8) so the CLI accepts it, but fully
// deterministic: identical keys always yield identical UUIDs.
func DeterministicUUID(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexStr := hex.EncodeToString(sum[:16])
	b := []byte(fmt.Sprintf("%s-%s-%s-%s-%s",
		hexStr[0:8], hexStr[8:12], hexStr[12:16], hexStr[16:20], hexStr[20:32]))
	b[14] = '4' // version
	b[19] = '8' // variant
	return string(b)
}

// NormalizeModel reduces an ecosystem model id to what the CLI understands:
// any provider prefix and date suffix are stripped, and ids containing a
// model family name collapse to just that family.
func NormalizeModel(model string) string {
	m := model
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	m = modelDateSuffixRe.ReplaceAllString(m, "")
	lower := strings.ToLower(m)
	for _, family := range []string{"opus", "sonnet", "haiku"} {
		if strings.Contains(lower, family) {
			return family
		}
	}
	return model
}
