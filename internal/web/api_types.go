package web

import (
	"encoding/json"
	"strings"
)

// MessagesRequest is the accepted subset of the Anthropic Messages API.
type MessagesRequest struct {
	Model     string          `json:"model"`
	Messages  []InputMessage  `json:"messages"`
	System    json.RawMessage `json:"system,omitempty"`
	Stream    bool            `json:"stream"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

// InputMessage is one entry of the request's messages array. Content is
// either a plain string or an array of content blocks.
type InputMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type inputBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ImagePayload is a base64 image attached to a user message.
type ImagePayload struct {
	MediaType string
	Data      string
}

// PromptParts splits a message's content into its text and any attached
// base64 images.
func (m InputMessage) PromptParts() (string, []ImagePayload) {
	if len(m.Content) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s, nil
	}

	var blocks []inputBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return "", nil
	}
	var (
		parts  []string
		images []ImagePayload
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			if b.Source != nil && b.Source.Type == "base64" && b.Source.Data != "" {
				images = append(images, ImagePayload{MediaType: b.Source.MediaType, Data: b.Source.Data})
			}
		}
	}
	return strings.Join(parts, "\n"), images
}

// SystemText flattens the request's system field, which may be a string, an
// array of text blocks, or an object with a text field.
func SystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []inputBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// OutputBlock is a content block in a Messages API response.
type OutputBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UsageInfo is the token accounting reported to the client.
type UsageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessageResponse is the non-streaming Messages API response body.
type MessageResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []OutputBlock `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence any           `json:"stop_sequence"`
	Usage        UsageInfo     `json:"usage"`
}

// apiError is the Anthropic-style error envelope.
type apiError struct {
	Type  string      `json:"type"`
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
