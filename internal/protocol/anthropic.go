package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// anthropicAdapter speaks the Anthropic /v1/messages protocol.
type anthropicAdapter struct{}

func (anthropicAdapter) Shape() models.ProviderShape { return models.ShapeAnthropic }

// anthropicMessage mirrors one entry of the "messages" array. Content is
// either a plain string or a list of typed blocks.
type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicTool struct {
	Name string `json:"name"`
}

func (a anthropicAdapter) Decode(raw []byte) (*models.CanonicalTurn, error) {
	env, err := envelope(a.Shape(), raw)
	if err != nil {
		return nil, err
	}

	msgsRaw, ok := env["messages"]
	if !ok {
		return nil, &DecodeError{Shape: a.Shape(), Field: "messages", Reason: "missing"}
	}
	var msgs []anthropicMessage
	if err := json.Unmarshal(msgsRaw, &msgs); err != nil {
		return nil, &DecodeError{Shape: a.Shape(), Field: "messages", Reason: "not an array of messages"}
	}

	turn := &models.CanonicalTurn{
		Shape:       a.Shape(),
		Model:       str(env, "model"),
		MaxTokens:   int(num(env, "max_tokens")),
		Temperature: num(env, "temperature"),
		Stream:      boolean(env, "stream"),
		Passthrough: env,
	}

	// System prompt is a top-level field, not a message.
	if sysRaw, ok := env["system"]; ok {
		if sys := flattenAnthropicContent(sysRaw); sys != "" {
			turn.Messages = append(turn.Messages, models.Message{Role: models.RoleSystem, Content: sys})
		}
	}

	for _, m := range msgs {
		role := models.Role(m.Role)
		text, calls, results := splitAnthropicContent(m.Content)
		if text != "" || (len(calls) == 0 && len(results) == 0) {
			turn.Messages = append(turn.Messages, models.Message{Role: role, Content: text})
		}
		turn.ToolCalls = append(turn.ToolCalls, calls...)
		turn.ToolResults = append(turn.ToolResults, results...)
	}

	if toolsRaw, ok := env["tools"]; ok {
		var tools []anthropicTool
		if err := json.Unmarshal(toolsRaw, &tools); err != nil {
			return nil, &DecodeError{Shape: a.Shape(), Field: "tools", Reason: "not an array of tool definitions"}
		}
		for _, t := range tools {
			if t.Name != "" {
				turn.DeclaredTools = append(turn.DeclaredTools, t.Name)
			}
		}
	}

	if metaRaw, ok := env["metadata"]; ok {
		var meta struct {
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(metaRaw, &meta) == nil {
			turn.SessionKey = meta.UserID
		}
	}

	return turn, nil
}

func (a anthropicAdapter) EncodeRequest(turn *models.CanonicalTurn) ([]byte, error) {
	overrides := map[string]any{}
	if turn.Model != "" {
		overrides["model"] = turn.Model
	}
	if turn.MaxTokens > 0 {
		overrides["max_tokens"] = turn.MaxTokens
	}
	return encodeEnvelope(turn, overrides)
}

func (a anthropicAdapter) EncodeError(status int, code, message string) []byte {
	if code == "" {
		code = anthropicErrorType(status)
	}
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    code,
			"message": message,
		},
	})
	return body
}

// flattenAnthropicContent joins the text of a string-or-blocks content value.
func flattenAnthropicContent(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return ""
	}
	text := ""
	for _, b := range blocks {
		if b.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += b.Text
		}
	}
	return text
}

// splitAnthropicContent separates a message's content blocks into plain text,
// tool_use calls, and tool_result entries.
func splitAnthropicContent(raw json.RawMessage) (string, []models.ToolCallRequest, []models.ToolResult) {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil, nil
	}

	var blocks []anthropicBlock
	if json.Unmarshal(raw, &blocks) != nil {
		return "", nil, nil
	}

	var (
		text    string
		calls   []models.ToolCallRequest
		results []models.ToolResult
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if text != "" {
				text += "\n"
			}
			text += b.Text
		case "tool_use":
			calls = append(calls, models.ToolCallRequest{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			})
		case "tool_result":
			results = append(results, models.ToolResult{
				CallID:  b.ToolUseID,
				Content: flattenAnthropicContent(b.Content),
			})
		}
	}
	return text, calls, results
}

// anthropicErrorType maps an HTTP status to Anthropic's error type strings.
func anthropicErrorType(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 429:
		return "rate_limit_error"
	default:
		return fmt.Sprintf("api_error_%d", status)
	}
}
