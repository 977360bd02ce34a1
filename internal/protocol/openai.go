package protocol

import (
	"encoding/json"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// openAIAdapter speaks the OpenAI /v1/chat/completions protocol.
type openAIAdapter struct{}

func (openAIAdapter) Shape() models.ProviderShape { return models.ShapeOpenAI }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

func (a openAIAdapter) Decode(raw []byte) (*models.CanonicalTurn, error) {
	env, err := envelope(a.Shape(), raw)
	if err != nil {
		return nil, err
	}

	msgsRaw, ok := env["messages"]
	if !ok {
		return nil, &DecodeError{Shape: a.Shape(), Field: "messages", Reason: "missing"}
	}
	var msgs []openAIMessage
	if err := json.Unmarshal(msgsRaw, &msgs); err != nil {
		return nil, &DecodeError{Shape: a.Shape(), Field: "messages", Reason: "not an array of messages"}
	}

	maxTokens := int(num(env, "max_tokens"))
	if maxTokens == 0 {
		maxTokens = int(num(env, "max_completion_tokens"))
	}

	turn := &models.CanonicalTurn{
		Shape:       a.Shape(),
		Model:       str(env, "model"),
		MaxTokens:   maxTokens,
		Temperature: num(env, "temperature"),
		Stream:      boolean(env, "stream"),
		SessionKey:  str(env, "user"),
		Passthrough: env,
	}

	for _, m := range msgs {
		role := models.Role(m.Role)
		text := flattenOpenAIContent(m.Content)

		if role == models.RoleTool {
			turn.ToolResults = append(turn.ToolResults, models.ToolResult{
				CallID:  m.ToolCallID,
				Name:    m.Name,
				Content: text,
			})
			continue
		}

		for _, tc := range m.ToolCalls {
			turn.ToolCalls = append(turn.ToolCalls, models.ToolCallRequest{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}

		if text != "" || len(m.ToolCalls) == 0 {
			turn.Messages = append(turn.Messages, models.Message{Role: role, Content: text})
		}
	}

	if toolsRaw, ok := env["tools"]; ok {
		var tools []openAITool
		if err := json.Unmarshal(toolsRaw, &tools); err != nil {
			return nil, &DecodeError{Shape: a.Shape(), Field: "tools", Reason: "not an array of tool definitions"}
		}
		for _, t := range tools {
			if t.Function.Name != "" {
				turn.DeclaredTools = append(turn.DeclaredTools, t.Function.Name)
			}
		}
	}

	return turn, nil
}

func (a openAIAdapter) EncodeRequest(turn *models.CanonicalTurn) ([]byte, error) {
	overrides := map[string]any{}
	if turn.Model != "" {
		overrides["model"] = turn.Model
	}
	if turn.MaxTokens > 0 {
		if _, legacy := turn.Passthrough["max_tokens"]; legacy {
			overrides["max_tokens"] = turn.MaxTokens
		} else if _, modern := turn.Passthrough["max_completion_tokens"]; modern {
			overrides["max_completion_tokens"] = turn.MaxTokens
		}
	}
	return encodeEnvelope(turn, overrides)
}

func (a openAIAdapter) EncodeError(status int, code, message string) []byte {
	if code == "" {
		code = openAIErrorType(status)
	}
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    openAIErrorType(status),
			"code":    code,
		},
	})
	return body
}

// flattenOpenAIContent joins a string-or-parts content value into plain text.
func flattenOpenAIContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	text := ""
	for _, p := range parts {
		if p.Type == "text" {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text
}

func openAIErrorType(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_denied_error"
	case 429:
		return "rate_limit_exceeded"
	default:
		return "api_error"
	}
}
