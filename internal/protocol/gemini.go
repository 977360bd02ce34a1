package protocol

import (
	"encoding/json"
	"net/http"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// geminiAdapter speaks the Gemini models/{model}:generateContent protocol.
// The model name lives in the URL, not the body; the handler sets it on the
// decoded turn.
type geminiAdapter struct{}

func (geminiAdapter) Shape() models.ProviderShape { return models.ShapeGemini }

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response,omitempty"`
	} `json:"functionResponse,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []struct {
		Name string `json:"name"`
	} `json:"functionDeclarations"`
}

func (a geminiAdapter) Decode(raw []byte) (*models.CanonicalTurn, error) {
	env, err := envelope(a.Shape(), raw)
	if err != nil {
		return nil, err
	}

	contentsRaw, ok := env["contents"]
	if !ok {
		return nil, &DecodeError{Shape: a.Shape(), Field: "contents", Reason: "missing"}
	}
	var contents []geminiContent
	if err := json.Unmarshal(contentsRaw, &contents); err != nil {
		return nil, &DecodeError{Shape: a.Shape(), Field: "contents", Reason: "not an array of contents"}
	}

	turn := &models.CanonicalTurn{
		Shape:       a.Shape(),
		Passthrough: env,
	}

	if genRaw, ok := env["generationConfig"]; ok {
		var gen struct {
			MaxOutputTokens int     `json:"maxOutputTokens"`
			Temperature     float64 `json:"temperature"`
		}
		if json.Unmarshal(genRaw, &gen) == nil {
			turn.MaxTokens = gen.MaxOutputTokens
			turn.Temperature = gen.Temperature
		}
	}

	// The session_id label is the Gemini-shaped way to correlate calls into
	// one run; callers without labels fall back to the X-Session-Key header.
	if labelsRaw, ok := env["labels"]; ok {
		var labels map[string]string
		if json.Unmarshal(labelsRaw, &labels) == nil {
			turn.SessionKey = labels["session_id"]
		}
	}

	if sysRaw, ok := env["systemInstruction"]; ok {
		var sys geminiContent
		if json.Unmarshal(sysRaw, &sys) == nil {
			if text := joinGeminiText(sys.Parts); text != "" {
				turn.Messages = append(turn.Messages, models.Message{Role: models.RoleSystem, Content: text})
			}
		}
	}

	for _, c := range contents {
		role := models.RoleUser
		if c.Role == "model" {
			role = models.RoleAssistant
		}

		text := ""
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				turn.ToolCalls = append(turn.ToolCalls, models.ToolCallRequest{
					Name:      p.FunctionCall.Name,
					Arguments: string(p.FunctionCall.Args),
				})
			case p.FunctionResponse != nil:
				turn.ToolResults = append(turn.ToolResults, models.ToolResult{
					Name:    p.FunctionResponse.Name,
					Content: string(p.FunctionResponse.Response),
				})
			case p.Text != "":
				if text != "" {
					text += "\n"
				}
				text += p.Text
			}
		}
		if text != "" {
			turn.Messages = append(turn.Messages, models.Message{Role: role, Content: text})
		}
	}

	if toolsRaw, ok := env["tools"]; ok {
		var tools []geminiTool
		if err := json.Unmarshal(toolsRaw, &tools); err != nil {
			return nil, &DecodeError{Shape: a.Shape(), Field: "tools", Reason: "not an array of tool definitions"}
		}
		for _, t := range tools {
			for _, fd := range t.FunctionDeclarations {
				if fd.Name != "" {
					turn.DeclaredTools = append(turn.DeclaredTools, fd.Name)
				}
			}
		}
	}

	return turn, nil
}

func (a geminiAdapter) EncodeRequest(turn *models.CanonicalTurn) ([]byte, error) {
	// Model and token limits travel in the URL / generationConfig, both of
	// which round-trip through the passthrough bag untouched.
	return encodeEnvelope(turn, nil)
}

func (a geminiAdapter) EncodeError(status int, code, message string) []byte {
	if code == "" {
		code = geminiStatusString(status)
	}
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
			"status":  code,
		},
	})
	return body
}

func joinGeminiText(parts []geminiPart) string {
	text := ""
	for _, p := range parts {
		if p.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text
}

func geminiStatusString(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	default:
		return "INTERNAL"
	}
}
