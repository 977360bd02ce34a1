// Package protocol implements the per-provider codecs that translate
// Anthropic-, OpenAI-, and Gemini-shaped request bodies into the canonical
// turn model and back.
//
// Adapter selection is by request path (a closed set of shapes), never by
// inspecting the body. Every adapter keeps the full decoded envelope in a
// passthrough bag so that re-encoding is lossless for fields the pipeline
// never touched.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// DecodeError reports a malformed or incomplete request body. It maps to a
// 400 and short-circuits the pipeline: no scan runs and no behavior event is
// written for a body that never produced a turn.
type DecodeError struct {
	Shape  models.ProviderShape
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: invalid request: field %q: %s", e.Shape, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: invalid request: %s", e.Shape, e.Reason)
}

// Adapter is the single codec capability each provider shape implements.
type Adapter interface {
	// Shape returns the wire protocol this adapter speaks.
	Shape() models.ProviderShape

	// Decode parses a raw request body into a canonical turn. It fails with
	// *DecodeError on malformed JSON or a body missing the shape's
	// mandatory fields.
	Decode(raw []byte) (*models.CanonicalTurn, error)

	// EncodeRequest serializes a canonical turn back into the provider's
	// request shape. Fields not inspected by the pipeline round-trip
	// unchanged through the turn's passthrough bag.
	EncodeRequest(turn *models.CanonicalTurn) ([]byte, error)

	// EncodeError builds a provider-shaped error body so client SDKs keep
	// parsing responses correctly on every failure path.
	EncodeError(status int, code, message string) []byte
}

// ForShape returns the adapter for the given provider shape.
func ForShape(shape models.ProviderShape) (Adapter, bool) {
	switch shape {
	case models.ShapeAnthropic:
		return anthropicAdapter{}, true
	case models.ShapeOpenAI:
		return openAIAdapter{}, true
	case models.ShapeGemini:
		return geminiAdapter{}, true
	}
	return nil, false
}

// envelope decodes the top-level object into raw fields, preserving every
// key for lossless re-encode.
func envelope(shape models.ProviderShape, raw []byte) (map[string]json.RawMessage, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Shape: shape, Reason: "malformed JSON body"}
	}
	return env, nil
}

// encodeEnvelope merges the passthrough bag with the fields the pipeline may
// have rewritten (model, generation limits) and marshals the result.
func encodeEnvelope(turn *models.CanonicalTurn, overrides map[string]any) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(turn.Passthrough)+len(overrides))
	for k, v := range turn.Passthrough {
		out[k] = v
	}
	for k, v := range overrides {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s field %q: %w", turn.Shape, k, err)
		}
		out[k] = b
	}
	return json.Marshal(out)
}

func str(env map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := env[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func num(env map[string]json.RawMessage, key string) float64 {
	var f float64
	if raw, ok := env[key]; ok {
		_ = json.Unmarshal(raw, &f)
	}
	return f
}

func boolean(env map[string]json.RawMessage, key string) bool {
	var b bool
	if raw, ok := env[key]; ok {
		_ = json.Unmarshal(raw, &b)
	}
	return b
}
