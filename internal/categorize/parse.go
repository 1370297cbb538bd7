package categorize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func categorizationSchema() map[string]any {
	return map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []string{"category", "confidence", "reasoning"},
		"properties": map[string]any{
			"category":   map[string]any{"type": "string", "enum": Categories},
			"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			"reasoning":  map[string]any{"type": "string"},
		},
	}
}

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		b, err := json.Marshal(categorizationSchema())
		if err != nil {
			schemaErr = fmt.Errorf("marshaling schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("categorization.json", bytes.NewReader(b)); err != nil {
			schemaErr = fmt.Errorf("adding schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("categorization.json")
	})
	return compiledSchema, schemaErr
}

// parseCategorization extracts and validates the JSON object in a model response
func parseCategorization(text string) (*Categorization, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	raw := []byte(text[startIdx : endIdx+1])

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("json does not match schema: %w", err)
	}

	var out struct {
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshaling categorization: %w", err)
	}

	return &Categorization{
		Category:   out.Category,
		Confidence: int(math.Round(out.Confidence)),
		Reasoning:  strings.TrimSpace(out.Reasoning),
	}, nil
}

// fromResponse parses a model response, substituting Fallback for anything unusable
func fromResponse(provider, text string) *Categorization {
	c, err := parseCategorization(text)
	if err != nil {
		logInvalid(provider, text, err)
		return Fallback()
	}
	return c
}

func logInvalid(provider, text string, err error) {
	if len(text) > 512 {
		text = text[:512] + "...(truncated)"
	}
	slog.Warn("model returned an invalid categorization, using fallback",
		"provider", provider,
		"error", err,
		"response", text)
}
