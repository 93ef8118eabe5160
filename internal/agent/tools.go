package agent

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultEngine is used when a task does not name one
const DefaultEngine = "tim-gpt"

const plainTextSuffix = "\n\nIMPORTANT: Write your response in plain text only. Do not use markdown formatting " +
	"(no **, ##, ---, `, or | table syntax). Write naturally as if you were a knowledgeable person sending a " +
	"colleague a clear, well-organized email. Use short paragraphs and line breaks for readability."

// Instructions returns the run instructions for a task prompt
func Instructions(prompt string) string {
	return prompt + plainTextSuffix
}

// DefaultTools are the platform tools offered to newly proposed tasks
var DefaultTools = []json.RawMessage{
	json.RawMessage(`{"type":"platform","id":"web_search"}`),
	json.RawMessage(`{"type":"platform","id":"fast_search"}`),
	json.RawMessage(`{"type":"platform","id":"page_reader"}`),
	json.RawMessage(`{"type":"platform","id":"news_search"}`),
	json.RawMessage(`{"type":"platform","id":"google_search"}`),
}

const toolSchemaJSON = `{
	"oneOf": [
		{
			"type": "object",
			"required": ["type", "id"],
			"properties": {
				"type": {"const": "platform"},
				"id": {"type": "string", "minLength": 1},
				"options": {"type": "object"}
			}
		},
		{
			"type": "object",
			"required": ["type", "name", "description", "url", "method", "parameters"],
			"properties": {
				"type": {"const": "function"},
				"name": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"url": {"type": "string", "minLength": 1},
				"method": {"enum": ["GET", "POST"]},
				"timeout": {"type": "number", "minimum": 0},
				"parameters": {"type": "object"},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}},
				"defaults": {"type": "object"}
			}
		},
		{
			"type": "object",
			"required": ["type", "url"],
			"properties": {
				"type": {"const": "mcp"},
				"url": {"type": "string", "minLength": 1},
				"allow": {"type": "array", "items": {"type": "string"}}
			}
		}
	]
}`

var toolSchema = jsonschema.MustCompileString("tool.json", toolSchemaJSON)

// ValidateTools checks every descriptor against the platform, function and mcp shapes
func ValidateTools(tools []json.RawMessage) error {
	for i, raw := range tools {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("tool %d is not valid JSON: %w", i, err)
		}
		if err := toolSchema.Validate(v); err != nil {
			return fmt.Errorf("tool %d is invalid: %w", i, err)
		}
	}
	return nil
}
