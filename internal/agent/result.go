package agent

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Error messages derived from a failed run's result payload
const (
	ErrTextEmptyResult = "Agent returned empty results. Check your prompt or engine configuration."
	ErrTextRunFailed   = "Run failed"
)

var answerPattern = regexp.MustCompile(`"(?:answer|final_answer|output)"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// ExtractText returns the human readable answer of a result payload.
// Known string keys are tried in order (answer, output, text, content), then
// an answer-like key anywhere in the serialized payload, then the payload as
// indented JSON. It reports false when there is nothing to show.
func ExtractText(raw json.RawMessage) (string, bool) {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return "", false
	}
	if !truthy(v) {
		return "", false
	}

	switch r := v.(type) {
	case string:
		return r, true
	case map[string]any:
		for _, key := range []string{"answer", "output", "text", "content"} {
			if s, ok := r[key].(string); ok && s != "" {
				return s, true
			}
		}
		if len(r) > 0 && allEmpty(r) {
			return "", false
		}
		if m := answerPattern.FindStringSubmatch(marshalCompact(r)); m != nil {
			return unescape(m[1]), true
		}
	}

	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw), true
	}
	return string(pretty), true
}

// ExtractError returns the error message of a failed run. An explicit error
// field wins; an object whose values are all empty yields ErrTextEmptyResult.
func ExtractError(raw json.RawMessage) string {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil {
		return ErrTextRunFailed
	}
	r, ok := v.(map[string]any)
	if !ok {
		return ErrTextRunFailed
	}
	if e, ok := r["error"]; ok {
		if s, ok := e.(string); ok {
			return s
		}
		return marshalCompact(e)
	}
	if allEmpty(r) {
		return ErrTextEmptyResult
	}
	return ErrTextRunFailed
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case float64:
		return x != 0
	}
	return true
}

func allEmpty(m map[string]any) bool {
	for _, v := range m {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return false
	}
	return true
}

func marshalCompact(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// unescape decodes a JSON string body captured by answerPattern
func unescape(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, `\\`, `\`)
}
