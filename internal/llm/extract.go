package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first top-level JSON object or array out of a raw LLM
// reply, tolerating markdown code fences and leading/trailing prose, then
// unmarshals it into dst. Malformed output is an InvalidInput condition for
// the caller (Strategist/Reflection) to log and skip, not an engine error.
func ExtractJSON(raw string, dst any) error {
	body := stripCodeFence(raw)

	start := strings.IndexAny(body, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON object found in llm response")
	}

	open := body[start]
	close := byte('}')
	if open == '[' {
		close = ']'
	}

	end := matchingBrace(body, start, open, close)
	if end < 0 {
		return fmt.Errorf("unterminated JSON in llm response")
	}

	if err := json.Unmarshal([]byte(body[start:end+1]), dst); err != nil {
		return fmt.Errorf("parsing llm json: %w", err)
	}
	return nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// matchingBrace returns the index of the brace/bracket matching the one at
// start, respecting string literals and escapes, or -1 if unbalanced.
func matchingBrace(s string, start int, open, close byte) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
