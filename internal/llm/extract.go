package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var (
	answerPattern = regexp.MustCompile(`(?is)<answer>\s*(.*?)\s*</answer>`)
	sqlStart      = regexp.MustCompile(`(?i)\b(select|with)\b`)

	errNoJSON = errors.New("no JSON object in model output")
)

// ExtractJSON returns the first JSON object in model output. Content inside
// <answer> tags is preferred, then fenced blocks, then the first balanced
// brace pair. It returns "" when nothing is found.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) && strings.HasPrefix(text, "{") {
		return text
	}
	if m := answerPattern.FindStringSubmatch(text); m != nil {
		if found := extractJSONBody(m[1]); found != "" {
			return found
		}
	}
	return extractJSONBody(text)
}

// DecodeJSON extracts the JSON object from model output into v.
func DecodeJSON(text string, v any) error {
	raw := ExtractJSON(text)
	if raw == "" {
		return errNoJSON
	}
	return json.Unmarshal([]byte(raw), v)
}

func extractJSONBody(text string) string {
	// Try to extract from markdown code fence
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		end := strings.Index(text[start:], "```")
		if end >= 0 {
			return strings.TrimSpace(text[start : start+end])
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		start := idx + len("```")
		end := strings.Index(text[start:], "```")
		if end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if strings.HasPrefix(candidate, "{") {
				return candidate
			}
		}
	}

	// Raw JSON object found by matching braces, skipping string contents.
	depth := 0
	start := -1
	inString, escaped := false, false
	for i, ch := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ExtractSQL pulls a bare SQL statement out of model output that did not
// follow the JSON format: an <answer> block, a ```sql fence, any fence, or
// the text from the first SELECT/WITH keyword.
func ExtractSQL(text string) string {
	if m := answerPattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	for _, fence := range []string{"```sql", "```SQL", "```"} {
		if idx := strings.Index(text, fence); idx >= 0 {
			start := idx + len(fence)
			end := strings.Index(text[start:], "```")
			if end >= 0 {
				if sql := strings.TrimSpace(text[start : start+end]); sql != "" {
					return sql
				}
			}
		}
	}
	loc := sqlStart.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	sql := text[loc[0]:]
	if end := strings.Index(sql, "\n\n"); end >= 0 {
		sql = sql[:end]
	}
	return strings.TrimSpace(sql)
}
