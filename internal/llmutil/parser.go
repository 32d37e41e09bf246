// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ParseJSONResponse parses an oracle response string into a target Go type.
// It tolerates the usual model formatting quirks: markdown code fences around
// the payload and conversational text before or after it.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	candidate := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	switch {
	case strings.HasPrefix(response, "```"):
		// Markdown wrapping, the most common case.
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			candidate = matches[1]
		}
	case (isObject || isArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "["):
		// JSON buried in conversational text; take the widest bracket span.
		if span, ok := bracketSpan(response, "{", "}"); ok {
			candidate = span
		} else if span, ok := bracketSpan(response, "[", "]"); ok {
			candidate = span
		}
	}

	var result T
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal oracle JSON response: %w. Extracted JSON (truncated): %s", err, truncate(candidate, 500))
	}
	return &result, nil
}

// bracketSpan returns the substring from the first open bracket to the last
// matching close bracket, if that span exists.
func bracketSpan(s, open, close string) (string, bool) {
	first := strings.Index(s, open)
	last := strings.LastIndex(s, close)
	if first == -1 || last == -1 || last <= first {
		return "", false
	}
	return s[first : last+1], true
}

// NonEmptyLines splits a response into trimmed, non-empty lines. Markdown
// fences and list markers are stripped; this feeds the degraded line-oriented
// plan parser when structured parsing fails outright.
func NonEmptyLines(response string) []string {
	var out []string
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "```json")
		line = strings.Trim(line, "`")
		line = strings.TrimLeft(line, "-*0123456789. ")
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// truncate shortens a string for inclusion in error messages.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Byte truncation is fine for error logging.
	return s[:maxLen] + "..."
}
