package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ExtractJSON returns the JSON object embedded in a model response. Markdown
// fences and any prose around the outermost braces are stripped.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}

// DecodeJSON unmarshals the JSON object embedded in text into T.
func DecodeJSON[T any](text string) (T, error) {
	var out T
	raw := ExtractJSON(text)
	if raw == "" {
		return out, eris.New("llm: empty json response")
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, eris.Wrapf(err, "llm: decode json (%s)", TruncateForLog(raw, 120))
	}
	return out, nil
}

// GenerateJSON performs a JSON call and decodes the response into T.
func GenerateJSON[T any](ctx context.Context, c Client, req Request) (T, *Response, error) {
	req.JSON = true
	resp, err := c.Generate(ctx, req)
	if err != nil {
		var zero T
		return zero, nil, err
	}
	out, err := DecodeJSON[T](resp.Text)
	return out, resp, err
}

// TruncateForLog shortens s to at most n runes, marking the cut.
func TruncateForLog(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
