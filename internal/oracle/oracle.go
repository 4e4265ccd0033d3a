// Package oracle is the boundary to the external inference collaborator.
// Every call is stateless, deterministic in configuration, bounded by a
// timeout and a rate limit, and its output is decoded against a fixed schema
// before any stage trusts it.
package oracle

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Stage names used in requests and cost attribution.
const (
	StageRouter    = "router"
	StageSynthesis = "synthesis"
	StageMapping   = "mapping"
)

// ErrMalformedResponse marks oracle output that failed schema validation.
var ErrMalformedResponse = eris.New("oracle: malformed response")

// Request is a bounded prompt payload. System carries the category context
// shared by every call for a category; Prompt carries the per-call part.
// Payload is the structured input the prompt was rendered from, which lets
// deterministic stand-ins answer without parsing prose.
type Request struct {
	Stage     string
	System    string
	Prompt    string
	Payload   any
	MaxTokens int64
}

// Usage is token consumption for one call.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Add accumulates o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheWriteTokens += o.CacheWriteTokens
	u.CacheReadTokens += o.CacheReadTokens
}

// Response is the raw text answer of one call.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Oracle answers one request. Implementations hold no session state across
// calls.
type Oracle interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Decode extracts the JSON document from text into v and runs validate on
// it. Any failure wraps ErrMalformedResponse.
func Decode[T any](text string, validate func(*T) error) (T, error) {
	var v T
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return v, eris.Wrap(ErrMalformedResponse, "empty response")
	}
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, eris.Wrapf(ErrMalformedResponse, "decode: %v", err)
	}
	if validate != nil {
		if err := validate(&v); err != nil {
			return v, eris.Wrapf(ErrMalformedResponse, "schema: %v", err)
		}
	}
	return v, nil
}

// IsMalformed reports whether err came from schema validation.
func IsMalformed(err error) bool {
	return eris.Is(err, ErrMalformedResponse)
}

// cleanJSON strips markdown fences and extracts the outermost JSON object or
// array. Truncated output is left as is so it fails decoding.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	opener, closer := "{", "}"
	if o, a := strings.Index(text, "{"), strings.Index(text, "["); a >= 0 && (o < 0 || a < o) {
		opener, closer = "[", "]"
	}
	start := strings.Index(text, opener)
	end := strings.LastIndex(text, closer)
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
