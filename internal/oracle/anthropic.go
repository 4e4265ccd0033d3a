package oracle

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/pkg/anthropic"
)

// AnthropicOracle answers requests with a Claude model at temperature 0.
type AnthropicOracle struct {
	client      anthropic.Client
	model       string
	temperature float64
}

// NewAnthropic creates an Oracle backed by client.
func NewAnthropic(client anthropic.Client, model string, temperature float64) *AnthropicOracle {
	return &AnthropicOracle{client: client, model: model, temperature: temperature}
}

// Complete sends one message. HTTP 408, 429, 529 and 5xx responses come
// back as resilience.TransientError; other API errors are permanent.
func (a *AnthropicOracle) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := a.client.Complete(ctx, anthropic.Prompt{
		Model:       a.model,
		MaxTokens:   req.MaxTokens,
		Temperature: a.temperature,
		Context:     req.System,
		Question:    req.Prompt,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); code != 0 {
			if resilience.IsTransientHTTPStatus(code) || code == 529 {
				return nil, resilience.NewTransientError(err, code)
			}
			return nil, resilience.NewPermanentError("oracle_rejected", err)
		}
		return nil, eris.Wrapf(err, "oracle: %s call", req.Stage)
	}
	if resp.Truncated {
		return nil, eris.Wrapf(ErrMalformedResponse, "%s response truncated at %d tokens", req.Stage, req.MaxTokens)
	}

	return &Response{
		Text:  resp.Text,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:      resp.Usage.Input,
			OutputTokens:     resp.Usage.Output,
			CacheWriteTokens: resp.Usage.CacheWrite,
			CacheReadTokens:  resp.Usage.CacheRead,
		},
	}, nil
}
