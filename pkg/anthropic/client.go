// Package anthropic sends single-turn classification prompts to Claude
// through the official SDK.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// Client completes one prompt.
type Client interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// Prompt is one single-turn request. Context is the category material
// shared by every call for that category; it is sent as the first system
// block with a five minute cache breakpoint. Instructions follow it
// uncached.
type Prompt struct {
	Model        string
	MaxTokens    int64
	Temperature  float64
	Context      string
	Instructions string
	Question     string
}

// Completion is the text Claude returned and what it cost.
type Completion struct {
	ID    string
	Model string
	Text  string
	// Truncated is set when the answer stopped at MaxTokens.
	Truncated bool
	Usage     Usage
}

// Usage counts tokens, split by prompt cache behavior.
type Usage struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// Option configures the client.
type Option func(*[]option.RequestOption)

// WithBaseURL points the client at another host, such as a test server.
func WithBaseURL(url string) Option {
	return func(o *[]option.RequestOption) {
		*o = append(*o, option.WithBaseURL(url))
	}
}

type sdkClient struct {
	client sdk.Client
}

// NewClient creates a client with SDK retries disabled; the oracle owns
// retry and backoff.
func NewClient(apiKey string, opts ...Option) Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &sdkClient{client: sdk.NewClient(reqOpts...)}
}

func (c *sdkClient) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	msg, err := c.client.Messages.New(ctx, messageParams(p))
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: create message")
	}
	return completion(msg), nil
}

// StatusCode is the HTTP status of an API error, or 0 when err never
// reached the API.
func StatusCode(err error) int {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func messageParams(p Prompt) sdk.MessageNewParams {
	params := sdk.MessageNewParams{
		Model:       sdk.Model(p.Model),
		MaxTokens:   p.MaxTokens,
		Temperature: sdk.Float(p.Temperature),
		Messages:    []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(p.Question))},
	}
	if p.Context != "" {
		block := sdk.TextBlockParam{Text: p.Context, CacheControl: sdk.NewCacheControlEphemeralParam()}
		block.CacheControl.TTL = sdk.CacheControlEphemeralTTLTTL5m
		params.System = append(params.System, block)
	}
	if p.Instructions != "" {
		params.System = append(params.System, sdk.TextBlockParam{Text: p.Instructions})
	}
	return params
}

func completion(msg *sdk.Message) *Completion {
	var text strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	return &Completion{
		ID:        msg.ID,
		Model:     string(msg.Model),
		Text:      text.String(),
		Truncated: msg.StopReason == sdk.StopReasonMaxTokens,
		Usage: Usage{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}
}
