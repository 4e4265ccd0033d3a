// Package perplexity asks the Perplexity search-grounded chat API for part
// specifications. Each Lookup is one HTTP request; retries and circuit
// breaking belong to the caller.
package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar-pro"
)

// Client answers a single search-grounded question.
type Client interface {
	Lookup(ctx context.Context, q Query) (*Answer, error)
}

// Query is one part specification question. Instructions become the
// system message and Question the user message. Domains, when set,
// restricts which sites the provider may cite.
type Query struct {
	Model        string
	Instructions string
	Question     string
	Domains      []string
	MaxTokens    int
}

// Answer is the first completion and the pages it was grounded on.
type Answer struct {
	Model     string
	Text      string
	Citations []string
	Tokens    int
}

// StatusError carries a non-200 status so callers can decide whether the
// lookup is worth retrying.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("perplexity: unexpected status %d: %s", e.StatusCode, e.Body)
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model        string    `json:"model"`
	Messages     []message `json:"messages"`
	Temperature  float64   `json:"temperature"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	DomainFilter []string  `json:"search_domain_filter,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
	Usage     struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL points the client at another endpoint, such as a test server.
func WithBaseURL(url string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the model used when a Query leaves Model empty.
func WithModel(model string) Option {
	return func(c *httpClient) {
		if model != "" {
			c.model = model
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
}

// NewClient creates a Perplexity client. The per-request deadline comes
// from the caller's context.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{Transport: &http.Transport{IdleConnTimeout: 90 * time.Second}},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Lookup(ctx context.Context, q Query) (*Answer, error) {
	req := completionRequest{
		Model:        q.Model,
		MaxTokens:    q.MaxTokens,
		DomainFilter: q.Domains,
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if q.Instructions != "" {
		req.Messages = append(req.Messages, message{Role: "system", Content: q.Instructions})
	}
	req.Messages = append(req.Messages, message{Role: "user", Content: q.Question})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: send request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "perplexity: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out completionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, eris.Wrap(err, "perplexity: decode response")
	}
	ans := &Answer{
		Model:     out.Model,
		Citations: out.Citations,
		Tokens:    out.Usage.PromptTokens + out.Usage.CompletionTokens,
	}
	if len(out.Choices) > 0 {
		ans.Text = out.Choices[0].Message.Content
	}
	return ans, nil
}
