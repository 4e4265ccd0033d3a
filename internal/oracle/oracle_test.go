package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/resilience"
)

type mapping struct {
	Code       string `json:"code"`
	Confidence int    `json:"confidence"`
}

func validMapping(m *mapping) error {
	if m.Code == "" {
		return errors.New("code is required")
	}
	return nil
}

func testClient(o Oracle, clock *resilience.FakeClock) *Client {
	return NewClient(o, Options{
		Timeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
			Clock:          clock,
		},
		Breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			Clock:            clock,
		}),
	})
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"prose", `Here you go: {"a": {"b": 2}} thanks`, `{"a": {"b": 2}}`},
		{"array first", `[{"a":1},{"a":2}]`, `[{"a":1},{"a":2}]`},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cleanJSON(tt.in))
		})
	}
}

func TestDecode(t *testing.T) {
	got, err := Decode(`{"code":"013-001-001","confidence":96}`, validMapping)
	require.NoError(t, err)
	assert.Equal(t, "013-001-001", got.Code)

	_, err = Decode(`{"code":"","confidence":96}`, validMapping)
	assert.True(t, IsMalformed(err))

	_, err = Decode(`{"code":"x","confidence":96,"extra":true}`, validMapping)
	assert.True(t, IsMalformed(err), "unknown fields are rejected")

	_, err = Decode[mapping](`{"code": "x", "confid`, nil)
	assert.True(t, IsMalformed(err))
}

func TestInvoke_ThreeTransientFailuresThenSuccess(t *testing.T) {
	clock := resilience.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	transient := resilience.NewTransientError(errors.New("rate limited"), 429)
	o := NewScripted().Push(StageMapping,
		Step{Err: transient},
		Step{Err: transient},
		Step{Err: transient},
		Step{Text: `{"code":"013-002-001","confidence":88}`},
	)

	got, trace, err := Invoke(context.Background(), testClient(o, clock), Request{Stage: StageMapping}, validMapping)
	require.NoError(t, err)
	assert.Equal(t, "013-002-001", got.Code)
	assert.Equal(t, 4, trace.Attempts.Count)
	assert.Equal(t, 3, trace.Attempts.Retries())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, clock.Sleeps())
	assert.Equal(t, 4, o.Calls(StageMapping))
}

func TestInvoke_MalformedBecomesPermanent(t *testing.T) {
	clock := resilience.NewFakeClock(time.Now())
	o := NewScripted().Default(StageRouter, func(Request) (string, error) {
		return "I am not JSON", nil
	})

	_, trace, err := Invoke(context.Background(), testClient(o, clock), Request{Stage: StageRouter}, validMapping)
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.True(t, IsMalformed(err))
	assert.Equal(t, 4, trace.Attempts.Count)
}

func TestInvoke_PermanentErrorNotRetried(t *testing.T) {
	clock := resilience.NewFakeClock(time.Now())
	o := NewScripted().Push(StageMapping, Step{Err: resilience.NewPermanentError("oracle_rejected", errors.New("400"))})

	_, trace, err := Invoke(context.Background(), testClient(o, clock), Request{Stage: StageMapping}, validMapping)
	require.Error(t, err)
	assert.Equal(t, 1, trace.Attempts.Count)
	assert.Empty(t, clock.Sleeps())
}

func TestInvoke_TimeoutIsTransient(t *testing.T) {
	clock := resilience.NewFakeClock(time.Now())
	var calls int
	slow := Func(func(ctx context.Context, _ Request) (*Response, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Response{Text: `{"code":"a","confidence":1}`}, nil
	})
	c := testClient(slow, clock)
	c.timeout = 10 * time.Millisecond

	got, trace, err := Invoke(context.Background(), c, Request{Stage: StageMapping}, validMapping)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Code)
	assert.Equal(t, 2, trace.Attempts.Count)
}

func TestInvoke_UsageAccumulatesAcrossAttempts(t *testing.T) {
	clock := resilience.NewFakeClock(time.Now())
	o := NewScripted().Push(StageSynthesis,
		Step{Text: `{"code":""}`},
		Step{Text: `{"code":"b","confidence":2}`},
	)
	_, trace, err := Invoke(context.Background(), testClient(o, clock), Request{Stage: StageSynthesis}, validMapping)
	require.NoError(t, err)
	assert.Positive(t, trace.Usage.OutputTokens)
	assert.Equal(t, "scripted", trace.Model)
}

func TestScripted_NoAnswer(t *testing.T) {
	_, err := NewScripted().Complete(context.Background(), Request{Stage: "unknown"})
	require.Error(t, err)
}
