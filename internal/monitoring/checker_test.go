package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/config"
	"github.com/sells-group/vmrs-cli/internal/model"
)

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockRuns{}), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	checker := NewChecker(NewCollector(&mockRuns{}), NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{})
	assert.Equal(t, 24, checker.lookback())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

func TestChecker_CheckNotifiesOnBreach(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	runs := &mockRuns{runs: []model.Run{{
		ID: "a", Status: model.RunStatusComplete, CreatedAt: time.Now().UTC(),
		Summary: &model.RunSummary{
			SystemFailures: 5,
			Dispositions:   map[model.Disposition]int{model.DispositionValidated: 5, model.DispositionFailed: 5},
		},
	}}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL}
	checker := NewChecker(NewCollector(runs), NewAlerter(cfg), cfg)

	alerts := checker.check(context.Background(), zap.NewNop())
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSystemFailureRate, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckQuietWhenHealthy(t *testing.T) {
	runs := &mockRuns{runs: []model.Run{{
		ID: "a", Status: model.RunStatusComplete, CreatedAt: time.Now().UTC(),
		Summary: &model.RunSummary{
			Dispositions: map[model.Disposition]int{model.DispositionValidated: 20},
		},
	}}}
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(runs), NewAlerter(cfg), cfg)

	assert.Empty(t, checker.check(context.Background(), zap.NewNop()))
}
