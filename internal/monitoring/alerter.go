package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/config"
	"github.com/sells-group/vmrs-cli/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSystemFailureRate AlertType = "system_failure_rate"
	AlertReviewRate        AlertType = "review_rate"
	AlertCostOverrun       AlertType = "cost_overrun"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	RunID     string         `json:"run_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a run summary against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter. Zero thresholds fall back to the
// defaults: 10% system failures, 50% review and a 5 record minimum.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	if cfg.FailureRateThreshold <= 0 {
		cfg.FailureRateThreshold = 0.10
	}
	if cfg.ReviewRateThreshold <= 0 {
		cfg.ReviewRateThreshold = 0.50
	}
	if cfg.MinRecords <= 0 {
		cfg.MinRecords = 5
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate checks the summary against thresholds and returns any alerts.
// Rate alerts need at least MinRecords terminal records.
func (a *Alerter) Evaluate(s *model.RunSummary) []Alert {
	if s == nil {
		return nil
	}
	var alerts []Alert
	now := a.now()
	terminal := s.Terminal()

	if terminal >= a.cfg.MinRecords {
		if rate := s.FailureRate(); rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertSystemFailureRate,
				Severity: "high",
				RunID:    s.RunID,
				Message: fmt.Sprintf(
					"System failure rate %.1f%% exceeds threshold %.1f%% (%d of %d records)",
					rate*100, a.cfg.FailureRateThreshold*100, s.SystemFailures, terminal,
				),
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       s.SystemFailures,
					"terminal":     terminal,
				},
				Timestamp: now,
			})
		}

		if rate := s.ReviewRate(); rate > a.cfg.ReviewRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertReviewRate,
				Severity: "medium",
				RunID:    s.RunID,
				Message: fmt.Sprintf(
					"Review rate %.1f%% exceeds threshold %.1f%% (%d of %d records)",
					rate*100, a.cfg.ReviewRateThreshold*100, s.BusinessReview, terminal,
				),
				Details: map[string]any{
					"review_rate": rate,
					"threshold":   a.cfg.ReviewRateThreshold,
					"review":      s.BusinessReview,
					"terminal":    terminal,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.CostThresholdUSD > 0 && s.CostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:     AlertCostOverrun,
			Severity: "high",
			RunID:    s.RunID,
			Message: fmt.Sprintf(
				"API cost $%.2f exceeds threshold $%.2f",
				s.CostUSD, a.cfg.CostThresholdUSD,
			),
			Details: map[string]any{
				"cost_usd":      s.CostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"oracle_calls":  s.OracleCalls,
				"search_calls":  s.SearchCalls,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Notify logs every alert and delivers them to the webhook when one is
// configured. It returns the number delivered.
func (a *Alerter) Notify(ctx context.Context, alerts []Alert) int {
	for _, alert := range alerts {
		zap.L().Warn("monitoring: threshold breached",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("run_id", alert.RunID),
			zap.String("message", alert.Message),
		)
	}
	return a.SendAlerts(ctx, alerts)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
