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

	"github.com/sells-group/tripjoin/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStaleHalfTrips   AlertType = "stale_half_trips"
	AlertStaleUncommitted AlertType = "stale_uncommitted"
	AlertMergeFailures    AlertType = "merge_failures"
	AlertDeadLetterDepth  AlertType = "dead_letter_depth"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.StaleHalfTrips > a.cfg.StaleHalfThreshold {
		details := map[string]any{
			"count":     snap.StaleHalfTrips,
			"threshold": a.cfg.StaleHalfThreshold,
			"sample":    snap.SampleTripIDs,
		}
		if snap.OldestStaleAt != nil {
			details["oldest"] = snap.OldestStaleAt.Format(time.RFC3339)
		}
		alerts = append(alerts, Alert{
			Type:     AlertStaleHalfTrips,
			Severity: "medium",
			Message: fmt.Sprintf("%d trips have waited more than %dm for their other half (threshold %d)",
				snap.StaleHalfTrips, snap.StalenessMins, a.cfg.StaleHalfThreshold),
			Details:   details,
			Timestamp: now,
		})
	}

	if snap.StaleUncommitted > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleUncommitted,
			Severity: "high",
			Message: fmt.Sprintf("%d trips have both halves but no completed record after %dm; run reconcile",
				snap.StaleUncommitted, snap.StalenessMins),
			Details:   map[string]any{"count": snap.StaleUncommitted},
			Timestamp: now,
		})
	}

	if snap.MergeFailures > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertMergeFailures,
			Severity:  "high",
			Message:   fmt.Sprintf("%d trips failed to merge and are in the dead-letter queue", snap.MergeFailures),
			Details:   map[string]any{"count": snap.MergeFailures},
			Timestamp: now,
		})
	}

	if snap.DLQDepth > a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterDepth,
			Severity: "medium",
			Message: fmt.Sprintf("dead-letter depth %d exceeds threshold %d",
				snap.DLQDepth, a.cfg.DeadLetterThreshold),
			Details: map[string]any{
				"depth":     snap.DLQDepth,
				"threshold": a.cfg.DeadLetterThreshold,
				"by_stage":  snap.DeadLetters,
			},
			Timestamp: now,
		})
	}

	return alerts
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
