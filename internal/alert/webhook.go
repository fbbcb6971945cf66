package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/spaceai-verifier/internal/domain"
	"github.com/xela07ax/spaceai-verifier/internal/infra"
	"go.uber.org/zap"
)

const (
	FormatGeneric   = "generic"
	FormatSlack     = "slack"
	FormatPagerDuty = "pagerduty"

	requestTimeout = 5 * time.Second
	maxAttempts    = 3
)

// Webhook отправляет алерты на один адрес. 5xx и сетевые ошибки повторяются, 4xx нет.
type Webhook struct {
	cfg    infra.WebhookConfig
	kinds  map[domain.AlertKind]bool // Пусто = все виды
	client *http.Client
	logger *zap.Logger
}

func NewWebhook(cfg infra.WebhookConfig, logger *zap.Logger) *Webhook {
	kinds := make(map[domain.AlertKind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[domain.AlertKind(k)] = true
	}
	return &Webhook{
		cfg:    cfg,
		kinds:  kinds,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger.Named("webhook"),
	}
}

// Accepts — подписан ли вебхук на этот вид алертов.
func (w *Webhook) Accepts(kind domain.AlertKind) bool {
	return len(w.kinds) == 0 || w.kinds[kind]
}

func (w *Webhook) Notify(ctx context.Context, a domain.Alert) error {
	if !w.Accepts(a.Kind) {
		return nil
	}
	body, err := FormatPayload(w.cfg, a)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.DelayType(retry.BackOffDelay),
	)
	err = r.Do(func() error { return w.post(ctx, body) })
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.cfg.URL, err)
	}
	w.logger.Debug("alert delivered", zap.String("alert_id", a.ID), zap.String("format", w.cfg.Format))
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Unrecoverable(fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}

// FormatPayload собирает тело запроса в формате вебхука.
func FormatPayload(cfg infra.WebhookConfig, a domain.Alert) ([]byte, error) {
	switch cfg.Format {
	case FormatSlack:
		return formatSlack(a)
	case FormatPagerDuty:
		return formatPagerDuty(cfg.RoutingKey, a)
	default:
		return json.Marshal(a)
	}
}

func formatSlack(a domain.Alert) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", a.Severity)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:* %s", a.AgentID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Execution:* %s", a.ExecutionID)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Message:* %s", a.Message)},
	}
	payload := map[string]any{
		"text": fmt.Sprintf("verifier %s: %s", a.Kind, a.Message),
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{"type": "plain_text", "text": fmt.Sprintf("verifier: %s", a.Kind)},
			},
			map[string]any{"type": "section", "fields": fields},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(routingKey string, a domain.Alert) ([]byte, error) {
	details := map[string]any{
		"kind":         string(a.Kind),
		"org_id":       a.OrgID,
		"agent_id":     a.AgentID,
		"execution_id": a.ExecutionID,
	}
	for k, v := range a.Details {
		details[k] = v
	}
	payload := map[string]any{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    a.ID,
		"payload": map[string]any{
			"summary":        fmt.Sprintf("verifier %s: %s", a.Kind, a.Message),
			"severity":       string(a.Severity),
			"source":         "spaceai-verifier",
			"timestamp":      a.Timestamp.UTC().Format(time.RFC3339),
			"custom_details": details,
		},
	}
	return json.Marshal(payload)
}
