package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Notifier delivers validation alerts to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, v Validation) error
}

// LogNotifier writes each alert as a structured log event.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, v Validation) error {
	for _, a := range v.Alerts {
		level := slog.LevelWarn
		if a.Level == "critical" {
			level = slog.LevelError
		}
		n.logger.Log(ctx, level, "sync alert",
			"code", a.Code, "message", a.Message, "status", v.Report.Status, "coverage", v.Report.Coverage)
	}
	return nil
}

// WebhookNotifier posts alerts as JSON to a URL.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Text   string  `json:"text"`
	Alerts []Alert `json:"alerts"`
	Report Report  `json:"report"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, v Validation) error {
	body, err := json.Marshal(webhookPayload{
		Text:   fmt.Sprintf("vehicle safety ratings: %d alert(s), status %s, coverage %.1f%%", len(v.Alerts), v.Report.Status, v.Report.Coverage),
		Alerts: v.Alerts,
		Report: v.Report,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// MultiNotifier fans alerts out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, v Validation) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
