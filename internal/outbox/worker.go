// Package outbox delivers queued inbound envelopes to the backend
// webhook with exponential backoff.
package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/agentping/internal/bus"
	"github.com/nextlevelbuilder/agentping/internal/config"
	"github.com/nextlevelbuilder/agentping/internal/store"
)

const (
	pollInterval = 2 * time.Second
	batchSize    = 25
	maxRetries   = 10
	parkDelay    = time.Hour

	// EnvelopeIDHeader carries the outbox item id so the backend can
	// correlate and ack deliveries.
	EnvelopeIDHeader = "X-Agent-Ping-Envelope-ID"
	tokenHeader      = "X-Agent-Ping-Token"
)

// Backoff returns the delay before retry attempt n. The schedule is
// 5s, 10s, 20s, ... doubling and capped at 300s. Non-positive n takes
// the base delay.
func Backoff(retry int) time.Duration {
	if retry <= 0 {
		return 5 * time.Second
	}
	exp := retry - 1
	if exp > 8 {
		exp = 8
	}
	secs := 5 * (1 << exp)
	if secs > 300 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// Worker polls the outbox and pushes due envelopes to the webhook.
type Worker struct {
	cfg      config.BackendConfig
	outbox   store.OutboxStore
	events   bus.EventPublisher
	http     *http.Client
	interval time.Duration
}

func New(cfg config.BackendConfig, outbox store.OutboxStore, events bus.EventPublisher) *Worker {
	return &Worker{
		cfg:      cfg,
		outbox:   outbox,
		events:   events,
		http:     &http.Client{Timeout: 30 * time.Second},
		interval: pollInterval,
	}
}

// Run polls until ctx is done. Without a webhook URL the worker exits
// immediately and envelopes stay queued for a later config change.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.WebhookURL == "" {
		slog.Info("outbox worker disabled, no webhook url configured")
		return nil
	}
	slog.Info("outbox worker starting", "webhook", w.cfg.WebhookURL)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drain(ctx); err != nil {
				slog.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// drain claims one due batch and attempts delivery for each item.
func (w *Worker) drain(ctx context.Context) error {
	items, err := w.outbox.ClaimBatch(ctx, time.Now(), batchSize)
	if err != nil {
		return err
	}
	for _, item := range items {
		w.attempt(ctx, item)
	}
	return nil
}

func (w *Worker) attempt(ctx context.Context, item store.OutboxItem) {
	err := w.deliver(ctx, item)
	if err == nil {
		if merr := w.outbox.MarkDelivered(ctx, item.ID); merr != nil {
			slog.Error("outbox mark delivered failed", "id", item.ID, "error", merr)
			return
		}
		w.events.Broadcast(bus.Event{Name: "status", Payload: map[string]any{
			"envelope_id": item.ID,
			"status":      "delivered",
			"retries":     item.RetryCount,
		}})
		return
	}

	retry := item.RetryCount + 1
	delay := Backoff(retry)
	if retry >= maxRetries {
		// Parked, retried hourly until the backend comes back.
		delay = parkDelay
	}
	next := time.Now().Add(delay)
	slog.Warn("outbox delivery failed",
		"id", item.ID, "retry", retry, "next_attempt", next, "error", err)
	if merr := w.outbox.MarkFailed(ctx, item.ID, retry, next, err.Error()); merr != nil {
		slog.Error("outbox mark failed failed", "id", item.ID, "error", merr)
	}
}

func (w *Worker) deliver(ctx context.Context, item store.OutboxItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.WebhookURL,
		bytes.NewReader(item.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EnvelopeIDHeader, item.ID)
	if w.cfg.APIToken != "" {
		req.Header.Set(tokenHeader, w.cfg.APIToken)
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
