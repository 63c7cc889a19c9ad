package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"image-worker/internal/entity"
)

const DefaultWebhookTimeout = 3 * time.Second

type webhookBody struct {
	ID     string           `json:"id"`
	Worker string           `json:"worker"`
	Status entity.JobStatus `json:"status"`
	Result *entity.Map      `json:"result"`
}

// emitWebhook notifies the caller. Delivery failures are logged only.
func (j *Job) emitWebhook(ctx context.Context) {
	if j.Webhook == nil {
		return
	}
	j.logger.Info("emitting webhook", slog.String("url", j.Webhook.URL))
	if err := j.postWebhook(ctx); err != nil {
		j.logger.Warn("webhook failed", slog.Any("error", err))
	}
}

func (j *Job) postWebhook(ctx context.Context) error {
	body, err := json.Marshal(webhookBody{
		ID:     j.ID,
		Worker: j.deps.Worker,
		Status: j.status,
		Result: j.result,
	})
	if err != nil {
		return fmt.Errorf("encode webhook: %w", err)
	}

	timeout := j.deps.WebhookTimeout
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if j.Webhook.Token != "" {
		req.Header.Set("Authorization", "Bearer "+j.Webhook.Token)
	}

	resp, err := j.deps.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
