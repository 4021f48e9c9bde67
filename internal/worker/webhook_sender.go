package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/freshtrack/internal/notify"
	"github.com/lalithlochan/freshtrack/internal/queue"
)

// WebhookSender POSTs the rendered alert document to customer endpoints,
// signed with the shared secret.
type WebhookSender struct {
	client  *http.Client
	secret  []byte
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

type WebhookConfig struct {
	// Secret signs every request body. Receivers verify with notify.Verify.
	Secret string

	// Timeout bounds each request, default 10s.
	Timeout time.Duration
}

func NewWebhookSender(logger *zap.Logger, cfg WebhookConfig) *WebhookSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &WebhookSender{
		client:  &http.Client{},
		secret:  []byte(cfg.Secret),
		timeout: timeout,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *WebhookSender) Send(ctx context.Context, d *notify.Delivery) error {
	if err := requireRecipient(d, notify.ChannelWebhook); err != nil {
		return err
	}

	target, err := url.Parse(d.Job.Recipient)
	if err != nil || (target.Scheme != "https" && target.Scheme != "http") || target.Host == "" {
		return queue.Unrecoverable(fmt.Errorf("invalid webhook url %q", d.Job.Recipient))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body := []byte(d.Job.Content.Body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return queue.Unrecoverable(fmt.Errorf("build webhook request: %w", err))
	}

	ts := s.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "FreshTrack-Webhooks/1.0")
	req.Header.Set(notify.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(notify.HeaderSignature, notify.Sign(s.secret, ts, body))
	req.Header.Set(notify.HeaderDelivery, d.Job.DedupKey())
	req.Header.Set(notify.HeaderOrganization, d.Job.OrganizationID.String())
	req.Header.Set(notify.HeaderEvent, string(d.Job.Event))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, preview)
	}

	s.logger.Info("webhook delivered",
		zap.String("job_id", d.JobID),
		zap.String("alert_id", d.Job.AlertID.String()),
		zap.String("host", target.Host),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func (s *WebhookSender) SupportsChannel(ch notify.Channel) bool {
	return ch == notify.ChannelWebhook
}
