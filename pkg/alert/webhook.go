package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// EventJobFailed is the only event a webhook receives today.
const EventJobFailed = "job.failed"

// Delivery is the JSON body posted to a webhook.
type Delivery struct {
	Event  string        `json:"event"`
	SentAt time.Time     `json:"sent_at"`
	Job    *Notification `json:"job"`
}

// Webhook delivers failed-job events to a receiver that verifies them with a
// shared secret. The signature covers the timestamp header and the body.
type Webhook struct {
	client *http.Client
	url    string
	secret string
	now    func() time.Time
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		secret: secret,
		now:    time.Now,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Sign returns the X-Signature-256 value for a delivery sent at ts (unix seconds).
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *Webhook) Send(ctx context.Context, n *Notification) error {
	sent := w.now().UTC()
	body, err := json.Marshal(Delivery{Event: EventJobFailed, SentAt: sent, Job: n})
	if err != nil {
		return fmt.Errorf("marshal delivery for job %s: %w", n.JobID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	ts := strconv.FormatInt(sent.Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "insightradar/1.0")
	req.Header.Set("X-Insightradar-Event", EventJobFailed)
	req.Header.Set("X-Insightradar-Delivery", n.JobID)
	req.Header.Set("X-Insightradar-Timestamp", ts)
	if w.secret != "" {
		req.Header.Set("X-Signature-256", Sign(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver job %s: %w", n.JobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver job %s: receiver status %d", n.JobID, resp.StatusCode)
	}
	return nil
}
