package notify

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
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/austindbirch/parcelhook/internal/tracing"
)

const (
	SignatureHeader = "X-Parcelhook-Signature" // sha256=<hex>
	TimestampHeader = "X-Parcelhook-Timestamp" // unix seconds
)

// Webhook posts the delivery as JSON to a downstream URL, signed with
// HMAC-SHA256 over body||timestamp when a secret is set.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
	now    func() time.Time
}

func NewWebhook(url, secret string, timeout time.Duration) *Webhook {
	return &Webhook{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

// Sign returns the hex HMAC the receiver should recompute
func Sign(secret string, body []byte, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signed delivery the way a receiver should: both headers
// present, the timestamp within leeway of now and the HMAC matching.
func Verify(secret string, body []byte, ts, signature string, leeway time.Duration, now time.Time) error {
	if ts == "" || signature == "" {
		return errors.New("missing signature headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.Wrap(err, "invalid timestamp")
	}
	skew := now.Unix() - unix
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(leeway.Seconds()) {
		return errors.New("timestamp outside leeway")
	}
	got := strings.TrimPrefix(signature, "sha256=")
	if !hmac.Equal([]byte(got), []byte(Sign(secret, body, ts))) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (w *Webhook) Notify(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return errors.Wrap(err, "encode delivery")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build notify request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range tracing.InjectHeaders(ctx) {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		now := time.Now
		if w.now != nil {
			now = w.now
		}
		ts := strconv.FormatInt(now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.Secret, body, ts))
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post delivery")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify endpoint returned %d", resp.StatusCode)
	}
	return nil
}
