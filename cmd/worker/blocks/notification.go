package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/lyzr/flowengine/common/breaker"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

// Notification posts a message payload to a webhook. Delivery failures are
// transient so the executor retries them.
type Notification struct {
	client  *http.Client
	breaker *breaker.Breaker
}

// NewNotification creates the handler
func NewNotification(client *http.Client, br *breaker.Breaker) *Notification {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Notification{client: client, breaker: br}
}

// Execute implements Handler
func (n *Notification) Execute(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
	rawURL, _ := bctx.Inputs["webhook_url"].(string)
	if rawURL == "" {
		return nil, faults.New(faults.KindBadConfig, "notification: webhook_url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, faults.New(faults.KindBadConfig, "notification: invalid webhook_url %q", rawURL)
	}

	message, _ := bctx.Inputs["message"].(string)
	payload := map[string]any{
		"message":      message,
		"execution_id": bctx.ExecutionID.String(),
		"node_id":      bctx.NodeID,
		"sent_at":      time.Now().UTC().Format(time.RFC3339),
	}
	if extra, ok := bctx.Inputs["payload"].(map[string]any); ok {
		for k, v := range extra {
			payload[k] = v
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, faults.Wrap(faults.KindBadConfig, err, "notification: payload not serializable")
	}

	deliver := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
		if err != nil {
			return faults.Wrap(faults.KindBadConfig, err, "notification: building request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "notification: posting to %s", parsed.Host)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			kind := faults.KindPermanent
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				kind = faults.KindTransient
			}
			return faults.New(kind, "notification: webhook returned %d", resp.StatusCode)
		}
		return nil
	}

	var callErr error
	if n.breaker != nil {
		callErr = n.breaker.Do(ctx, parsed.Host, deliver)
	} else {
		callErr = deliver(ctx)
	}
	if callErr != nil {
		return nil, callErr
	}

	bctx.Log(models.LogInfo, "notification delivered", map[string]any{"host": parsed.Host})
	return &Result{Output: map[string]any{"delivered": true}}, nil
}
