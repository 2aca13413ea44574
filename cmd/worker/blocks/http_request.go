package blocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lyzr/flowengine/common/breaker"
	"github.com/lyzr/flowengine/common/faults"
	"github.com/lyzr/flowengine/common/models"
)

const maxResponseBytes = 1 << 20 // 1 MiB

// HTTPRequest calls an external endpoint. Calls are routed through a circuit
// breaker keyed by target host; 5xx and transport errors are transient,
// 4xx are permanent.
type HTTPRequest struct {
	client  *http.Client
	breaker *breaker.Breaker
}

// NewHTTPRequest creates the handler. A nil client gets a default with a
// sane timeout; the per-node context still bounds the overall call.
func NewHTTPRequest(client *http.Client, br *breaker.Breaker) *HTTPRequest {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRequest{client: client, breaker: br}
}

// Execute implements Handler
func (h *HTTPRequest) Execute(ctx context.Context, node *models.Node, bctx *Context) (*Result, error) {
	rawURL, _ := bctx.Inputs["url"].(string)
	if rawURL == "" {
		return nil, faults.New(faults.KindBadConfig, "http_request: url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return nil, faults.New(faults.KindBadConfig, "http_request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringOr(bctx.Inputs["method"], http.MethodGet))

	var body io.Reader
	if raw, ok := bctx.Inputs["body"]; ok && raw != nil {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, faults.Wrap(faults.KindBadConfig, err, "http_request: body not serializable")
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, faults.Wrap(faults.KindBadConfig, err, "http_request: building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := bctx.Inputs["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	bctx.Log(models.LogInfo, "http request", map[string]any{
		"method": method,
		"host":   parsed.Host,
	})

	var resp *http.Response
	callErr := h.do(ctx, parsed.Host, func(ctx context.Context) error {
		var err error
		resp, err = h.client.Do(req) //nolint:bodyclose // closed below
		if err != nil {
			return faults.Wrap(faults.KindTransient, err, "http_request: %s %s", method, parsed.Host)
		}
		if resp.StatusCode >= 500 {
			// Count server errors as breaker failures
			return faults.New(faults.KindTransient, "http_request: upstream returned %d", resp.StatusCode)
		}
		return nil
	})
	if resp == nil {
		return nil, callErr
	}
	defer resp.Body.Close()

	payload, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if readErr != nil {
		return nil, faults.Wrap(faults.KindTransient, readErr, "http_request: reading response")
	}

	if callErr != nil {
		return nil, callErr
	}
	if resp.StatusCode >= 400 {
		return nil, faults.New(faults.KindPermanent, "http_request: upstream returned %d", resp.StatusCode)
	}

	return &Result{Output: map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    decodeBody(payload),
	}}, nil
}

func (h *HTTPRequest) do(ctx context.Context, host string, fn func(ctx context.Context) error) error {
	if h.breaker == nil {
		return fn(ctx)
	}
	return h.breaker.Do(ctx, host, fn)
}

// decodeBody returns parsed JSON when the payload is JSON, the raw string
// otherwise
func decodeBody(payload []byte) any {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(trimmed, &decoded); err == nil {
		return decoded
	}
	return string(payload)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
