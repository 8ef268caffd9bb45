package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	otelapi "go.opentelemetry.io/otel"

	obs "github.com/basket/actiongate/internal/otel"
)

// ErrUpstreamNotConfigured reports an action whose upstream has no
// base URL. Actions stay validated and idempotency-guarded; only the
// final call is refused.
var ErrUpstreamNotConfigured = errors.New("actions: upstream not configured")

const upstreamTimeout = 15 * time.Second

// Upstream is a JSON-over-HTTP client for one collaborator service.
type Upstream struct {
	httpc   *http.Client
	baseURL string
	token   string
}

func NewUpstream(baseURL, token string) *Upstream {
	return &Upstream{
		httpc:   &http.Client{Timeout: upstreamTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (u *Upstream) post(ctx context.Context, path string, body, out any) error {
	if u == nil || u.baseURL == "" {
		return ErrUpstreamNotConfigured
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s: upstream status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// HelpdeskClient talks to the ticketing platform's reply endpoint.
type HelpdeskClient struct {
	up *Upstream
}

func NewHelpdeskClient(up *Upstream) *HelpdeskClient { return &HelpdeskClient{up: up} }

func (c *HelpdeskClient) SendReply(ctx context.Context, conversationID, text string) (string, error) {
	ctx, span := obs.StartClientSpan(ctx, otelapi.Tracer(obs.TracerName), "helpdesk.send_reply")
	defer span.End()

	var out struct {
		MessageID string `json:"message_id"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/reply"
	if err := c.up.post(ctx, path, map[string]string{"text": text}, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// PaymentsClient issues refunds.
type PaymentsClient struct {
	up *Upstream
}

func NewPaymentsClient(up *Upstream) *PaymentsClient { return &PaymentsClient{up: up} }

func (c *PaymentsClient) Refund(ctx context.Context, chargeID string, amount float64, currency string) (string, error) {
	ctx, span := obs.StartClientSpan(ctx, otelapi.Tracer(obs.TracerName), "payments.refund")
	defer span.End()

	var out struct {
		RefundID string `json:"refund_id"`
	}
	err := c.up.post(ctx, "/refunds", map[string]any{
		"charge_id": chargeID,
		"amount":    amount,
		"currency":  currency,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.RefundID, nil
}

// LicensingClient moves license seats between accounts.
type LicensingClient struct {
	up *Upstream
}

func NewLicensingClient(up *Upstream) *LicensingClient { return &LicensingClient{up: up} }

func (c *LicensingClient) Transfer(ctx context.Context, licenseID, toAccount string) error {
	ctx, span := obs.StartClientSpan(ctx, otelapi.Tracer(obs.TracerName), "licensing.transfer")
	defer span.End()

	path := "/licenses/" + url.PathEscape(licenseID) + "/transfer"
	return c.up.post(ctx, path, map[string]string{"to_account": toAccount}, nil)
}
