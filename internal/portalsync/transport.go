package portalsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"conveyor/internal/domain"
)

// Transport delivers an outbound sync record to the buyer portal. The
// delivery must be an idempotent upsert on the portal side, keyed by the
// record's case and kind, so redelivery after a timeout is safe.
type Transport interface {
	Deliver(ctx context.Context, rec domain.SyncRecord) error
}

// PortalClient talks HTTP to the buyer portal.
type PortalClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewPortalClient(baseURL, apiKey string) *PortalClient {
	return &PortalClient{BaseURL: baseURL, APIKey: apiKey, HTTP: &http.Client{}}
}

// Deliver upserts the record payload at the portal. Network failures,
// timeouts and portal-side 5xx responses classify as transient; 4xx
// responses mean the payload itself is unacceptable and classify permanent.
func (c *PortalClient) Deliver(ctx context.Context, rec domain.SyncRecord) error {
	url := fmt.Sprintf("%s/sync/%s/%s", c.BaseURL, rec.Kind, rec.CaseID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader([]byte(rec.PayloadJSON)))
	if err != nil {
		return domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", rec.ID)
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return domain.TransientError{Op: "portal deliver", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.TransientError{Op: "portal deliver", Err: fmt.Errorf("portal returned %d: %s", resp.StatusCode, body)}
	default:
		return domain.ValidationError{Field: "payload", Reason: fmt.Sprintf("portal rejected with %d: %s", resp.StatusCode, body)}
	}
}
