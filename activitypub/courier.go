package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/stegofed/domain"
	"github.com/deemkeen/stegofed/util"
)

// IsSuccessStatus reports whether an inbox response acknowledges a delivery.
// 409 means the remote already processed this activity.
func IsSuccessStatus(code int) bool {
	return code == http.StatusOK || code == http.StatusAccepted || code == http.StatusConflict
}

// Courier signs and POSTs a single payload to a single inbox.
type Courier struct {
	client  *http.Client
	signer  *SignatureService
	timeout time.Duration
}

func NewCourier(client *http.Client, signer *SignatureService, timeout time.Duration) *Courier {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Courier{client: client, signer: signer, timeout: timeout}
}

// Deliver returns a *SigningError when sender cannot sign and a
// *DeliveryError for transport failures and unsuccessful statuses.
func (c *Courier) Deliver(ctx context.Context, sender *domain.Actor, inbox string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())
	if err := c.signer.SignRequest(sender, req, payload); err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Inbox: inbox, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if !IsSuccessStatus(resp.StatusCode) {
		return &DeliveryError{Inbox: inbox, Status: resp.StatusCode, Err: fmt.Errorf("remote server returned status: %d", resp.StatusCode)}
	}
	return nil
}
