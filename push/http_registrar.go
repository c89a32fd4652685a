package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const apiVersionHeader = "resource=1.0, protocol=1.0"

// ErrRegistrationRejected wraps non-2xx responses from the registration endpoint.
var ErrRegistrationRejected = errors.New("push registration rejected")

// Message is the JSON body posted to the registration endpoint.
type Message struct {
	MessageID string `json:"messageId"`
	JWT       string `json:"jwt"`
}

// HTTPRegistrar posts signed registration messages.
type HTTPRegistrar struct {
	client *http.Client
	now    func() time.Time
}

// NewHTTPRegistrar returns a registrar using client, or http.DefaultClient when nil.
func NewHTTPRegistrar(client *http.Client) *HTTPRegistrar {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPRegistrar{client: client, now: time.Now}
}

// Register signs reg and posts it to reg.Endpoint. Deadlines come from ctx.
func (r *HTTPRegistrar) Register(ctx context.Context, reg Registration) error {
	if reg.Endpoint == "" {
		return errors.New("push registration endpoint missing")
	}

	token, err := Sign(reg, r.now())
	if err != nil {
		return err
	}
	body, err := json.Marshal(Message{MessageID: reg.MessageID, JWT: token})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-API-Version", apiVersionHeader)
	if reg.LoadBalancerCookie != "" {
		req.Header.Set("Cookie", reg.LoadBalancerCookie)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrRegistrationRejected, resp.StatusCode)
	}
	return nil
}
