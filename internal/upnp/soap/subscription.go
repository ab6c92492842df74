package soap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// SubscriptionClient handles UPnP GENA subscription requests. Renderers
// drop SUBSCRIBE requests under load, so these calls go through a retrying
// client.
type SubscriptionClient struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
}

// NewSubscriptionClient creates a new subscription client.
func NewSubscriptionClient(timeout time.Duration, userAgent string) *SubscriptionClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = timeout

	return &SubscriptionClient{
		httpClient: retryClient.StandardClient(),
		timeout:    timeout,
		userAgent:  userAgent,
	}
}

// Subscribe sends a SUBSCRIBE request to a renderer service. When sid is
// empty a new subscription is opened with the given callback URL and state
// variables of interest; otherwise the existing subscription is renewed.
// Returns the SID and granted timeout in seconds.
func (c *SubscriptionClient) Subscribe(ctx context.Context, eventSubURL, callbackURL, sid string, stateVars []string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, "SUBSCRIBE", eventSubURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}

	if sid == "" {
		if c.userAgent != "" {
			req.Header.Set("USER-AGENT", c.userAgent)
		}
		req.Header.Set("CALLBACK", fmt.Sprintf("<%s>", callbackURL))
		req.Header.Set("NT", "upnp:event")
		req.Header.Set("TIMEOUT", "Second-60")
		if len(stateVars) > 0 {
			req.Header.Set("STATEVAR", strings.Join(stateVars, ","))
		}
	} else {
		// Renewals carry only SID and TIMEOUT.
		req.Header.Set("SID", sid)
		req.Header.Set("TIMEOUT", "Second-60")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("subscribe request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusPreconditionFailed {
		return "", 0, ErrSubscriptionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("subscribe failed: %s", resp.Status)
	}

	newSID := ParseSID(resp.Header.Get("SID"))
	if newSID == "" {
		newSID = sid
	}
	if newSID == "" {
		return "", 0, fmt.Errorf("no SID in response")
	}

	return newSID, ParseTimeout(resp.Header.Get("TIMEOUT")), nil
}

// Unsubscribe sends an UNSUBSCRIBE request. Always best-effort: network
// errors and 412 responses are not reported.
func (c *SubscriptionClient) Unsubscribe(ctx context.Context, eventSubURL, sid string) error {
	req, err := http.NewRequestWithContext(ctx, "UNSUBSCRIBE", eventSubURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("SID", sid)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Device may be offline already.
		return nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unsubscribe failed: %s", resp.Status)
	}
	return nil
}

// ParseSID normalizes the subscription ID from a SUBSCRIBE response header.
func ParseSID(sidHeader string) string {
	return strings.TrimSpace(sidHeader)
}

// ParseTimeout extracts the timeout value in seconds from a SUBSCRIBE
// response header ("Second-60" or "infinite").
func ParseTimeout(timeoutHeader string) int {
	if strings.EqualFold(timeoutHeader, "infinite") {
		// Treat infinite as 24 hours so the renewal math never goes
		// negative.
		return 86400
	}
	timeoutHeader = strings.TrimPrefix(timeoutHeader, "Second-")
	if timeout, err := strconv.Atoi(timeoutHeader); err == nil {
		return timeout
	}
	return 60
}
