package leaseclient

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

	"leasegate/internal/lease"
)

// Lease is the client-side view of an acquired or adopted lease.
type Lease struct {
	LeaseID    string `json:"lease_id"`
	Platform   string `json:"platform"`
	Username   string `json:"username"`
	StartMS    int64  `json:"start_ms"`
	EndMS      int64  `json:"end_ms"`
	DurationMS int64  `json:"duration_ms"`
	Adopted    bool   `json:"adopted"`
}

// GuardDecision mirrors the server's guard response.
type GuardDecision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	RemainingMS int64  `json:"remaining_ms,omitempty"`
	RedirectTo  string `json:"redirect_to,omitempty"`
	Username    string `json:"username,omitempty"`
}

// Client talks to a leasegate server. It implements lease.Querier, so a
// reconciler on a remote device can poll through it directly.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client. hc may be nil, in which case a 10s-timeout client
// is used.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

type acquireReq struct {
	Username   string `json:"username"`
	DurationMS int64  `json:"duration_ms"`
}

type conflictResp struct {
	Error          string `json:"error"`
	LockedUsername string `json:"locked_username"`
}

type statusResp struct {
	Active      bool   `json:"active"`
	RemainingMS int64  `json:"remaining_ms"`
	Username    string `json:"username"`
	LeaseID     string `json:"lease_id"`
}

type platformStatusResp struct {
	Platform string `json:"platform"`
	statusResp
}

type listResp struct {
	Leases []platformStatusResp `json:"leases"`
}

// Acquire creates or adopts the lease for (userID, platform). A username
// conflict is returned as *ConflictError.
func (c *Client) Acquire(ctx context.Context, userID, platform, username string, duration time.Duration) (Lease, error) {
	path := fmt.Sprintf("%s/v1/leases/%s/%s/acquire", c.baseURL, url.PathEscape(userID), url.PathEscape(platform))

	var out Lease
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, acquireReq{Username: username, DurationMS: duration.Milliseconds()}, &out)
	if err != nil {
		return Lease{}, err
	}
	switch code {
	case http.StatusOK:
		return out, nil
	case http.StatusConflict:
		var conflict conflictResp
		_ = json.Unmarshal([]byte(raw), &conflict)
		return Lease{}, &ConflictError{Platform: platform, LockedUsername: conflict.LockedUsername}
	default:
		return Lease{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
}

// Complete releases the lease once the protected job finishes.
func (c *Client) Complete(ctx context.Context, userID, platform string) error {
	path := fmt.Sprintf("%s/v1/leases/%s/%s/complete", c.baseURL, url.PathEscape(userID), url.PathEscape(platform))

	var out struct {
		Released bool `json:"released"`
	}
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, struct{}{}, &out)
	if err != nil {
		return err
	}
	switch code {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
}

// Renew atomically replaces the active lease with a fresh window.
func (c *Client) Renew(ctx context.Context, userID, platform string, duration time.Duration) (Lease, error) {
	path := fmt.Sprintf("%s/v1/leases/%s/%s/renew", c.baseURL, url.PathEscape(userID), url.PathEscape(platform))

	var out Lease
	code, raw, err := c.doJSON(ctx, http.MethodPost, path, acquireReq{DurationMS: duration.Milliseconds()}, &out)
	if err != nil {
		return Lease{}, err
	}
	switch code {
	case http.StatusOK:
		return out, nil
	case http.StatusNotFound:
		return Lease{}, ErrNotFound
	case http.StatusConflict:
		return Lease{}, &ConflictError{Platform: platform}
	default:
		return Lease{}, &UnexpectedStatusError{Method: http.MethodPost, Path: path, Code: code, Body: raw}
	}
}

// Query implements lease.Querier over HTTP.
func (c *Client) Query(ctx context.Context, userID, platform string) (lease.Status, error) {
	path := fmt.Sprintf("%s/v1/leases/%s/%s", c.baseURL, url.PathEscape(userID), url.PathEscape(platform))

	var out statusResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return lease.Status{}, err
	}
	if code != http.StatusOK {
		return lease.Status{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return lease.Status{
		Active:      out.Active,
		RemainingMS: out.RemainingMS,
		Username:    out.Username,
		LeaseID:     out.LeaseID,
	}, nil
}

// QueryAll returns the status of every lease the user holds.
func (c *Client) QueryAll(ctx context.Context, userID string) ([]lease.PlatformStatus, error) {
	path := fmt.Sprintf("%s/v1/leases/%s", c.baseURL, url.PathEscape(userID))

	var out listResp
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}

	statuses := make([]lease.PlatformStatus, 0, len(out.Leases))
	for _, l := range out.Leases {
		statuses = append(statuses, lease.PlatformStatus{
			Platform: l.Platform,
			Status: lease.Status{
				Active:      l.Active,
				RemainingMS: l.RemainingMS,
				Username:    l.Username,
				LeaseID:     l.LeaseID,
			},
		})
	}
	return statuses, nil
}

// CheckAccess asks the server-side guard whether the session may enter
// the target route.
func (c *Client) CheckAccess(ctx context.Context, userID, platform, route, username string) (GuardDecision, error) {
	v := url.Values{}
	if route != "" {
		v.Set("route", route)
	}
	if username != "" {
		v.Set("username", username)
	}
	path := fmt.Sprintf("%s/v1/guard/%s/%s", c.baseURL, url.PathEscape(userID), url.PathEscape(platform))
	if q := v.Encode(); q != "" {
		path += "?" + q
	}

	var out GuardDecision
	code, raw, err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return GuardDecision{}, err
	}
	if code != http.StatusOK {
		return GuardDecision{}, &UnexpectedStatusError{Method: http.MethodGet, Path: path, Code: code, Body: raw}
	}
	return out, nil
}

// doJSON performs one request, decoding the response into dst and also
// returning the raw body for error reporting.
func (c *Client) doJSON(ctx context.Context, method, path string, in, dst interface{}) (int, string, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, "", fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return 0, "", err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", err
	}

	if dst != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(raw, dst); err != nil {
			return resp.StatusCode, string(raw), fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, string(raw), nil
}
