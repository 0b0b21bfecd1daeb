// Package remote talks to a remote instance over HTTP JSON. Client
// implements sync.Remote.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pointcare/clinicsync/internal/clinic"
	"github.com/pointcare/clinicsync/internal/clinic/schema"
	"github.com/pointcare/clinicsync/internal/clinic/sync"
)

// API paths, relative to the instance URL.
const (
	LoginPath   = "/api/v1/auth/login"
	ChangesPath = "/api/v1/sync/changes"
)

// DefaultTimeout bounds a single request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 4096

// Client is an HTTP client for remote instances.
type Client struct {
	http *http.Client
}

var _ sync.Remote = (*Client)(nil)

// NewClient returns a client using hc, or a client with DefaultTimeout if
// hc is nil.
func NewClient(hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{http: hc}
}

// Authenticate implements sync.Remote.Authenticate. Any failure, including
// an unreachable host, is an AuthError.
func (c *Client) Authenticate(ctx context.Context, instanceURL, email, password string) (*sync.Session, error) {
	base, err := normalize(instanceURL)
	if err != nil {
		return nil, clinic.Auth("invalid instance url "+instanceURL, err)
	}

	var resp schema.LoginResponse
	err = c.do(ctx, http.MethodPost, base+LoginPath, "", schema.LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		if errors.Is(err, clinic.ErrAuth) {
			return nil, err
		}
		return nil, clinic.Auth("cannot reach "+base, err)
	}
	if resp.Token == "" {
		return nil, clinic.Auth("login returned no token", nil)
	}
	if err := schema.CompatibleProtocol(resp.Protocol); err != nil {
		return nil, clinic.Auth("incompatible instance "+base, err)
	}
	return &sync.Session{
		InstanceURL: base,
		Token:       resp.Token,
		User:        resp.User,
		ExpiresAt:   resp.ExpiresAt,
	}, nil
}

// Pull implements sync.Remote.Pull.
func (c *Client) Pull(ctx context.Context, s *sync.Session, req schema.PullRequest) (*schema.PullResponse, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(req.Since, 10))
	if req.DeviceID != "" {
		q.Set("device_id", req.DeviceID)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var resp schema.PullResponse
	if err := c.do(ctx, http.MethodGet, s.InstanceURL+ChangesPath+"?"+q.Encode(), s.Token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push implements sync.Remote.Push.
func (c *Client) Push(ctx context.Context, s *sync.Session, req schema.PushRequest) (*schema.PushResponse, error) {
	var resp schema.PushResponse
	if err := c.do(ctx, http.MethodPost, s.InstanceURL+ChangesPath, s.Token, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do sends one JSON request. A 401 or 403 is an AuthError, any other
// failure a NetworkError.
func (c *Client) do(ctx context.Context, method, target, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return clinic.Network("build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return clinic.Network(method+" "+req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := errorMessage(resp.Body)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return clinic.Auth(msg, nil)
		default:
			return clinic.Network(method+" "+req.URL.Path, fmt.Errorf("status %d: %s", resp.StatusCode, msg))
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return clinic.Network("decode response", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

// normalize checks instanceURL and strips any trailing slash.
func normalize(instanceURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(instanceURL))
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	return strings.TrimRight(u.String(), "/"), nil
}
