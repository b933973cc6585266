// Package client is the device-side API for the P8FS auth server: mobile
// registration, desktop pairing, storage credentials and signed uploads.
//
// The client mirrors the server's wire format with its own types so device
// code never imports server internals.
package client

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
)

const (
	HeaderDeviceID   = "X-P8FS-Device-ID"
	HeaderDeviceName = "X-P8FS-Device-Name"
	HeaderDeviceType = "X-P8FS-Device-Type"
	HeaderPlatform   = "X-P8FS-Platform"
	HeaderTenantID   = "X-P8FS-Tenant-ID"
	HeaderSessionID  = "X-P8FS-Session-ID"

	DefaultClientID = "p8fs-desktop"

	maxErrorBody = 4 << 10
)

// RequestContext carries the per-call identity of the calling device. It is
// built by the caller and passed explicitly; the client keeps no session
// state of its own.
type RequestContext struct {
	AccessToken string
	DeviceID    string
	DeviceName  string
	DeviceType  string
	Platform    string
	TenantID    string
	SessionID   string
}

// WithGrant returns a copy of rc carrying the identity in g.
func (rc RequestContext) WithGrant(g *Grant) RequestContext {
	rc.AccessToken = g.AccessToken
	rc.TenantID = g.TenantID
	rc.DeviceID = g.DeviceID
	if g.DeviceType != "" {
		rc.DeviceType = g.DeviceType
	}
	return rc
}

// Apply sets the non-empty fields of rc as request headers.
func (rc RequestContext) Apply(h http.Header) {
	if rc.AccessToken != "" {
		h.Set("Authorization", "Bearer "+rc.AccessToken)
	}
	for name, value := range map[string]string{
		HeaderDeviceID:   rc.DeviceID,
		HeaderDeviceName: rc.DeviceName,
		HeaderDeviceType: rc.DeviceType,
		HeaderPlatform:   rc.Platform,
		HeaderTenantID:   rc.TenantID,
		HeaderSessionID:  rc.SessionID,
	} {
		if value != "" {
			h.Set(name, value)
		}
	}
}

// APIError is a structured failure returned by the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, e.Code)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// doAPI calls a /api/v1 endpoint and unwraps the response envelope into out.
func (c *Client) doAPI(ctx context.Context, rc RequestContext, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rc.Apply(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Code: "malformed_response"}
	}
	if resp.StatusCode >= 400 || !env.Success {
		return &APIError{StatusCode: resp.StatusCode, Code: env.Error, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// doForm posts a form to an /oauth endpoint and decodes the bare JSON body.
func (c *Client) doForm(ctx context.Context, rc RequestContext, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rc.Apply(req.Header)
	return c.doRaw(req, out)
}

func (c *Client) doRaw(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var oe oauthError
		json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&oe)
		if oe.Error == "" {
			oe.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: oe.Error, Message: oe.ErrorDescription}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
