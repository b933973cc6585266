package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"p8fs-auth/pkg/identity"
)

const (
	DeviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	defaultPollInterval = 5 * time.Second
	slowDownIncrement   = 5 * time.Second
)

var (
	ErrPairingDenied  = errors.New("pairing request was denied")
	ErrPairingExpired = errors.New("pairing request expired")
)

type DeviceCode struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int    `json:"interval"`
}

type DeviceMetadata struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Platform string `json:"platform"`
}

// SessionDetails is what an approving device sees before it approves.
type SessionDetails struct {
	UserCode          string         `json:"user_code"`
	ClientID          string         `json:"client_id"`
	Scope             string         `json:"scope"`
	Device            DeviceMetadata `json:"device"`
	Status            string         `json:"status"`
	ApprovalChallenge string         `json:"approval_challenge"`
	CreatedAt         time.Time      `json:"created_at"`
	ExpiresIn         int64          `json:"expires_in"`
}

type PollStatus string

const (
	PollPending  PollStatus = "pending"
	PollApproved PollStatus = "approved"
	PollDenied   PollStatus = "denied"
	PollExpired  PollStatus = "expired"
)

// PollResult is the outcome of one token poll. Grant is set only when
// Status is PollApproved. SlowDown reports that the server asked for a
// longer interval.
type PollResult struct {
	Status   PollStatus
	Grant    *Grant
	SlowDown bool
}

// RequestDeviceCode starts pairing for this device.
func (c *Client) RequestDeviceCode(ctx context.Context, clientID, scope string, meta DeviceMetadata) (*DeviceCode, error) {
	form := url.Values{"client_id": {clientID}}
	setIf(form, "scope", scope)
	setIf(form, "device_name", meta.Name)
	setIf(form, "device_type", meta.Type)
	setIf(form, "platform", meta.Platform)

	var out DeviceCode
	if err := c.doForm(ctx, RequestContext{}, "/oauth/device/code", form, &out); err != nil {
		return nil, fmt.Errorf("device code: %w", err)
	}
	return &out, nil
}

// Poll asks once whether deviceCode has been approved.
func (c *Client) Poll(ctx context.Context, deviceCode, clientID string) (*PollResult, error) {
	var grant Grant
	err := c.doForm(ctx, RequestContext{}, "/oauth/token", url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"device_code": {deviceCode},
		"client_id":   {clientID},
	}, &grant)
	if err == nil {
		return &PollResult{Status: PollApproved, Grant: &grant}, nil
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return nil, fmt.Errorf("poll: %w", err)
	}
	switch apiErr.Code {
	case "authorization_pending":
		return &PollResult{Status: PollPending}, nil
	case "slow_down":
		return &PollResult{Status: PollPending, SlowDown: true}, nil
	case "access_denied":
		return &PollResult{Status: PollDenied}, nil
	case "expired_token":
		return &PollResult{Status: PollExpired}, nil
	}
	return nil, fmt.Errorf("poll: %w", err)
}

// WaitForApproval polls every interval until the session is decided, adding
// five seconds each time the server answers slow_down. Cancel ctx to stop.
func (c *Client) WaitForApproval(ctx context.Context, dc *DeviceCode, clientID string) (*Grant, error) {
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		if err := c.sleep(ctx, interval); err != nil {
			return nil, err
		}

		result, err := c.Poll(ctx, dc.DeviceCode, clientID)
		if err != nil {
			return nil, err
		}
		switch result.Status {
		case PollApproved:
			return result.Grant, nil
		case PollDenied:
			return nil, ErrPairingDenied
		case PollExpired:
			return nil, ErrPairingExpired
		}
		if result.SlowDown {
			interval += slowDownIncrement
		}
	}
}

func (c *Client) SessionDetails(ctx context.Context, rc RequestContext, userCode string) (*SessionDetails, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/device?"+url.Values{"user_code": {userCode}}.Encode(), nil)
	if err != nil {
		return nil, err
	}
	rc.Apply(req.Header)

	var out SessionDetails
	if err := c.doRaw(req, &out); err != nil {
		return nil, fmt.Errorf("session details: %w", err)
	}
	return &out, nil
}

// Approve fetches the session's approval challenge, signs it with id and
// approves. encryptedMetadata is passed through to the new device untouched.
func (c *Client) Approve(ctx context.Context, rc RequestContext, userCode string, id *identity.DeviceIdentity, encryptedMetadata string) (*SessionDetails, error) {
	details, err := c.SessionDetails(ctx, rc, userCode)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"user_code": {userCode},
		"signature": {id.SignBase64([]byte(details.ApprovalChallenge))},
	}
	setIf(form, "encrypted_metadata", encryptedMetadata)
	if err := c.doForm(ctx, rc, "/oauth/device/approve", form, nil); err != nil {
		return nil, fmt.Errorf("approve: %w", err)
	}
	return details, nil
}

// ApproveWithAPIKey approves without a bearer token.
func (c *Client) ApproveWithAPIKey(ctx context.Context, userCode, apiKey string) error {
	err := c.doForm(ctx, RequestContext{}, "/oauth/device/approve", url.Values{
		"user_code": {userCode},
		"api_key":   {apiKey},
	}, nil)
	if err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	return nil
}

func (c *Client) CreateAPIKey(ctx context.Context, rc RequestContext, userCode string) (string, error) {
	var out struct {
		APIKey string `json:"api_key"`
	}
	if err := c.doForm(ctx, rc, "/oauth/device/api-key", url.Values{"user_code": {userCode}}, &out); err != nil {
		return "", fmt.Errorf("api key: %w", err)
	}
	return out.APIKey, nil
}

func (c *Client) Deny(ctx context.Context, rc RequestContext, userCode string) error {
	if err := c.doForm(ctx, rc, "/oauth/device/deny", url.Values{"user_code": {userCode}}, nil); err != nil {
		return fmt.Errorf("deny: %w", err)
	}
	return nil
}

func setIf(form url.Values, key, value string) {
	if value != "" {
		form.Set(key, value)
	}
}
