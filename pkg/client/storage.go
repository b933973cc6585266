package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"p8fs-auth/pkg/sigv4"
)

// S3Credentials are derived by the server for one credential session.
type S3Credentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Bucket          string    `json:"bucket"`
	Endpoint        string    `json:"endpoint"`
	Region          string    `json:"region"`
	Expiration      time.Time `json:"expiration"`
}

func (c *S3Credentials) Expired(now time.Time) bool {
	return !now.Before(c.Expiration)
}

func (c *Client) S3Credentials(ctx context.Context, rc RequestContext) (*S3Credentials, error) {
	var out S3Credentials
	if err := c.doAPI(ctx, rc, http.MethodGet, "/api/v1/credentials/s3", nil, &out); err != nil {
		return nil, fmt.Errorf("s3 credentials: %w", err)
	}
	return &out, nil
}

func (c *Client) DeleteCredentialSession(ctx context.Context, rc RequestContext, sessionID string) error {
	if err := c.doAPI(ctx, rc, http.MethodDelete, "/api/v1/credentials/sessions/"+url.PathEscape(sessionID), nil, nil); err != nil {
		return fmt.Errorf("delete credential session: %w", err)
	}
	return nil
}

// ObjectKey places filename under uploads/{yyyy}/{mm}/{dd}/ with the upload
// time in milliseconds appended to the base name.
func ObjectKey(filename string, t time.Time) string {
	t = t.UTC()
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("uploads/%04d/%02d/%02d/%s_%d%s", t.Year(), int(t.Month()), t.Day(), name, t.UnixMilli(), ext)
}

// Upload PUTs body into the tenant bucket under ObjectKey(filename) and
// returns the key. The request is SigV4-signed with creds.
func (c *Client) Upload(ctx context.Context, creds *S3Credentials, filename string, body []byte) (string, error) {
	now := c.now()
	if creds.Expired(now) {
		return "", fmt.Errorf("upload: credentials expired at %s", creds.Expiration.Format(time.RFC3339))
	}

	endpoint, err := url.Parse(creds.Endpoint)
	if err != nil {
		return "", fmt.Errorf("upload: invalid endpoint: %w", err)
	}
	key := ObjectKey(filename, now)
	endpoint.Path = path.Join("/", endpoint.Path, creds.Bucket, key)
	endpoint.RawPath = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Content-Type", contentType(filename))

	signer := sigv4.New(creds.Region, "s3")
	if _, err := signer.SignHTTP(req, sigv4.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
	}, body, now); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &APIError{StatusCode: resp.StatusCode, Code: "upload_failed", Message: strings.TrimSpace(string(msg))}
	}
	return key, nil
}

func contentType(filename string) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
