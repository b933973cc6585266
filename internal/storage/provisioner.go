// Package storage provisions per-tenant buckets on the object store. The
// bucket name is the tenant ID, which is what isolates tenants at the
// storage layer.
package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"p8fs-auth/pkg/sigv4"
)

type Provisioner interface {
	EnsureBucket(ctx context.Context, bucket string) error
}

// S3Provisioner creates buckets with a signed CreateBucket call using the
// gateway's admin credentials.
type S3Provisioner struct {
	endpoint string
	signer   sigv4.Signer
	creds    sigv4.Credentials
	client   *http.Client
	now      func() time.Time
}

func NewS3Provisioner(endpoint, region string, creds sigv4.Credentials) *S3Provisioner {
	return &S3Provisioner{
		endpoint: strings.TrimRight(endpoint, "/"),
		signer:   sigv4.New(region, "s3"),
		creds:    creds,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

func (p *S3Provisioner) EnsureBucket(ctx context.Context, bucket string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.endpoint+"/"+bucket, nil)
	if err != nil {
		return fmt.Errorf("failed to build bucket request: %w", err)
	}
	if _, err := p.signer.SignHTTP(req, p.creds, nil, p.now()); err != nil {
		return fmt.Errorf("failed to sign bucket request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusOK:
		log.Printf("[Storage] Created bucket %s", bucket)
		return nil
	case resp.StatusCode == http.StatusConflict && strings.Contains(string(body), "BucketAlreadyOwnedByYou"):
		return nil
	}
	return fmt.Errorf("failed to create bucket %s: status %d", bucket, resp.StatusCode)
}

// LogProvisioner stands in when no admin credentials are configured.
type LogProvisioner struct{}

func (LogProvisioner) EnsureBucket(ctx context.Context, bucket string) error {
	log.Printf("[Storage] No storage admin credentials; skipping bucket creation for %s", bucket)
	return nil
}
