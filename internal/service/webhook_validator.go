package service

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/pkg/derive"
	"p8fs-auth/pkg/hash"
	"p8fs-auth/pkg/sigv4"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxClockSkew       = 15 * time.Minute
	DefaultValidationCacheTTL = 5 * time.Minute
)

type ValidatorConfig struct {
	Region       string
	Service      string
	MaxClockSkew time.Duration
	CacheTTL     time.Duration
}

type cachedValidation struct {
	result      *domain.ValidationResult
	accessKeyID string
	expiresAt   time.Time
}

// WebhookValidator authorizes storage gateway requests by re-deriving the
// secret behind an access key and recomputing the SigV4 signature. Callers
// learn only valid or invalid.
type WebhookValidator struct {
	credentials *CredentialService
	signer      sigv4.Signer
	cfg         ValidatorConfig
	now         Clock

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedValidation
}

func NewWebhookValidator(credentials *CredentialService, cfg ValidatorConfig) *WebhookValidator {
	if cfg.Service == "" {
		cfg.Service = "s3"
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultValidationCacheTTL
	}
	v := &WebhookValidator{
		credentials: credentials,
		signer:      sigv4.New(cfg.Region, cfg.Service),
		cfg:         cfg,
		now:         systemClock,
		cache:       make(map[string]cachedValidation),
	}
	credentials.SetInvalidator(v)
	return v
}

var invalid = &domain.ValidationResult{Valid: false}

// Validate never returns an error: every failure is {valid:false}.
func (v *WebhookValidator) Validate(ctx context.Context, req *domain.ValidationRequest) *domain.ValidationResult {
	claim, ok := v.parseClaim(req)
	if !ok {
		return invalid
	}

	key := cacheKey(req, claim)
	if res, ok := v.cached(key); ok {
		return res
	}

	out, _, _ := v.group.Do(key, func() (interface{}, error) {
		res, expiresAt := v.validate(ctx, req, claim)
		if res.Valid {
			v.store(key, claim.accessKeyID, res, expiresAt)
		}
		return res, nil
	})
	return out.(*domain.ValidationResult)
}

// Invalidate drops every cached result for accessKeyID.
func (v *WebhookValidator) Invalidate(accessKeyID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, entry := range v.cache {
		if entry.accessKeyID == accessKeyID {
			delete(v.cache, k)
		}
	}
}

// Sweep removes expired cache entries.
func (v *WebhookValidator) Sweep() {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, entry := range v.cache {
		if !now.Before(entry.expiresAt) {
			delete(v.cache, k)
		}
	}
}

type signatureClaim struct {
	accessKeyID   string
	signature     string
	signedHeaders []string
	region        string
	date          string
}

func (v *WebhookValidator) parseClaim(req *domain.ValidationRequest) (signatureClaim, bool) {
	if req.Authorization != "" {
		auth, err := sigv4.ParseAuthorization(req.Authorization)
		if err != nil {
			return signatureClaim{}, false
		}
		if req.AccessKeyID != "" && req.AccessKeyID != auth.AccessKeyID {
			return signatureClaim{}, false
		}
		if req.Signature != "" && !sigv4.SignaturesEqual(req.Signature, auth.Signature) {
			return signatureClaim{}, false
		}
		if auth.Service != v.cfg.Service {
			return signatureClaim{}, false
		}
		return signatureClaim{
			accessKeyID:   auth.AccessKeyID,
			signature:     auth.Signature,
			signedHeaders: auth.SignedHeaders,
			region:        auth.Region,
			date:          auth.Date,
		}, derive.IsAccessKeyID(auth.AccessKeyID)
	}

	if req.AccessKeyID == "" || req.Signature == "" || !derive.IsAccessKeyID(req.AccessKeyID) {
		return signatureClaim{}, false
	}
	signed := req.SignedHeaders
	if len(signed) == 0 {
		for _, h := range sigv4.DefaultSignedHeaders {
			if headerValue(req.Headers, h) != "" {
				signed = append(signed, h)
			}
		}
	}
	return signatureClaim{
		accessKeyID:   req.AccessKeyID,
		signature:     req.Signature,
		signedHeaders: signed,
		region:        v.cfg.Region,
	}, true
}

func (v *WebhookValidator) validate(ctx context.Context, req *domain.ValidationRequest, claim signatureClaim) (*domain.ValidationResult, time.Time) {
	if claim.region != v.cfg.Region {
		return invalid, time.Time{}
	}

	session, material, err := v.credentials.lookupByAccessKey(ctx, claim.accessKeyID)
	if err != nil {
		if !isNotFound(err) && !errors.Is(err, domain.ErrSessionExpired) && !errors.Is(err, domain.ErrUnauthorized) {
			log.Printf("[Validator] Session lookup failed: %v", err)
		}
		return invalid, time.Time{}
	}

	headers := http.Header{}
	for name, value := range req.Headers {
		headers.Set(name, value)
	}

	now := v.now()
	signedAt, err := time.Parse(sigv4.TimeFormat, headers.Get(sigv4.HeaderDate))
	if err != nil {
		return invalid, time.Time{}
	}
	if skew := now.Sub(signedAt); skew > v.cfg.MaxClockSkew || skew < -v.cfg.MaxClockSkew {
		return invalid, time.Time{}
	}
	if claim.date != "" && claim.date != signedAt.Format(sigv4.DateFormat) {
		return invalid, time.Time{}
	}

	path, rawQuery := req.URI, req.Query
	if p, q, ok := strings.Cut(req.URI, "?"); ok {
		path = p
		if rawQuery == "" {
			rawQuery = q
		}
	}
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return invalid, time.Time{}
	}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return invalid, time.Time{}
	}

	if bucketOf(unescaped, headers.Get("Host")) != session.TenantID {
		return invalid, time.Time{}
	}

	payloadHash := headers.Get(sigv4.HeaderContentSHA256)
	if payloadHash == "" {
		payloadHash = sigv4.EmptyPayloadHash
	}

	res, err := v.signer.Sign(sigv4.Credentials{
		AccessKeyID:     material.AccessKeyID,
		SecretAccessKey: material.SecretAccessKey,
	}, sigv4.Request{
		Method:        strings.ToUpper(req.Method),
		URI:           unescaped,
		Query:         query,
		Headers:       headers,
		SignedHeaders: claim.signedHeaders,
		PayloadHash:   payloadHash,
	}, signedAt)
	if err != nil || !sigv4.SignaturesEqual(res.Signature, claim.signature) {
		return invalid, time.Time{}
	}

	expiresAt := now.Add(v.cfg.CacheTTL)
	if session.ExpiresAt.Before(expiresAt) {
		expiresAt = session.ExpiresAt
	}
	return &domain.ValidationResult{
		Valid:        true,
		TenantID:     session.TenantID,
		BucketPrefix: session.TenantID + "/",
		Permissions:  session.Permissions,
	}, expiresAt
}

func (v *WebhookValidator) cached(key string) (*domain.ValidationResult, bool) {
	v.mu.RLock()
	entry, ok := v.cache[key]
	v.mu.RUnlock()
	if !ok || !v.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.result, true
}

func (v *WebhookValidator) store(key, accessKeyID string, res *domain.ValidationResult, expiresAt time.Time) {
	v.mu.Lock()
	v.cache[key] = cachedValidation{result: res, accessKeyID: accessKeyID, expiresAt: expiresAt}
	v.mu.Unlock()
}

// bucketOf returns the bucket addressed by a virtual-hosted or path-style
// request.
func bucketOf(path, host string) string {
	if sub, _, ok := strings.Cut(host, "."); ok && strings.HasPrefix(sub, "tenant-") {
		return sub
	}
	bucket, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return bucket
}

// cacheKey binds a cached result to the signature and to the request it was
// computed for, so a replayed signature on an altered request misses.
func cacheKey(req *domain.ValidationRequest, claim signatureClaim) string {
	names := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		names = append(names, strings.ToLower(k))
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(strings.ToUpper(req.Method))
	b.WriteByte('\n')
	b.WriteString(req.URI)
	b.WriteByte('\n')
	b.WriteString(req.Query)
	for _, name := range names {
		b.WriteByte('\n')
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(headerValue(req.Headers, name))
	}
	return claim.accessKeyID + "/" + claim.signature + "/" + hash.Fingerprint(b.String())
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
