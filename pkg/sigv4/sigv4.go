// Package sigv4 implements AWS Signature Version 4 for S3-style requests.
// The same code path signs requests on the client and reconstructs the
// expected signature on the validator, so the canonical form is defined once.
package sigv4

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm        = "AWS4-HMAC-SHA256"
	TimeFormat       = "20060102T150405Z"
	DateFormat       = "20060102"
	ScopeTerminator  = "aws4_request"
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	UnsignedPayload  = "UNSIGNED-PAYLOAD"

	HeaderDate          = "X-Amz-Date"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderAuthorization = "Authorization"
)

// DefaultSignedHeaders is the header set signed for object uploads, in
// canonical order.
var DefaultSignedHeaders = []string{"content-type", "host", "x-amz-content-sha256", "x-amz-date"}

var ErrMissingHeader = errors.New("signed header missing from request")

type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
}

// Request is the signable view of an HTTP request. URI is the unescaped path;
// Headers must contain every name in SignedHeaders, including host.
type Request struct {
	Method        string
	URI           string
	Query         url.Values
	Headers       http.Header
	SignedHeaders []string
	PayloadHash   string
}

type Result struct {
	CanonicalRequest string
	StringToSign     string
	Scope            string
	SignedHeaders    string
	Signature        string
	Authorization    string
}

type Signer struct {
	Region  string
	Service string
}

func New(region, service string) Signer {
	return Signer{Region: region, Service: service}
}

// Sign computes the signature of req at time t.
func (s Signer) Sign(creds Credentials, req Request, t time.Time) (Result, error) {
	t = t.UTC()
	signed := normalizeHeaderNames(req.SignedHeaders)

	canonicalHeaders, err := CanonicalHeaders(req.Headers, signed)
	if err != nil {
		return Result{}, err
	}

	payloadHash := req.PayloadHash
	if payloadHash == "" {
		payloadHash = EmptyPayloadHash
	}

	signedList := strings.Join(signed, ";")
	canonical := strings.Join([]string{
		req.Method,
		CanonicalURI(req.URI),
		CanonicalQuery(req.Query),
		canonicalHeaders,
		signedList,
		payloadHash,
	}, "\n")

	scope := s.Scope(t)
	stringToSign := StringToSign(t, scope, canonical)
	key := SigningKey(creds.SecretAccessKey, t.Format(DateFormat), s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	return Result{
		CanonicalRequest: canonical,
		StringToSign:     stringToSign,
		Scope:            scope,
		SignedHeaders:    signedList,
		Signature:        signature,
		Authorization: fmt.Sprintf("%s Credential=%s/%s,SignedHeaders=%s,Signature=%s",
			Algorithm, creds.AccessKeyID, scope, signedList, signature),
	}, nil
}

// Scope returns date/region/service/aws4_request for t.
func (s Signer) Scope(t time.Time) string {
	return strings.Join([]string{t.UTC().Format(DateFormat), s.Region, s.Service, ScopeTerminator}, "/")
}

// SignHTTP signs r in place: it sets X-Amz-Date, X-Amz-Content-Sha256 and
// Authorization. Content-Type is signed only when present.
func (s Signer) SignHTTP(r *http.Request, creds Credentials, body []byte, t time.Time) (Result, error) {
	t = t.UTC()
	payloadHash := PayloadHash(body)

	r.Header.Set(HeaderDate, t.Format(TimeFormat))
	r.Header.Set(HeaderContentSHA256, payloadHash)

	headers := r.Header.Clone()
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	headers.Set("Host", host)

	signed := make([]string, 0, len(DefaultSignedHeaders))
	for _, h := range DefaultSignedHeaders {
		if h == "content-type" && headers.Get("Content-Type") == "" {
			continue
		}
		signed = append(signed, h)
	}

	res, err := s.Sign(creds, Request{
		Method:        r.Method,
		URI:           r.URL.Path,
		Query:         r.URL.Query(),
		Headers:       headers,
		SignedHeaders: signed,
		PayloadHash:   payloadHash,
	}, t)
	if err != nil {
		return Result{}, err
	}

	r.Header.Set(HeaderAuthorization, res.Authorization)
	return res, nil
}

// PayloadHash is the lowercase hex SHA-256 of body.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// StringToSign joins the algorithm, timestamp, scope and canonical request hash.
func StringToSign(t time.Time, scope, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		Algorithm,
		t.UTC().Format(TimeFormat),
		scope,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// SigningKey runs the four-step HMAC chain over date, region, service and the
// scope terminator.
func SigningKey(secret, date, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte(ScopeTerminator))
}

// CanonicalHeaders renders lower-cased name:value lines for signed, which
// must already be sorted and lower-cased.
func CanonicalHeaders(headers http.Header, signed []string) (string, error) {
	var b strings.Builder
	for _, name := range signed {
		values := headers.Values(name)
		if len(values) == 0 {
			return "", fmt.Errorf("%w: %s", ErrMissingHeader, name)
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.Join(strings.Fields(v), " ")
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// CanonicalURI percent-encodes each path segment, leaving separators intact.
func CanonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg)
	}
	return strings.Join(segments, "/")
}

// CanonicalQuery sorts parameters by name then value and encodes both.
func CanonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), q[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, uriEncode(k)+"="+uriEncode(v))
		}
	}
	return strings.Join(parts, "&")
}

func normalizeHeaderNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func uriEncode(s string) string {
	var b bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
