package sigv4

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrMalformedAuthorization = errors.New("malformed sigv4 authorization header")

// Authorization is a parsed AWS4-HMAC-SHA256 Authorization header.
type Authorization struct {
	AccessKeyID   string
	Date          string
	Region        string
	Service       string
	SignedHeaders []string
	Signature     string
}

// ParseAuthorization parses
// "AWS4-HMAC-SHA256 Credential=AKID/date/region/service/aws4_request,SignedHeaders=a;b,Signature=hex".
// Separators may be followed by whitespace.
func ParseAuthorization(header string) (*Authorization, error) {
	header = strings.TrimSpace(header)
	rest, ok := strings.CutPrefix(header, Algorithm+" ")
	if !ok {
		return nil, ErrMalformedAuthorization
	}

	var auth Authorization
	for _, part := range strings.Split(rest, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, ErrMalformedAuthorization
		}
		switch key {
		case "Credential":
			fields := strings.Split(value, "/")
			if len(fields) != 5 || fields[4] != ScopeTerminator {
				return nil, ErrMalformedAuthorization
			}
			auth.AccessKeyID = fields[0]
			auth.Date = fields[1]
			auth.Region = fields[2]
			auth.Service = fields[3]
		case "SignedHeaders":
			auth.SignedHeaders = strings.Split(value, ";")
		case "Signature":
			auth.Signature = value
		}
	}

	if auth.AccessKeyID == "" || auth.Signature == "" || len(auth.SignedHeaders) == 0 {
		return nil, ErrMalformedAuthorization
	}
	return &auth, nil
}

// SignaturesEqual compares two hex signatures in constant time.
func SignaturesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
