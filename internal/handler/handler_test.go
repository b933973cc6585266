package handler

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"p8fs-auth/internal/domain"
	"p8fs-auth/internal/mailer"
	"p8fs-auth/internal/middleware"
	"p8fs-auth/internal/repository"
	"p8fs-auth/internal/service"
	"p8fs-auth/internal/storage"
	"p8fs-auth/pkg/derive"
	"p8fs-auth/pkg/hash"
	"p8fs-auth/pkg/identity"
	"p8fs-auth/pkg/jwt"
	"p8fs-auth/pkg/sigv4"

	"golang.org/x/crypto/bcrypt"
)

const (
	testWebhookSecret = "webhook-secret"
	testDevToken      = "dev-token"
)

type testServer struct {
	*httptest.Server
	outbox *mailer.Outbox
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	deriver, err := derive.New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("derive.New() error = %v", err)
	}

	repos := repository.New(repository.NewMemoryStore())
	outbox := mailer.NewOutbox()

	tokens := service.NewTokenService(jwt.NewManager(priv, "p8fs", "p8fs-api"),
		repos.RefreshTokens, repos.Devices, 15*time.Minute, time.Hour)
	registration := service.NewRegistrationService(repos.Tenants, repos.Devices, repos.Registrations,
		tokens, outbox, storage.LogProvisioner{}, hash.NewHasher(bcrypt.MinCost), service.RegistrationConfig{})
	pairing := service.NewPairingService(repos.DeviceSessions, repos.APIKeys, repos.Devices, tokens, nil,
		service.PairingConfig{APIKeyEnabled: true, VerificationURI: "https://auth.example.com/oauth/device"})
	credentials := service.NewCredentialService(repos.CredentialSessions, deriver, service.CredentialConfig{
		Endpoint: "https://s3.example.com",
		Region:   "us-east-1",
	})
	validator := service.NewWebhookValidator(credentials, service.ValidatorConfig{Region: "us-east-1"})
	devices := service.NewDeviceService(repos.Devices, repos.RefreshTokens, credentials, nil)

	router := NewRouter(Handlers{
		Auth:        NewAuthHandler(registration, tokens, testDevToken),
		OAuth:       NewOAuthHandler(pairing),
		Credentials: NewCredentialHandler(credentials),
		Devices:     NewDeviceHandler(devices),
		Webhook:     NewWebhookHandler(validator),
	}, RouterOptions{
		Authenticator: tokens,
		WebhookSecret: testWebhookSecret,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, outbox: outbox}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (s *testServer) postJSON(t *testing.T, path, bearer string, body interface{}, header http.Header) (int, envelope) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, s.URL+path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return s.doEnvelope(t, req)
}

func (s *testServer) get(t *testing.T, path, bearer string) (int, envelope) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return s.doEnvelope(t, req)
}

func (s *testServer) doEnvelope(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var env envelope
	json.NewDecoder(resp.Body).Decode(&env)
	return resp.StatusCode, env
}

func (s *testServer) postForm(t *testing.T, path, bearer string, form url.Values, out interface{}) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, s.URL+path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	defer resp.Body.Close()
	json.NewDecoder(resp.Body).Decode(out)
	return resp.StatusCode
}

func (s *testServer) registerMobile(t *testing.T, email string) (*identity.DeviceIdentity, domain.AccessGrant) {
	t.Helper()
	id, _ := identity.Generate()

	status, _ := s.postJSON(t, "/api/v1/auth/register", "", domain.RegisterRequest{
		Email:      email,
		PublicKey:  id.PublicKeyBase64(),
		DeviceInfo: domain.DeviceInfo{DeviceName: "Phone", DeviceType: "mobile"},
	}, nil)
	if status != http.StatusAccepted {
		t.Fatalf("register status = %d, want 202", status)
	}

	challenge := "challenge-" + email
	verify := domain.VerifyRequest{
		Email:     email,
		Code:      s.outbox.Code(email),
		Challenge: challenge,
		Signature: id.SignBase64([]byte(challenge)),
	}
	status, env := s.postJSON(t, "/api/v1/auth/verify", "", verify, nil)
	if status != http.StatusOK {
		t.Fatalf("verify status = %d (%s)", status, env.Error)
	}
	var grant domain.AccessGrant
	json.Unmarshal(env.Data, &grant)

	status, env = s.postJSON(t, "/api/v1/auth/verify", "", verify, nil)
	if status != http.StatusUnauthorized || env.Error != "verification_failed" {
		t.Errorf("replayed verify = %d %q, want 401 verification_failed", status, env.Error)
	}
	return id, grant
}

func TestRegisterValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{"missing email", domain.RegisterRequest{PublicKey: "x"}, http.StatusBadRequest},
		{"bad email", domain.RegisterRequest{Email: "nope", PublicKey: "x"}, http.StatusBadRequest},
		{"bad key", domain.RegisterRequest{Email: "a@x.com", PublicKey: "short"}, http.StatusBadRequest},
		{"bad code", domain.VerifyRequest{Email: "a@x.com", Code: "12ab56", Challenge: "c", Signature: "s"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := "/api/v1/auth/register"
			if _, ok := tt.body.(domain.VerifyRequest); ok {
				path = "/api/v1/auth/verify"
			}
			if status, _ := s.postJSON(t, path, "", tt.body, nil); status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}
		})
	}
}

func TestVerifyUnknownEmailLooksLikeBadCode(t *testing.T) {
	s := newTestServer(t)
	id, _ := identity.Generate()

	status, env := s.postJSON(t, "/api/v1/auth/verify", "", domain.VerifyRequest{
		Email:     "nobody@x.com",
		Code:      "123456",
		Challenge: "c",
		Signature: id.SignBase64([]byte("c")),
	}, nil)
	if status != http.StatusUnauthorized || env.Error != "verification_failed" {
		t.Errorf("verify unknown = %d %q", status, env.Error)
	}
}

func TestPairingFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)
	mobile, mobileGrant := s.registerMobile(t, "a@x.com")

	var code domain.DeviceCodeResponse
	if status := s.postForm(t, "/oauth/device/code", "", url.Values{
		"client_id":   {"p8fs-desktop"},
		"device_name": {"Laptop"},
	}, &code); status != http.StatusOK {
		t.Fatalf("device code status = %d", status)
	}

	tokenForm := url.Values{
		"grant_type":  {DeviceCodeGrantType},
		"device_code": {code.DeviceCode},
		"client_id":   {"p8fs-desktop"},
	}
	var oauthErr map[string]string
	if status := s.postForm(t, "/oauth/token", "", tokenForm, &oauthErr); status != http.StatusBadRequest || oauthErr["error"] != "authorization_pending" {
		t.Fatalf("pending token = %d %v", status, oauthErr)
	}

	req, _ := http.NewRequest(http.MethodGet, s.URL+"/oauth/device?user_code="+url.QueryEscape(code.UserCode), nil)
	req.Header.Set("Authorization", "Bearer "+mobileGrant.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /oauth/device error = %v", err)
	}
	var details domain.DeviceSessionDetails
	json.NewDecoder(resp.Body).Decode(&details)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || details.ApprovalChallenge == "" {
		t.Fatalf("session details = %d %+v", resp.StatusCode, details)
	}

	var approved map[string]string
	if status := s.postForm(t, "/oauth/device/approve", mobileGrant.AccessToken, url.Values{
		"user_code": {code.UserCode},
		"signature": {mobile.SignBase64([]byte(details.ApprovalChallenge))},
	}, &approved); status != http.StatusOK {
		t.Fatalf("approve status = %d %v", status, approved)
	}

	var desktop domain.AccessGrant
	if status := s.postForm(t, "/oauth/token", "", tokenForm, &desktop); status != http.StatusOK {
		t.Fatalf("token status = %d", status)
	}
	if desktop.TenantID != mobileGrant.TenantID || desktop.AccessToken == "" {
		t.Errorf("desktop grant = %+v", desktop)
	}

	oauthErr = nil
	if status := s.postForm(t, "/oauth/token", "", tokenForm, &oauthErr); status != http.StatusBadRequest || oauthErr["error"] != "invalid_grant" {
		t.Errorf("second token = %d %v", status, oauthErr)
	}

	status, env := s.get(t, "/api/v1/credentials/s3", desktop.AccessToken)
	if status != http.StatusOK {
		t.Fatalf("credentials status = %d", status)
	}
	var creds domain.DerivedCredential
	json.Unmarshal(env.Data, &creds)

	validation := signedValidation(t, creds)
	if status, res := s.validate(t, validation, testWebhookSecret); status != http.StatusOK || !res.Valid || res.TenantID != mobileGrant.TenantID {
		t.Errorf("validate = %d %+v", status, res)
	}
	if status, _ := s.validate(t, validation, "wrong"); status != http.StatusUnauthorized {
		t.Errorf("validate without secret = %d, want 401", status)
	}
	validation.Headers["Content-Type"] = "application/json"
	if status, res := s.validate(t, validation, testWebhookSecret); status != http.StatusForbidden || res.Valid {
		t.Errorf("validate altered = %d %+v", status, res)
	}

	status, env = s.get(t, "/api/v1/devices", mobileGrant.AccessToken)
	var devices []domain.DeviceResponse
	json.Unmarshal(env.Data, &devices)
	if status != http.StatusOK || len(devices) != 2 {
		t.Errorf("devices = %d %d", status, len(devices))
	}
}

func TestApproveWithAPIKeyOverHTTP(t *testing.T) {
	s := newTestServer(t)
	_, mobileGrant := s.registerMobile(t, "a@x.com")

	var code domain.DeviceCodeResponse
	s.postForm(t, "/oauth/device/code", "", url.Values{"client_id": {"p8fs-cli"}}, &code)

	var key domain.APIKeyResponse
	if status := s.postForm(t, "/oauth/device/api-key", mobileGrant.AccessToken, url.Values{"user_code": {code.UserCode}}, &key); status != http.StatusOK {
		t.Fatalf("api-key status = %d", status)
	}

	var out map[string]string
	if status := s.postForm(t, "/oauth/device/approve", "", url.Values{"user_code": {code.UserCode}}, &out); status != http.StatusUnauthorized {
		t.Errorf("anonymous approve without key = %d, want 401", status)
	}
	if status := s.postForm(t, "/oauth/device/approve", "", url.Values{"user_code": {code.UserCode}, "api_key": {key.APIKey}}, &out); status != http.StatusOK {
		t.Fatalf("api key approve = %d %v", status, out)
	}
	out = nil
	if status := s.postForm(t, "/oauth/device/approve", "", url.Values{"user_code": {code.UserCode}, "api_key": {key.APIKey}}, &out); status != http.StatusConflict {
		t.Errorf("second approve = %d %v, want 409", status, out)
	}
}

func TestTokenEndpointRejectsOtherGrants(t *testing.T) {
	s := newTestServer(t)
	var out map[string]string
	status := s.postForm(t, "/oauth/token", "", url.Values{"grant_type": {"password"}}, &out)
	if status != http.StatusBadRequest || out["error"] != "unsupported_grant_type" {
		t.Errorf("token = %d %v", status, out)
	}
}

func TestDevRegister(t *testing.T) {
	s := newTestServer(t)
	id, _ := identity.Generate()
	body := domain.RegisterRequest{Email: "dev@x.com", PublicKey: id.PublicKeyBase64()}

	if status, _ := s.postJSON(t, "/api/v1/auth/dev/register", "", body, nil); status != http.StatusNotFound {
		t.Errorf("without token = %d, want 404", status)
	}
	status, env := s.postJSON(t, "/api/v1/auth/dev/register", "", body, http.Header{DevTokenHeader: {testDevToken}})
	if status != http.StatusOK {
		t.Fatalf("with token = %d %s", status, env.Error)
	}
	var grant domain.AccessGrant
	json.Unmarshal(env.Data, &grant)
	if !strings.HasPrefix(grant.AccessToken, jwt.AccessTokenPrefix) {
		t.Errorf("grant = %+v", grant)
	}
}

func TestProtectedRoutesRequireBearer(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/v1/devices", "/api/v1/credentials/s3", "/oauth/device?user_code=ABCD-EFGH"} {
		if status, _ := s.get(t, path, ""); status != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, status)
		}
	}
}

func TestJWKS(t *testing.T) {
	s := newTestServer(t)
	resp, err := http.Get(s.URL + "/.well-known/jwks.json")
	if err != nil {
		t.Fatalf("GET jwks error = %v", err)
	}
	defer resp.Body.Close()
	var set struct {
		Keys []map[string]string `json:"keys"`
	}
	json.NewDecoder(resp.Body).Decode(&set)
	if len(set.Keys) != 1 || set.Keys[0]["alg"] != "EdDSA" {
		t.Errorf("jwks = %+v", set)
	}
}

func signedValidation(t *testing.T, creds domain.DerivedCredential) *domain.ValidationRequest {
	t.Helper()
	body := []byte("hello")
	r, _ := http.NewRequest(http.MethodPut, "https://s3.example.com/"+creds.Bucket+"/uploads/hello.txt", bytes.NewReader(body))
	r.Header.Set("Content-Type", "text/plain")
	if _, err := sigv4.New(creds.Region, "s3").SignHTTP(r, sigv4.Credentials{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
	}, body, time.Now()); err != nil {
		t.Fatalf("SignHTTP() error = %v", err)
	}
	headers := map[string]string{"Host": r.URL.Host}
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}
	return &domain.ValidationRequest{
		Authorization: r.Header.Get("Authorization"),
		Method:        r.Method,
		URI:           r.URL.EscapedPath(),
		Headers:       headers,
	}
}

func (s *testServer) validate(t *testing.T, v *domain.ValidationRequest, secret string) (int, domain.ValidationResult) {
	t.Helper()
	raw, _ := json.Marshal(v)
	req, _ := http.NewRequest(http.MethodPost, s.URL+"/internal/s3/validate", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.WebhookSecretHeader, secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	defer resp.Body.Close()
	var res domain.ValidationResult
	json.NewDecoder(resp.Body).Decode(&res)
	return resp.StatusCode, res
}
