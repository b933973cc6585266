package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"p8fs-auth/pkg/identity"
	"p8fs-auth/pkg/sigv4"
)

func writeEnvelope(w http.ResponseWriter, status int, data interface{}, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": status < 400,
		"data":    data,
		"error":   code,
	})
}

func writeOAuth(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestRequestContextApply(t *testing.T) {
	rc := RequestContext{
		AccessToken: "p8fs_at_x",
		DeviceID:    "dev-1",
		DeviceType:  "desktop",
		TenantID:    "tenant-1",
	}
	h := http.Header{}
	rc.Apply(h)

	want := map[string]string{
		"Authorization":  "Bearer p8fs_at_x",
		HeaderDeviceID:   "dev-1",
		HeaderDeviceType: "desktop",
		HeaderTenantID:   "tenant-1",
	}
	for k, v := range want {
		if got := h.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	for _, k := range []string{HeaderDeviceName, HeaderPlatform, HeaderSessionID} {
		if _, ok := h[http.CanonicalHeaderKey(k)]; ok {
			t.Errorf("empty field %s was set", k)
		}
	}

	next := rc.WithGrant(&Grant{AccessToken: "p8fs_at_y", TenantID: "tenant-2", DeviceID: "dev-2"})
	if next.AccessToken != "p8fs_at_y" || next.TenantID != "tenant-2" || next.DeviceType != "desktop" {
		t.Errorf("WithGrant() = %+v", next)
	}
	if rc.AccessToken != "p8fs_at_x" {
		t.Error("WithGrant() modified the receiver")
	}
}

func TestRegisterAndVerify(t *testing.T) {
	id, _ := identity.Generate()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/register", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email      string     `json:"email"`
			PublicKey  string     `json:"public_key"`
			DeviceInfo DeviceInfo `json:"device_info"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.PublicKey != id.PublicKeyBase64() || body.DeviceInfo.DeviceType != "mobile" {
			writeEnvelope(w, http.StatusBadRequest, nil, "invalid_public_key")
			return
		}
		writeEnvelope(w, http.StatusAccepted, RegisterResponse{RegistrationID: "reg-1", ExpiresIn: 600}, "")
	})
	mux.HandleFunc("/api/v1/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		sig, err := identity.ParseSignature(body["signature"])
		if err != nil || !identity.Verify([]byte(body["challenge"]), sig, id.PublicKey()) || body["code"] != "123456" {
			writeEnvelope(w, http.StatusUnauthorized, nil, "verification_failed")
			return
		}
		writeEnvelope(w, http.StatusOK, Grant{AccessToken: "p8fs_at_a", TenantID: "tenant-1", DeviceID: "dev-1"}, "")
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	reg, err := c.Register(ctx, RequestContext{}, "a@x.com", id, DeviceInfo{DeviceName: "phone", DeviceType: "mobile"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.RegistrationID != "reg-1" {
		t.Errorf("RegistrationID = %q", reg.RegistrationID)
	}

	grant, err := c.Verify(ctx, RequestContext{}, "a@x.com", "123456", id)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if grant.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q", grant.TenantID)
	}

	_, err = c.Verify(ctx, RequestContext{}, "a@x.com", "000000", id)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "verification_failed" {
		t.Errorf("Verify(bad code) error = %v", err)
	}
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       interface{}
		want       PollStatus
		wantSlow   bool
		wantErrStr string
	}{
		{"pending", 400, map[string]string{"error": "authorization_pending"}, PollPending, false, ""},
		{"slow down", 400, map[string]string{"error": "slow_down"}, PollPending, true, ""},
		{"denied", 400, map[string]string{"error": "access_denied"}, PollDenied, false, ""},
		{"expired", 400, map[string]string{"error": "expired_token"}, PollExpired, false, ""},
		{"approved", 200, Grant{AccessToken: "p8fs_at_b", DeviceType: "desktop"}, PollApproved, false, ""},
		{"consumed", 400, map[string]string{"error": "invalid_grant"}, "", false, "invalid_grant"},
		{"bad client", 401, map[string]string{"error": "invalid_client"}, "", false, "invalid_client"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.ParseForm()
				if r.PostFormValue("grant_type") != DeviceCodeGrantType || r.PostFormValue("device_code") != "dc" {
					writeOAuth(w, 400, map[string]string{"error": "invalid_request"})
					return
				}
				writeOAuth(w, tt.status, tt.body)
			}))

			res, err := c.Poll(context.Background(), "dc", DefaultClientID)
			if tt.wantErrStr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErrStr) {
					t.Fatalf("Poll() error = %v, want %s", err, tt.wantErrStr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Poll() error = %v", err)
			}
			if res.Status != tt.want || res.SlowDown != tt.wantSlow {
				t.Errorf("Poll() = %+v", res)
			}
			if (res.Grant != nil) != (tt.want == PollApproved) {
				t.Errorf("Poll() grant = %v", res.Grant)
			}
		})
	}
}

// scriptedToken answers successive polls from a fixed script.
func scriptedToken(t *testing.T, script []string) (*Client, *[]time.Duration) {
	t.Helper()
	var mu sync.Mutex
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		step := script[calls]
		calls++
		mu.Unlock()
		if step == "ok" {
			writeOAuth(w, 200, Grant{AccessToken: "p8fs_at_c"})
			return
		}
		writeOAuth(w, 400, map[string]string{"error": step})
	}))

	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func TestWaitForApproval(t *testing.T) {
	c, slept := scriptedToken(t, []string{"authorization_pending", "slow_down", "authorization_pending", "ok"})

	grant, err := c.WaitForApproval(context.Background(), &DeviceCode{DeviceCode: "dc", Interval: 5}, DefaultClientID)
	if err != nil {
		t.Fatalf("WaitForApproval() error = %v", err)
	}
	if grant.AccessToken != "p8fs_at_c" {
		t.Errorf("grant = %+v", grant)
	}

	want := []time.Duration{5 * time.Second, 5 * time.Second, 10 * time.Second, 10 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("slept %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestWaitForApprovalTerminal(t *testing.T) {
	tests := []struct {
		step string
		want error
	}{
		{"access_denied", ErrPairingDenied},
		{"expired_token", ErrPairingExpired},
	}
	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			c, _ := scriptedToken(t, []string{"authorization_pending", tt.step})
			_, err := c.WaitForApproval(context.Background(), &DeviceCode{DeviceCode: "dc", Interval: 1}, DefaultClientID)
			if !errors.Is(err, tt.want) {
				t.Errorf("WaitForApproval() error = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("cancelled", func(t *testing.T) {
		c, _ := scriptedToken(t, []string{"authorization_pending"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := c.WaitForApproval(ctx, &DeviceCode{DeviceCode: "dc"}, DefaultClientID); !errors.Is(err, context.Canceled) {
			t.Errorf("WaitForApproval() error = %v", err)
		}
	})
}

func TestApproveSignsChallenge(t *testing.T) {
	id, _ := identity.Generate()
	const challenge = "5f2b0c"

	var approved bool
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/device", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer p8fs_at_m" || r.URL.Query().Get("user_code") != "ABCD-EFGH" {
			writeOAuth(w, 401, map[string]string{"error": "access_denied"})
			return
		}
		writeOAuth(w, 200, SessionDetails{UserCode: "ABCD-EFGH", ApprovalChallenge: challenge, Device: DeviceMetadata{Name: "laptop"}})
	})
	mux.HandleFunc("/oauth/device/approve", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		sig, err := identity.ParseSignature(r.PostFormValue("signature"))
		if err != nil || !identity.Verify([]byte(challenge), sig, id.PublicKey()) {
			writeOAuth(w, 401, map[string]string{"error": "access_denied"})
			return
		}
		if r.PostFormValue("encrypted_metadata") != "sealed" {
			writeOAuth(w, 400, map[string]string{"error": "invalid_request"})
			return
		}
		approved = true
		writeOAuth(w, 200, map[string]string{"status": "approved"})
	})
	c := newTestClient(t, mux)

	details, err := c.Approve(context.Background(), RequestContext{AccessToken: "p8fs_at_m"}, "ABCD-EFGH", id, "sealed")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !approved || details.Device.Name != "laptop" {
		t.Errorf("Approve() approved=%v details=%+v", approved, details)
	}

	other, _ := identity.Generate()
	_, err = c.Approve(context.Background(), RequestContext{AccessToken: "p8fs_at_m"}, "ABCD-EFGH", other, "sealed")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "access_denied" {
		t.Errorf("Approve(other key) error = %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 59, 0, 0, time.UTC)
	millis := "1772927940000"

	tests := []struct {
		filename string
		want     string
	}{
		{"notes.txt", "uploads/2026/03/07/notes_" + millis + ".txt"},
		{"/home/me/photo.final.jpg", "uploads/2026/03/07/photo.final_" + millis + ".jpg"},
		{"README", "uploads/2026/03/07/README_" + millis},
	}
	for _, tt := range tests {
		if got := ObjectKey(tt.filename, at); got != tt.want {
			t.Errorf("ObjectKey(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}

	local := at.In(time.FixedZone("east", 3*3600))
	if got := ObjectKey("a.txt", local); !strings.HasPrefix(got, "uploads/2026/03/07/") {
		t.Errorf("ObjectKey() used local date: %q", got)
	}
}

func TestUploadIsSigned(t *testing.T) {
	creds := &S3Credentials{
		AccessKeyID:     "P8FS0123456789ABCDEF",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY",
		Bucket:          "tenant-1",
		Region:          "us-east-1",
		Expiration:      time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}
	now := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	body := []byte("hello storage")

	var gotPath string
	s3 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, _ := io.ReadAll(r.Body)
		auth, err := sigv4.ParseAuthorization(r.Header.Get("Authorization"))
		if err != nil || auth.AccessKeyID != creds.AccessKeyID {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		headers := r.Header.Clone()
		headers.Set("Host", r.Host)
		signedAt, _ := time.Parse(sigv4.TimeFormat, r.Header.Get(sigv4.HeaderDate))
		res, err := sigv4.New(auth.Region, auth.Service).Sign(sigv4.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
		}, sigv4.Request{
			Method:        r.Method,
			URI:           r.URL.Path,
			Query:         r.URL.Query(),
			Headers:       headers,
			SignedHeaders: auth.SignedHeaders,
			PayloadHash:   sigv4.PayloadHash(payload),
		}, signedAt)
		if err != nil || !sigv4.SignaturesEqual(res.Signature, auth.Signature) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer s3.Close()
	creds.Endpoint = s3.URL

	c := New("http://unused")
	c.now = func() time.Time { return now }

	key, err := c.Upload(context.Background(), creds, "my notes.txt", body)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if want := "/tenant-1/" + key; gotPath != want {
		t.Errorf("server path = %q, want %q", gotPath, want)
	}
	if !strings.HasPrefix(key, "uploads/2026/03/07/my notes_") {
		t.Errorf("key = %q", key)
	}

	c.now = func() time.Time { return creds.Expiration }
	if _, err := c.Upload(context.Background(), creds, "late.txt", body); err == nil {
		t.Error("Upload() accepted expired credentials")
	}
}

func TestEnvelopeErrors(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusForbidden, nil, "forbidden")
	}))

	_, err := c.S3Credentials(context.Background(), RequestContext{AccessToken: "p8fs_at_z"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "forbidden" {
		t.Errorf("S3Credentials() error = %v", err)
	}
}
