package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEnvelope(t *testing.T) {
	tests := []struct {
		name        string
		write       func(w http.ResponseWriter)
		wantStatus  int
		wantSuccess bool
		wantError   string
	}{
		{"success", func(w http.ResponseWriter) { Success(w, map[string]string{"a": "b"}) }, http.StatusOK, true, ""},
		{"accepted", func(w http.ResponseWriter) { Accepted(w, nil) }, http.StatusAccepted, true, ""},
		{"unauthorized", func(w http.ResponseWriter) { Unauthorized(w, "verification_failed") }, http.StatusUnauthorized, false, "verification_failed"},
		{"too many", func(w http.ResponseWriter) { TooManyRequests(w, "rate_limited") }, http.StatusTooManyRequests, false, "rate_limited"},
		{"with message", func(w http.ResponseWriter) { ErrorWithMessage(w, http.StatusConflict, "pending", "try later") }, http.StatusConflict, false, "pending"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body Response
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if body.Success != tt.wantSuccess || body.Error != tt.wantError {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestOAuth(t *testing.T) {
	rec := httptest.NewRecorder()
	OAuth(rec, http.StatusBadRequest, "authorization_pending", "")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("OAuth() missing Cache-Control: no-store")
	}
	var body map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"] != "authorization_pending" {
		t.Errorf("error = %v", body["error"])
	}
	if _, ok := body["success"]; ok {
		t.Error("OAuth() wrapped the body in the envelope")
	}
	if _, ok := body["error_description"]; ok {
		t.Error("empty error_description was serialized")
	}
}
