package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"p8fs-auth/pkg/sigv4"
)

func TestS3ProvisionerEnsureBucket(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr bool
	}{
		{"created", http.StatusOK, "", false},
		{"already owned", http.StatusConflict, "<Error><Code>BucketAlreadyOwnedByYou</Code></Error>", false},
		{"owned by someone else", http.StatusConflict, "<Error><Code>BucketAlreadyExists</Code></Error>", true},
		{"forbidden", http.StatusForbidden, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewS3Provisioner(srv.URL+"/", "us-east-1", sigv4.Credentials{AccessKeyID: "admin", SecretAccessKey: "secret"})
			err := p.EnsureBucket(context.Background(), "tenant-0123456789abcdef")
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureBucket() error = %v, wantErr %v", err, tt.wantErr)
			}
			if gotPath != "/tenant-0123456789abcdef" {
				t.Errorf("request path = %q", gotPath)
			}
			if !strings.HasPrefix(gotAuth, sigv4.Algorithm+" Credential=admin/") {
				t.Errorf("Authorization = %q", gotAuth)
			}
		})
	}
}
