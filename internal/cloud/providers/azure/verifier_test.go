package azure

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestVerifier_Verify(t *testing.T) {
	tests := []struct {
		name    string
		blob    int64
		err     error
		wantErr string
	}{
		{"match", 2048, nil, ""},
		{"size mismatch", 10, nil, "is 10 bytes, expected 2048"},
		{"not found", 0, errors.New("BlobNotFound"), "BlobNotFound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotContainer, gotKey string
			v := newVerifier("ingest", func(_ context.Context, container, key string) (int64, error) {
				gotContainer, gotKey = container, key
				return tt.blob, tt.err
			}, nil)

			err := v.Verify(context.Background(), "runs/out.bin", 2048)
			if tt.wantErr == "" && err != nil {
				t.Fatalf("Verify failed: %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
			if gotContainer != "ingest" || gotKey != "runs/out.bin" {
				t.Errorf("looked up %s/%s", gotContainer, gotKey)
			}
		})
	}
}

func TestNewVerifier_GetProperties(t *testing.T) {
	var path string
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		path = r.URL.Path
		if r.Method != nethttp.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.Header().Set("Content-Length", fmt.Sprint(4096))
		w.Header().Set("x-ms-blob-type", "BlockBlob")
		w.WriteHeader(nethttp.StatusOK)
	}))
	defer srv.Close()

	v, err := NewVerifier(srv.URL+"/?sv=2023-01-03&sig=abc", "ingest", srv.Client(), nil)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	if err := v.Verify(context.Background(), "runs/out.bin", 4096); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if path != "/ingest/runs/out.bin" {
		t.Errorf("request path = %q", path)
	}
}

func TestNewVerifier_Validation(t *testing.T) {
	if _, err := NewVerifier("", "c", nil, nil); err == nil {
		t.Error("expected an error without a SAS URL")
	}
	if _, err := NewVerifier("https://acct.blob.core.windows.net/?sv=1", "", nil, nil); err == nil {
		t.Error("expected an error without a container")
	}
}
