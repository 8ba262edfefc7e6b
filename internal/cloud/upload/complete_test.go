package upload

import (
	"context"
	"encoding/json"
	"errors"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/constants"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/models"
)

func TestCompleter_RetriesUntilSuccess(t *testing.T) {
	ft := newFakeTransport()
	ft.onJSON(constants.CompletePath, failFirst(4, nethttp.StatusServiceUnavailable, constants.CompletePath))

	desc := testDescriptor(newMemReader(10), models.UploadOptions{})
	etags := NewPartETags()
	etags.Set(1, "e1")

	start := time.Now()
	resp, err := NewCompleter(testServices(ft), desc, etags).Run(context.Background())
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resp.Handle != "h-1" || resp.URL != "https://cdn.test/h-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if got := len(ft.jsonCalls(constants.CompletePath)); got != 5 {
		t.Errorf("complete attempts = %d, want 5", got)
	}
	// 1ms + 2ms + 4ms + 8ms of backoff
	if elapsed < 15*time.Millisecond {
		t.Errorf("retries did not back off, elapsed %v", elapsed)
	}
}

func TestCompleter_Exhausted(t *testing.T) {
	ft := newFakeTransport()
	ft.onJSON(constants.CompletePath, func(int, map[string]any) storage.Response {
		return statusResponse(nethttp.StatusServiceUnavailable)
	})

	svc := testServices(ft)
	svc.Retry = inthttp.Config{MaxAttempts: 3, BackoffBase: time.Millisecond}
	desc := testDescriptor(newMemReader(10), models.UploadOptions{})

	_, err := NewCompleter(svc, desc, NewPartETags()).Run(context.Background())
	if !errors.Is(err, storage.ErrCompleteFailed) || !errors.Is(err, storage.ErrRetriesExhausted) {
		t.Fatalf("expected exhausted completion, got %v", err)
	}
	if storage.StatusCode(err) != nethttp.StatusServiceUnavailable {
		t.Errorf("last status not preserved in %v", err)
	}
	if got := len(ft.jsonCalls(constants.CompletePath)); got != 3 {
		t.Errorf("complete attempts = %d, want 3", got)
	}
}

func TestCompleter_TransportFailureRetriesImmediately(t *testing.T) {
	ft := newFakeTransport()
	ft.onJSON(constants.CompletePath, func(n int, _ map[string]any) storage.Response {
		if n == 0 {
			return storage.Response{Err: storage.ErrTransport}
		}
		return defaultJSONResponse(constants.CompletePath)
	})

	svc := testServices(ft)
	svc.Retry = inthttp.Config{MaxAttempts: 2, BackoffBase: time.Hour}
	desc := testDescriptor(newMemReader(10), models.UploadOptions{})

	done := make(chan error, 1)
	go func() {
		_, err := NewCompleter(svc, desc, NewPartETags()).Run(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("a transport failure should not back off")
	}
}

func TestCompleter_Cancel(t *testing.T) {
	ft := newFakeTransport()
	ft.onJSON(constants.CompletePath, func(int, map[string]any) storage.Response {
		return statusResponse(nethttp.StatusServiceUnavailable)
	})

	svc := testServices(ft)
	svc.Retry = inthttp.Config{MaxAttempts: 5, BackoffBase: time.Hour}
	desc := testDescriptor(newMemReader(10), models.UploadOptions{})
	c := NewCompleter(svc, desc, NewPartETags())

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(context.Background())
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for len(ft.jsonCalls(constants.CompletePath)) == 0 {
		select {
		case <-deadline:
			t.Fatal("no completion request was sent")
		case <-time.After(time.Millisecond):
		}
	}
	c.Cancel()

	select {
	case err := <-done:
		if !errors.Is(err, storage.ErrCancelled) || !errors.Is(err, storage.ErrCompleteFailed) {
			t.Fatalf("expected cancelled completion, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestCompleter_Payload(t *testing.T) {
	etags := NewPartETags()
	etags.Set(3, "c")
	etags.Set(1, "a")
	etags.Set(2, "b")

	tests := []struct {
		name      string
		opts      models.UploadOptions
		security  *models.Security
		wantFii   bool
		wantParts int
		wantTags  bool
		wantSig   bool
	}{
		{"regular", models.UploadOptions{}, nil, false, 3, false, false},
		{"intelligent", models.UploadOptions{Intelligent: true}, nil, true, 0, false, false},
		{"tags", models.UploadOptions{UploadTags: map[string]string{"project": "x"}}, nil, false, 3, true, false},
		{"signed", models.UploadOptions{}, &models.Security{EncodedPolicy: "pol", Signature: "sig"}, false, 3, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := testDescriptor(newMemReader(10), tt.opts)
			desc.Security = tt.security

			raw, err := json.Marshal(NewCompleter(testServices(nil), desc, etags).Payload())
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			if _, ok := body["fii"]; ok != tt.wantFii {
				t.Errorf("fii present = %v, want %v", ok, tt.wantFii)
			}
			parts, _ := body["parts"].([]any)
			if len(parts) != tt.wantParts {
				t.Errorf("parts = %d, want %d", len(parts), tt.wantParts)
			}
			for i, p := range parts {
				entry := p.(map[string]any)
				if entry["part_number"] != float64(i+1) {
					t.Errorf("parts not ordered: %v", parts)
				}
			}
			if _, ok := body["upload_tags"]; ok != tt.wantTags {
				t.Errorf("upload_tags present = %v, want %v", ok, tt.wantTags)
			}
			if _, ok := body["signature"]; ok != tt.wantSig {
				t.Errorf("signature present = %v, want %v", ok, tt.wantSig)
			}
			for _, key := range []string{"apikey", "uri", "region", "upload_id", "filename", "mimetype", "size", "store"} {
				if _, ok := body[key]; !ok {
					t.Errorf("payload missing %q", key)
				}
			}
		})
	}
}

func TestPartETags(t *testing.T) {
	etags := NewPartETags()
	if etags.Len() != 0 {
		t.Fatal("new map should be empty")
	}
	etags.Set(2, "b")
	etags.Set(1, "a")
	etags.Set(2, "b2")

	if got, ok := etags.Get(2); !ok || got != "b2" {
		t.Errorf("Get(2) = %q, %v", got, ok)
	}
	if _, ok := etags.Get(5); ok {
		t.Error("Get(5) should miss")
	}
	entries := etags.Entries()
	if len(entries) != 2 || entries[0].PartNumber != 1 || entries[1].ETag != "b2" {
		t.Errorf("unexpected entries %+v", entries)
	}
}

func TestCompleter_DefaultBackoff(t *testing.T) {
	ft := newFakeTransport()
	ft.onJSON(constants.CompletePath, failFirst(1, nethttp.StatusServiceUnavailable, constants.CompletePath))

	desc := testDescriptor(newMemReader(10), models.UploadOptions{})
	start := time.Now()
	if _, err := NewCompleter(&Services{Transport: ft}, desc, NewPartETags()).Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < constants.RetryBackoffBase {
		t.Errorf("retry after a server failure waited %v, want at least %v", elapsed, constants.RetryBackoffBase)
	}
	if got := len(ft.jsonCalls(constants.CompletePath)); got != 2 {
		t.Errorf("complete attempts = %d, want 2", got)
	}
}
