package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/rescale/rescale-ingest/internal/cloud/providers/azure"
	"github.com/rescale/rescale-ingest/internal/cloud/providers/s3"
	"github.com/rescale/rescale-ingest/internal/config"
)

func TestNewVerifier(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Container = "ingest"
	cfg.AWS = config.AWSConfig{Region: "us-east-1", AccessKeyID: "AKIA", SecretAccessKey: "s"}
	cfg.Azure.SASURL = "https://acct.blob.core.windows.net/?sv=2023-01-03&sig=abc"

	cfg.Store.Location = "s3"
	v, err := NewVerifier(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("s3: %v", err)
	}
	if _, ok := v.(*s3.Verifier); !ok {
		t.Errorf("s3 location gave %T", v)
	}

	cfg.Store.Location = "Azure"
	v, err = NewVerifier(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("azure: %v", err)
	}
	if _, ok := v.(*azure.Verifier); !ok {
		t.Errorf("azure location gave %T", v)
	}

	cfg.Store.Location = "gcs"
	if _, err := NewVerifier(context.Background(), cfg, nil, nil); !errors.Is(err, ErrUnsupportedStore) {
		t.Errorf("gcs: err = %v, want ErrUnsupportedStore", err)
	}
}
