// Package s3 checks objects the ingest service stored in S3.
package s3

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/rescale-ingest/internal/logging"
)

// Options selects the bucket and credentials. Empty credentials fall back to
// the default AWS chain (env, shared config, instance role).
type Options struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string // Custom endpoint, path-style addressing
}

// headAPI is the part of *s3.Client the verifier needs
type headAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Verifier compares an S3 object's size with the uploaded file.
type Verifier struct {
	client headAPI
	bucket string
	logger *logging.Logger
}

// NewVerifier builds an S3 client sharing httpClient's connection pool.
func NewVerifier(ctx context.Context, opts Options, httpClient *nethttp.Client, logger *logging.Logger) (*Verifier, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 verifier needs a bucket (store.container)")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if httpClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(httpClient))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newVerifier(client, opts.Bucket, logger), nil
}

func newVerifier(client headAPI, bucket string, logger *logging.Logger) *Verifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Verifier{client: client, bucket: bucket, logger: logger.Component("verify").WithField("store", "s3")}
}

// Verify checks that key exists in the bucket and holds size bytes.
func (v *Verifier) Verify(ctx context.Context, key string, size int64) error {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("head s3://%s/%s: %w", v.bucket, key, err)
	}
	got := aws.ToInt64(out.ContentLength)
	if got != size {
		return fmt.Errorf("s3://%s/%s is %d bytes, expected %d", v.bucket, key, got, size)
	}
	v.logger.Debug().Str("key", key).Int64("size", got).Msg("destination verified")
	return nil
}
