package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-ingest/internal/cloud/providers"
	"github.com/rescale/rescale-ingest/internal/cloud/storage"
	"github.com/rescale/rescale-ingest/internal/cloud/upload"
	"github.com/rescale/rescale-ingest/internal/config"
	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/crypto"
	"github.com/rescale/rescale-ingest/internal/events"
	inthttp "github.com/rescale/rescale-ingest/internal/http"
	"github.com/rescale/rescale-ingest/internal/metrics"
	"github.com/rescale/rescale-ingest/internal/models"
	"github.com/rescale/rescale-ingest/internal/progress"
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload FILE...",
		Short: "Upload one or more files",
		Long: `Upload files through the multipart ingest protocol.

Glob patterns are expanded even when quoted. For each file:
  - a multipart session is opened
  - the file is split into parts of --part-size
  - each part is uploaded in chunks starting at --chunk-size, halved on
    every server rejection down to --min-chunk-size
  - parts are committed and the upload is completed

On success the file handle and URL are printed, one line per file.

Examples:
  rescale-ingest upload results.tar.gz
  rescale-ingest upload "runs/*.h5" --part-concurrency 8 --tag project=wing`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, args)
		},
	}

	f := cmd.Flags()
	f.String("part-size", "", "Part size (e.g. 8MiB)")
	f.String("chunk-size", "", "Initial chunk size (e.g. 1MiB)")
	f.String("min-chunk-size", "", "Smallest chunk size before a part fails (e.g. 32KiB)")
	f.Int("max-retries", 0, "Transport retry budget per part and commit attempts")
	f.Int("chunk-concurrency", 0, "Concurrent chunks per part")
	f.Int("part-concurrency", 0, "Concurrent parts")
	f.Bool("fii", true, "Intelligent ingestion (server assembles parts without an ETag list)")
	f.String("store-location", "", "Destination store: s3, azure, gcs, ...")
	f.String("store-region", "", "Destination region")
	f.String("store-container", "", "Destination bucket or container")
	f.String("store-path", "", "Destination path prefix")
	f.String("store-access", "", "Destination access: public or private")
	f.StringToString("tag", nil, "Upload tag key=value (repeatable)")
	f.String("progress", "", "Progress display: bars, simple, none")
	f.Bool("verify", false, "Check the stored object's size after completion")
	f.String("mimetype", "", "MIME type (sniffed from content when empty)")
	f.Bool("desktop", false, "Start with 8MiB chunks for well-connected hosts")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log := GetLogger()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if desktop, _ := cmd.Flags().GetBool("desktop"); desktop && !cmd.Flags().Changed("chunk-size") {
		cfg.InitialChunkSize = constants.DesktopChunkSize
	}
	if err := promptProxyPassword(cfg, cmd.ErrOrStderr()); err != nil {
		return err
	}

	files, err := expandGlobPatterns(args)
	if err != nil {
		return err
	}
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("'%s' is a directory, not a file", path)
		}
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		metricsLog := log.Component("metrics")
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
				metricsLog.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server stopped")
			}
		}()
	}

	httpClient, err := inthttp.CreateOptimizedClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create HTTP client: %w", err)
	}
	transport := inthttp.NewTransport(httpClient, inthttp.TransportOptions{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Retries:           cfg.TransportRetries,
		RetryWaitMin:      constants.TransportRetryWaitMin,
		RetryWaitMax:      constants.TransportRetryWaitMax,
		Logger:            log,
	})

	bus := events.NewEventBus(constants.EventBusDefaultBuffer)
	defer bus.Close()

	svc := &upload.Services{
		Transport: transport,
		Logger:    log,
		Events:    bus,
		Metrics:   m,
		Retry:     inthttp.Config{MaxAttempts: cfg.MaxRetries, BackoffBase: cfg.BackoffBase},
	}

	opts, err := uploadOptions(cfg)
	if err != nil {
		return err
	}
	opts.MIMEType, _ = cmd.Flags().GetString("mimetype")
	if cfg.VerifyDestination {
		v, err := providers.NewVerifier(ctx, cfg, httpClient, log)
		if err != nil {
			return fmt.Errorf("failed to set up verification: %w", err)
		}
		opts.Verifier = v
	}

	uploader := upload.NewUploader(svc)
	out := cmd.OutOrStdout()
	var failed int
	for _, path := range files {
		opts.Renderer = progress.New(cfg.Progress, cmd.ErrOrStderr())
		log.SetOutput(opts.Renderer.Writer())
		resp, err := uploader.UploadFile(ctx, path, opts)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s\t%s\t%s\n", path, resp.Handle, resp.URL)
		case resp != nil && errors.Is(err, storage.ErrVerificationFailed):
			fmt.Fprintf(out, "%s\t%s\t%s\tunverified\n", path, resp.Handle, resp.URL)
			log.Error().Err(err).Str("file", path).Msg("upload completed but verification failed")
			failed++
		default:
			log.Error().Err(err).Str("file", path).Msg("upload failed")
			failed++
		}
		if ctx.Err() != nil {
			return fmt.Errorf("upload cancelled: %w", storage.ErrCancelled)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(files))
	}
	return nil
}

// uploadOptions maps the configuration onto per-upload options, signing a
// policy when an app secret is configured.
func uploadOptions(cfg *config.Config) (upload.Options, error) {
	opts := upload.Options{
		APIKey:    cfg.APIKey,
		UploadURL: cfg.UploadURL,
		PartSize:  cfg.PartSize,
		Upload: models.UploadOptions{
			InitialChunkSize: cfg.EffectiveChunkSize(),
			MinChunkSize:     cfg.MinChunkSize,
			ChunkConcurrency: cfg.ChunkConcurrency,
			PartConcurrency:  cfg.PartConcurrency,
			MaxRetries:       cfg.MaxRetries,
			Intelligent:      cfg.IntelligentIngestion,
			UploadTags:       cfg.UploadTags,
			Store: models.StoreOptions{
				Location:  cfg.Store.Location,
				Region:    cfg.Store.Region,
				Container: cfg.Store.Container,
				Path:      cfg.Store.Path,
				Access:    cfg.Store.Access,
			},
		},
	}

	if cfg.AppSecret != "" {
		ttl := cfg.PolicyTTL
		if ttl <= 0 {
			ttl = constants.DefaultPolicyTTL
		}
		sec, err := crypto.NewSecurity(crypto.NewPolicy(ttl, "store"), cfg.AppSecret)
		if err != nil {
			return opts, fmt.Errorf("failed to sign upload policy: %w", err)
		}
		opts.Security = sec
	}
	return opts, nil
}

// expandGlobPatterns expands glob patterns like *.zip, even when quoted
// Returns deduplicated list of absolute file paths
func expandGlobPatterns(patterns []string) ([]string, error) {
	var expandedFiles []string
	seenFiles := make(map[string]bool)

	add := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to get absolute path for %s: %w", path, err)
		}
		if !seenFiles[absPath] {
			expandedFiles = append(expandedFiles, absPath)
			seenFiles[absPath] = true
		}
		return nil
	}

	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[]") {
			if err := add(pattern); err != nil {
				return nil, err
			}
			continue
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match pattern: %s", pattern)
		}
		for _, match := range matches {
			if err := add(match); err != nil {
				return nil, err
			}
		}
	}

	return expandedFiles, nil
}
