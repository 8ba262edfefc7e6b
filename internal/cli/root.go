// Package cli provides the command-line interface for rescale-ingest.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-ingest/internal/config"
	"github.com/rescale/rescale-ingest/internal/logging"
	"github.com/rescale/rescale-ingest/internal/version"
)

var (
	// Global flags
	cfgFile   string
	tokenFile string // Path to file containing API key
	verbose   bool
	debug     bool

	// Global logger
	logger *logging.Logger
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rescale-ingest",
		Short: "Upload large files through the multipart ingest service",
		Long: `rescale-ingest ` + version.Version + ` - Built: ` + version.BuildTime + `

Uploads files in parts. Each part is sent as a stream of chunks that shrink
automatically when the service rejects them, then committed; the file is
finalized once every part has committed.

Configuration is read from (highest priority first):
  1. Command-line flags
  2. RESCALE_INGEST_* environment variables
  3. The config file (` + config.DefaultConfigPath() + `)`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	pf.String("api-key", "", "Ingest API key (overrides all other sources)")
	pf.StringVar(&tokenFile, "token-file", "", "Path to file containing API key")
	pf.String("app-secret", "", "Application secret used to sign policies")
	pf.Duration("policy-ttl", 0, "Lifetime of generated policies (default 1h)")
	pf.String("upload-url", "", "Ingest service base URL")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	pf.Float64("requests-per-second", 0, "Limit outgoing requests (0 = unlimited)")
	pf.String("proxy-mode", "", "Proxy mode: no-proxy, system, basic, ntlm")
	pf.String("proxy-host", "", "Proxy host")
	pf.Int("proxy-port", 0, "Proxy port")
	pf.String("proxy-user", "", "Proxy user (password from RESCALE_INGEST_PROXY_PASSWORD)")
	pf.String("no-proxy", "", "Comma-separated hosts that bypass the proxy")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	pf.BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.String()

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newSignCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the CLI. Cancelling ctx (e.g. on SIGINT) aborts uploads in flight.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// loadConfig merges file, environment and flags for cmd, then applies the
// token file and the configured log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	if tokenFile != "" && !cmd.Flags().Changed("api-key") {
		key, err := config.ReadTokenFile(tokenFile)
		if err != nil {
			return nil, err
		}
		cfg.APIKey = key
	}

	if !verbose && !debug {
		level, err := logging.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logging.SetGlobalLevel(level)
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rescale-ingest %s\n", version.String())
		},
	}
}
