package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-ingest/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect rescale-ingest configuration",
		Long: `Configuration commands for rescale-ingest.

Commands:
  show  - Display the merged configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the configuration after merging defaults, the config file,
RESCALE_INGEST_* environment variables and flags.

Secrets are never printed, only whether they are set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printConfig(out io.Writer, cfg *config.Config) {
	fmt.Fprintln(out, "Current Configuration")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Service:")
	fmt.Fprintf(out, "  Upload URL:  %s\n", cfg.UploadURL)
	fmt.Fprintf(out, "  API Key:     %s\n", secretState(cfg.APIKey))
	fmt.Fprintf(out, "  App Secret:  %s\n", secretState(cfg.AppSecret))
	fmt.Fprintf(out, "  Policy TTL:  %s\n", cfg.PolicyTTL)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Upload Settings:")
	fmt.Fprintf(out, "  Part Size:         %s\n", units.BytesSize(float64(cfg.PartSize)))
	fmt.Fprintf(out, "  Chunk Size:        %s\n", units.BytesSize(float64(cfg.EffectiveChunkSize())))
	fmt.Fprintf(out, "  Min Chunk Size:    %s\n", units.BytesSize(float64(cfg.MinChunkSize)))
	fmt.Fprintf(out, "  Max Retries:       %d\n", cfg.MaxRetries)
	fmt.Fprintf(out, "  Backoff Base:      %s\n", cfg.BackoffBase)
	fmt.Fprintf(out, "  Part Concurrency:  %d\n", cfg.PartConcurrency)
	fmt.Fprintf(out, "  Chunk Concurrency: %d\n", cfg.ChunkConcurrency)
	fmt.Fprintf(out, "  Intelligent:       %t\n", cfg.IntelligentIngestion)
	if len(cfg.UploadTags) > 0 {
		keys := make([]string, 0, len(cfg.UploadTags))
		for k := range cfg.UploadTags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "  Tags:")
		for _, k := range keys {
			fmt.Fprintf(out, "    %s=%s\n", k, cfg.UploadTags[k])
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Store:")
	fmt.Fprintf(out, "  Location:  %s\n", cfg.Store.Location)
	if cfg.Store.Region != "" {
		fmt.Fprintf(out, "  Region:    %s\n", cfg.Store.Region)
	}
	if cfg.Store.Container != "" {
		fmt.Fprintf(out, "  Container: %s\n", cfg.Store.Container)
	}
	if cfg.Store.Path != "" {
		fmt.Fprintf(out, "  Path:      %s\n", cfg.Store.Path)
	}
	fmt.Fprintf(out, "  Verify:    %t\n", cfg.VerifyDestination)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Proxy Settings:")
	fmt.Fprintf(out, "  Proxy Mode: %s\n", cfg.Proxy.Mode)
	if cfg.Proxy.Host != "" {
		fmt.Fprintf(out, "  Proxy Host: %s\n", cfg.Proxy.Host)
		fmt.Fprintf(out, "  Proxy Port: %d\n", cfg.Proxy.Port)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Advanced Settings:")
	fmt.Fprintf(out, "  Transport Retries:   %d\n", cfg.TransportRetries)
	if cfg.RequestsPerSecond > 0 {
		fmt.Fprintf(out, "  Requests Per Second: %g\n", cfg.RequestsPerSecond)
	}
	fmt.Fprintf(out, "  Progress:            %s\n", cfg.Progress)
	fmt.Fprintf(out, "  Log Level:           %s\n", cfg.LogLevel)
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(out, "  Metrics Address:     %s\n", cfg.MetricsAddr)
	}
}

// secretState never reveals any portion of a secret.
func secretState(s string) string {
	if s == "" {
		return "<not set>"
	}
	return fmt.Sprintf("<set (%d chars)>", len(s))
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			configPath := cfgFile
			if configPath == "" {
				configPath = config.DefaultConfigPath()
				fmt.Fprintln(out, "Default configuration path:")
			} else {
				fmt.Fprintln(out, "Configuration path (from --config flag):")
			}
			fmt.Fprintf(out, "  %s\n", configPath)

			if info, err := os.Stat(configPath); err == nil {
				fmt.Fprintln(out, "Status: file exists")
				fmt.Fprintf(out, "Size:   %d bytes\n", info.Size())
				fmt.Fprintf(out, "Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status: file does not exist (using defaults)")
			}
			return nil
		},
	}
}
