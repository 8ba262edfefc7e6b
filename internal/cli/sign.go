package cli

import (
	"encoding/json"
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-ingest/internal/constants"
	"github.com/rescale/rescale-ingest/internal/crypto"
)

type signFlags struct {
	calls     string
	expiry    time.Duration
	handle    string
	url       string
	maxSize   string
	minSize   string
	path      string
	container string
	asJSON    bool
}

func newSignCmd() *cobra.Command {
	var flags signFlags

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a security policy with the app secret",
		Long: `Build a policy, encode it and sign it with the application secret.

The printed policy and signature can be passed to any client of the ingest
service. Sizes accept units (e.g. 100MiB).

Examples:
  rescale-ingest sign --app-secret s3cr3t
  rescale-ingest sign --call read,stat --handle abc123 --expiry 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSign(cmd, flags)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.calls, "call", "read,store", "Comma-separated calls to allow")
	f.DurationVar(&flags.expiry, "expiry", 0, "Policy lifetime (defaults to --policy-ttl)")
	f.StringVar(&flags.handle, "handle", "", "Restrict to one file handle")
	f.StringVar(&flags.url, "url", "", "Restrict to a URL pattern")
	f.StringVar(&flags.maxSize, "max-size", "", "Largest allowed upload")
	f.StringVar(&flags.minSize, "min-size", "", "Smallest allowed upload")
	f.StringVar(&flags.path, "path", "", "Restrict storage path")
	f.StringVar(&flags.container, "container", "", "Restrict storage container")
	f.BoolVar(&flags.asJSON, "json", false, "Also print the decoded policy as JSON")

	return cmd
}

func runSign(cmd *cobra.Command, flags signFlags) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.AppSecret == "" {
		return crypto.ErrMissingSecret
	}

	ttl := flags.expiry
	if ttl <= 0 {
		ttl = cfg.PolicyTTL
	}
	if ttl <= 0 {
		ttl = constants.DefaultPolicyTTL
	}

	policy := crypto.NewPolicy(ttl, crypto.ParseCalls(flags.calls)...)
	policy.Handle = flags.handle
	policy.URL = flags.url
	policy.Path = flags.path
	policy.Container = flags.container
	if policy.MaxSize, err = parseSize("max-size", flags.maxSize); err != nil {
		return err
	}
	if policy.MinSize, err = parseSize("min-size", flags.minSize); err != nil {
		return err
	}
	if policy.MaxSize > 0 && policy.MinSize > policy.MaxSize {
		return fmt.Errorf("--min-size %d exceeds --max-size %d", policy.MinSize, policy.MaxSize)
	}

	sec, err := crypto.NewSecurity(policy, cfg.AppSecret)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "policy: %s\n", sec.EncodedPolicy)
	fmt.Fprintf(out, "signature: %s\n", sec.Signature)
	fmt.Fprintf(out, "expires: %s\n", policyExpiry(policy.Expiry))
	if flags.asJSON {
		raw, err := json.MarshalIndent(policy, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(raw))
	}
	return nil
}

func parseSize(flag, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", flag, s, err)
	}
	return n, nil
}

// policyExpiry formats a policy expiry for display
func policyExpiry(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}
