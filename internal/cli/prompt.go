package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/rescale/rescale-ingest/internal/config"
)

var errNoTerminal = errors.New("proxy password required: set RESCALE_INGEST_PROXY_PASSWORD or run interactively")

// readPassword is replaced in tests.
var readPassword = func() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	b, err := term.ReadPassword(fd)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// promptProxyPassword fills cfg.Proxy.Password when the proxy mode needs one
// and none was configured.
func promptProxyPassword(cfg *config.Config, out io.Writer) error {
	if !cfg.NeedsProxyPassword() {
		return nil
	}
	fmt.Fprintf(out, "Proxy password for %s@%s: ", cfg.Proxy.User, cfg.Proxy.Host)
	pw, err := readPassword()
	fmt.Fprintln(out)
	if err != nil {
		return err
	}
	pw = strings.TrimRight(pw, "\r\n")
	if pw == "" {
		return errors.New("proxy password must not be empty")
	}
	cfg.Proxy.Password = pw
	return nil
}
