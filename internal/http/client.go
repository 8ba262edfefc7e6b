package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"
	"strings"

	"golang.org/x/net/http2"

	"github.com/rescale/rescale-ingest/internal/config"
	"github.com/rescale/rescale-ingest/internal/constants"
)

// CreateOptimizedClient creates an HTTP client tuned for many concurrent chunk
// uploads to one host, with proxy support.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Large connection pool sized for part_concurrency * chunk_concurrency
//   - HTTP/2 with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (chunk bodies are opaque bytes)
//
// If cfg is nil, proxy settings are read from the environment.
func CreateOptimizedClient(cfg *config.Config) (*nethttp.Client, error) {
	if cfg == nil {
		cfg = config.Default()
		cfg.Proxy.Mode = "system"
	}

	baseClient, err := ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM mode wraps the transport in ntlmssp.Negotiator; leave it as configured.
		return baseClient, nil
	}

	conns := cfg.PartConcurrency * cfg.ChunkConcurrency
	if conns < 16 {
		conns = 16
	}
	tr.MaxIdleConns = conns * 2
	tr.MaxIdleConnsPerHost = conns
	tr.MaxConnsPerHost = conns
	tr.IdleConnTimeout = constants.HTTPIdleConnTimeout

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	// Set DISABLE_HTTP2=true to force HTTP/1.1
	if os.Getenv("DISABLE_HTTP2") == "true" || (proxyActive(cfg) && os.Getenv("FORCE_HTTP2") != "true") {
		disableHTTP2(tr)
	}

	baseClient.Transport = tr
	return baseClient, nil
}

// proxyActive reports whether requests will go through a proxy.
// Proxies often mishandle HTTP/2 multiplexing, causing mid-transfer stream errors.
func proxyActive(cfg *config.Config) bool {
	switch strings.ToLower(cfg.Proxy.Mode) {
	case "no-proxy", "":
		return false
	case "system":
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "http_proxy", "https_proxy"} {
			if os.Getenv(key) != "" {
				return true
			}
		}
		return false
	default:
		return cfg.Proxy.Host != ""
	}
}

func disableHTTP2(tr *nethttp.Transport) {
	tr.ForceAttemptHTTP2 = false
	tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
}
