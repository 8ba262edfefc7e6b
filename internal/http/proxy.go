package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rescale-ingest/internal/config"
	"github.com/rescale/rescale-ingest/internal/constants"
)

// ConfigureHTTPClient builds an HTTP client honouring the proxy section of cfg.
//
// Modes:
//   - no-proxy: direct connections
//   - system: HTTP_PROXY / HTTPS_PROXY / NO_PROXY from the environment
//   - basic: explicit proxy with optional user/password
//   - ntlm: explicit proxy wrapped in an NTLM negotiator
//
// basic and ntlm fall back to direct connections when no host is configured.
func ConfigureHTTPClient(cfg *config.Config) (*nethttp.Client, error) {
	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100, // Every chunk slot of every part talks to the same host
		MaxConnsPerHost:       100, // Must be >= MaxIdleConnsPerHost
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		ResponseHeaderTimeout: constants.HTTPResponseHeaderTimeout,
	}

	proxy := cfg.Proxy
	mode := strings.ToLower(proxy.Mode)
	var roundTripper nethttp.RoundTripper = transport

	switch mode {
	case "no-proxy", "":
		transport.Proxy = nil

	case "system":
		transport.Proxy = nethttp.ProxyFromEnvironment

	case "basic", "ntlm":
		if proxy.Host == "" {
			log.Warn().Str("mode", mode).Msg("proxy host is missing, falling back to direct connections")
			mode = "no-proxy"
			break
		}
		if proxy.User != "" && proxy.Password == "" {
			log.Warn().Str("user", proxy.User).Msg("proxy user configured but password missing, proxy auth disabled")
		}
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(proxy), proxy.NoProxy)
		if mode == "ntlm" {
			roundTripper = ntlmssp.Negotiator{RoundTripper: transport}
		}

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidProxyMode, proxy.Mode)
	}

	// Per-request deadlines come from contexts; a client timeout would cut long chunk bodies.
	client := &nethttp.Client{Transport: roundTripper}

	if proxy.Warmup && mode != "no-proxy" && mode != "" && (proxy.User == "" || proxy.Password != "") {
		if err := warmupProxy(client, cfg.UploadURL); err != nil {
			return nil, fmt.Errorf("proxy warmup failed: %w", err)
		}
	}

	return client, nil
}

// buildProxyURL constructs a proxy URL from config
func buildProxyURL(proxy config.ProxyConfig) *url.URL {
	port := proxy.Port
	if port == 0 {
		port = 8080 // Default proxy port
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(proxy.Host, fmt.Sprint(port)),
	}

	// Only embed credentials if both user AND password are provided
	// Empty password in URL can cause auth failures with some proxies
	if proxy.User != "" && proxy.Password != "" {
		proxyURL.User = url.UserPassword(proxy.User, proxy.Password)
	}

	return proxyURL
}

// warmupProxy sends one HEAD to the upload service so the proxy tunnel
// and any NTLM handshake are established before chunk traffic starts.
func warmupProxy(client *nethttp.Client, target string) error {
	if target == "" {
		target = constants.DefaultUploadURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodHead, target, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("warmup request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == nethttp.StatusProxyAuthRequired {
		return fmt.Errorf("proxy rejected credentials: %d", resp.StatusCode)
	}
	return nil
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
// When noProxy is set, uses golang.org/x/net/http/httpproxy to match hosts/CIDRs.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			log.Debug().Str("host", req.URL.Host).Msg("proxy bypass (direct connection)")
		} else {
			log.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("proxied")
		}
		return result, err
	}
}
