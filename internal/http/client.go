package http

import (
	"crypto/tls"
	"fmt"
	nethttp "net/http"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/rescale/market-publish/internal/config"
	"github.com/rescale/market-publish/internal/constants"
	"github.com/rescale/market-publish/internal/logging"
)

// CreateOptimizedClient creates an HTTP client tuned for streaming a large
// package in sequential chunks, with proxy support.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - HTTP/2 support with runtime toggle (DISABLE_HTTP2 env var)
//   - Disabled compression (APKs are already zip-compressed)
//   - No client-wide timeout: every request carries its own context deadline
func CreateOptimizedClient(cfg *config.Config) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	// NTLM mode wraps the transport in a negotiator; leave it as-is
	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		baseClient.Timeout = 0
		return baseClient, nil
	}

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	// Set DISABLE_HTTP2=true to force HTTP/1.1
	disableHTTP2 := os.Getenv("DISABLE_HTTP2") == "true"

	// Proxies often mishandle HTTP/2 streams mid-upload; FORCE_HTTP2=true overrides
	proxyActive := cfg.ProxyMode != ProxyModeNone && cfg.ProxyMode != ""
	if cfg.ProxyMode == ProxyModeSystem {
		proxyActive = os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	}
	if proxyActive && os.Getenv("FORCE_HTTP2") != "true" {
		disableHTTP2 = true
	}

	if disableHTTP2 {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	baseClient.Timeout = 0
	return baseClient, nil
}

// NewClient returns the client every platform call goes through: the
// optimized transport wrapped by retryablehttp.
//
// Retries are limited to idempotent requests (see IdempotentRetryPolicy) and
// are off unless cfg.RetryMax > 0. Responses are always passed through to the
// caller, so error bodies are never swallowed by the retry layer.
func NewClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	httpClient, err := CreateOptimizedClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = constants.RetryWaitMin
	retryClient.RetryWaitMax = constants.RetryWaitMax
	retryClient.CheckRetry = IdempotentRetryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &retryLogger{logger: logger}

	return retryClient.StandardClient(), nil
}
