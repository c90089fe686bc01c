package utils

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewHTTPClient returns the client used for model backends. With debug set,
// outgoing requests are logged through a DebugTransport tagged with name.
func NewHTTPClient(timeout time.Duration, name string, debug bool) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if debug {
		transport = NewDebugTransport(transport, name)
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
