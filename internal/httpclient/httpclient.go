package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16
)

var defaultClient = New(DefaultTimeout)

// Default returns the shared tuned HTTP client used for EPG source downloads.
func Default() *http.Client {
	return defaultClient
}

// New returns a client whose per-attempt timeout covers connecting and waiting
// for response headers. The body itself is not bounded by the timeout: XMLTV
// feeds can take minutes to stream and are consumed incrementally.
func New(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   MaxIdleConnsPerHost,
			IdleConnTimeout:       DefaultIdleConnTimeout,
		},
	}
}
