// Package httpclient provides the HTTP client factory shared by the gateway's
// backend connection and the chat client.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// ClientConfig holds configuration options for creating HTTP clients
type ClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections to keep per-host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle (keep-alive) connection will remain idle before closing itself
	IdleConnTimeout time.Duration

	// Timeout caps the whole exchange including reading the body.
	// Streaming clients leave it at zero.
	Timeout time.Duration

	// DialTimeout is the maximum amount of time a dial will wait for a connect to complete
	DialTimeout time.Duration

	// KeepAlive specifies the interval between TCP keep-alives on an active network connection
	KeepAlive time.Duration

	// TLSHandshakeTimeout bounds the TLS handshake on https connections
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for response headers after the
	// request is written.
	ResponseHeaderTimeout time.Duration
}

// maxConnectTimeout caps each of the dial and TLS handshake phases.
const maxConnectTimeout = 10 * time.Second

// StreamingConfig returns a ClientConfig for long-lived streaming requests.
// headerTimeout is a single budget for dial, TLS handshake and response
// headers: the three phase timeouts add up to it. The body itself is not
// time-boxed.
func StreamingConfig(headerTimeout time.Duration) ClientConfig {
	connect := min(maxConnectTimeout, headerTimeout/4)
	header := headerTimeout - 2*connect
	if headerTimeout <= 0 {
		connect, header = maxConnectTimeout, 0
	}
	return ClientConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           connect,
		KeepAlive:             30 * time.Second,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: header,
	}
}

// NewHTTPClient creates a new HTTP client with the provided configuration.
// If config is nil, StreamingConfig(60s) is used.
func NewHTTPClient(config *ClientConfig) *http.Client {
	if config == nil {
		cfg := StreamingConfig(60 * time.Second)
		config = &cfg
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.Timeout,
	}
}
