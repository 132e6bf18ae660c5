package httputil

import (
	"net"
	"net/http"
	"time"
)

type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

// ChatConfig is the preset for chat completion calls. The overall timeout
// bounds the outbound call; Timeout covers the whole exchange including the
// response body, so streamed relays use ResponseHeaderTimeout instead.
func ChatConfig() ClientConfig {
	return ClientConfig{
		Timeout:               60 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
}

// ProbeConfig is the preset for health checks and model listings.
func ProbeConfig() ClientConfig {
	cfg := ChatConfig()
	cfg.Timeout = 10 * time.Second
	cfg.ResponseHeaderTimeout = 10 * time.Second
	return cfg
}

// StreamConfig is ChatConfig without the overall deadline: a relay may
// legitimately outlive 60s, so only the header wait is bounded and lifetime
// is governed by the request context.
func StreamConfig() ClientConfig {
	cfg := ChatConfig()
	cfg.Timeout = 0
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}
}

// Clients bundles the per-purpose HTTP clients shared by all adapters.
type Clients struct {
	Chat   *http.Client
	Stream *http.Client
	Probe  *http.Client
}

func DefaultClients() *Clients {
	return &Clients{
		Chat:   NewClient(ChatConfig()),
		Stream: NewClient(StreamConfig()),
		Probe:  NewClient(ProbeConfig()),
	}
}
