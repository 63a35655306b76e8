package provider

import (
	"net/http"
	"time"
)

// HTTPProvider is a provider reached over HTTP, with an always-available
// unary transport and an optional duplex channel.
type HTTPProvider struct {
	name   string
	unary  *UnaryTransport
	duplex *DuplexTransport
}

// Endpoint configures an HTTPProvider.
type Endpoint struct {
	Name      string
	StreamURL string // chat-completions SSE endpoint
	DuplexURL string // ws:// or wss:// endpoint, empty when unsupported
	APIKey    string
	Timeout   time.Duration // per-open timeout, 0 for default
}

// NewHTTPProvider builds a provider from an endpoint description.
func NewHTTPProvider(ep Endpoint) *HTTPProvider {
	headers := map[string]string{}
	if ep.APIKey != "" {
		headers["Authorization"] = "Bearer " + ep.APIKey
	}
	timeout := ep.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{
		Transport: &http.Transport{ResponseHeaderTimeout: timeout},
	}

	p := &HTTPProvider{
		name:  ep.Name,
		unary: NewUnaryTransport(client, ep.StreamURL, ep.Name, headers),
	}
	if ep.DuplexURL != "" {
		p.duplex = NewDuplexTransport(ep.DuplexURL, ep.Name, headers)
	}
	return p
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Unary() Transport { return p.unary }

// Duplex returns nil when the endpoint has no duplex channel.
func (p *HTTPProvider) Duplex() Transport {
	if p.duplex == nil {
		return nil
	}
	return p.duplex
}

func (p *HTTPProvider) Close() error {
	return p.unary.Close()
}

// HTTPFactory creates HTTPProviders for one configured endpoint.
type HTTPFactory struct {
	endpoint Endpoint
}

func NewHTTPFactory(ep Endpoint) *HTTPFactory { return &HTTPFactory{endpoint: ep} }

func (f *HTTPFactory) Name() string { return f.endpoint.Name }

func (f *HTTPFactory) Create(model string, opts Options) Provider {
	return NewHTTPProvider(f.endpoint)
}
