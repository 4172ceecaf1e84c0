package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

const DefaultHost = "http://localhost:11434"

// Client talks to one Ollama server. The model is chosen per request.
type Client struct {
	client     *api.Client
	httpClient *http.Client
	base       *url.URL
}

func NewClient(baseURL string) (*Client, error) {
	return NewClientWithHTTP(baseURL, http.DefaultClient)
}

// NewClientWithHTTP is NewClient with a caller supplied http.Client, used for
// request timeouts and tests.
func NewClientWithHTTP(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultHost
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Ollama URL: %q", baseURL)
	}

	return &Client{
		client:     api.NewClient(parsedURL, httpClient),
		httpClient: httpClient,
		base:       parsedURL,
	}, nil
}

// NewHTTPClient bounds the wait for response headers only. A generation may
// stream for longer than headerTimeout; the request context cancels it.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// ListModels queries GET /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", wrapTransport(c.BaseURL(), err))
	}

	models := make([]ModelInfo, len(resp.Models))
	for i, model := range resp.Models {
		models[i] = ModelInfo{
			Name:       model.Name,
			Size:       model.Size,
			ModifiedAt: model.ModifiedAt,
		}
	}
	return models, nil
}

func (c *Client) BaseURL() string {
	return strings.TrimRight(c.base.String(), "/")
}

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := c.client.List(ctx); err != nil {
		return wrapTransport(c.BaseURL(), err)
	}
	return nil
}

// wrapTransport turns dial and DNS failures into a *ConnectionError and leaves
// everything else (status errors, cancellation) alone.
func wrapTransport(host string, err error) error {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return &ConnectionError{Host: host, Err: err}
	case errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
		return &ConnectionError{Host: host, Err: err}
	}
	return err
}
