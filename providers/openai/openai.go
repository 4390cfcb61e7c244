// Package openai implements the OpenAI Batch API client used to upload
// request files, create and poll batches, and download result files. All
// methods take the API key explicitly so one client can serve every
// configured key.
package openai

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/getcaravan/caravan/schemas"
)

const (
	defaultBaseURL = "https://api.openai.com"

	// Result files and 200MB uploads move slowly; the request timeout is
	// sized for them rather than for chat-style latency.
	defaultConnectTimeoutInSeconds = 60
	defaultRequestTimeoutInSeconds = 1800

	defaultMaxConnsPerHost = 64

	// errorBodyPreviewLimit caps how much of an unparseable error body is
	// carried into the error message.
	errorBodyPreviewLimit = 512
)

// Config holds the provider client configuration.
type Config struct {
	BaseURL                 string            `json:"base_url,omitempty"`
	ConnectTimeoutInSeconds int               `json:"connect_timeout_in_seconds,omitempty"`
	RequestTimeoutInSeconds int               `json:"request_timeout_in_seconds,omitempty"`
	MaxConnsPerHost         int               `json:"max_conns_per_host,omitempty"`
	ExtraHeaders            map[string]string `json:"extra_headers,omitempty"`
}

func (c *Config) checkAndSetDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.ConnectTimeoutInSeconds <= 0 {
		c.ConnectTimeoutInSeconds = defaultConnectTimeoutInSeconds
	}
	if c.RequestTimeoutInSeconds <= 0 {
		c.RequestTimeoutInSeconds = defaultRequestTimeoutInSeconds
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = defaultMaxConnsPerHost
	}
}

// Client talks to the OpenAI Batch API over fasthttp.
type Client struct {
	client *fasthttp.Client
	config *Config
	logger schemas.Logger
}

// NewClient creates a provider client for the given configuration.
func NewClient(config *Config, logger schemas.Logger) *Client {
	if config == nil {
		config = &Config{}
	}
	config.checkAndSetDefaults()

	connectTimeout := time.Second * time.Duration(config.ConnectTimeoutInSeconds)
	client := &fasthttp.Client{
		ReadTimeout:     time.Second * time.Duration(config.RequestTimeoutInSeconds),
		WriteTimeout:    time.Second * time.Duration(config.RequestTimeoutInSeconds),
		MaxConnsPerHost: config.MaxConnsPerHost,
		Dial: func(addr string) (net.Conn, error) {
			return fasthttp.DialTimeout(addr, connectTimeout)
		},
	}

	return &Client{
		client: client,
		config: config,
		logger: logger,
	}
}

// setHeaders applies the configured extra headers and the key's bearer token.
// Extra headers go first so they can never shadow the authorization header.
func (c *Client) setHeaders(req *fasthttp.Request, key string) {
	for name, value := range c.config.ExtraHeaders {
		req.Header.Set(name, value)
	}
	req.Header.Set("Authorization", "Bearer "+key)
}

// doRequest sends the request while honoring context cancellation. fasthttp
// does not take a context, so the call runs in a goroutine and the first of
// completion or cancellation wins.
func (c *Client) doRequest(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) error {
	errChan := make(chan error, 1)
	go func() {
		errChan <- c.client.Do(req, resp)
	}()

	select {
	case <-ctx.Done():
		return schemas.NewProviderError("request cancelled or timed out by context", ctx.Err(), false)
	case err := <-errChan:
		if err != nil {
			return schemas.NewProviderError("provider request failed", err, true)
		}
		return nil
	}
}

// doJSON sends the request and decodes a 2xx response body into out. Non-2xx
// responses are mapped to *schemas.ProviderError.
func (c *Client) doJSON(ctx context.Context, req *fasthttp.Request, out any) error {
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := c.doRequest(ctx, req, resp); err != nil {
		return err
	}
	if err := checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to parse provider response: %w", err)
	}
	return nil
}

// checkResponse maps non-2xx responses onto ProviderError. Server-side
// failures are retryable within the tick; everything else is not, though
// quota-style rejections still reach the cooldown path via IsQuota.
func checkResponse(resp *fasthttp.Response) error {
	status := resp.StatusCode()
	if status >= 200 && status < 300 {
		return nil
	}
	return parseProviderError(status, resp.Body())
}

func parseProviderError(status int, body []byte) *schemas.ProviderError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
			Param   string `json:"param"`
		} `json:"error"`
	}
	_ = sonic.Unmarshal(body, &envelope)

	providerErr := &schemas.ProviderError{
		StatusCode: status,
		Code:       envelope.Error.Code,
		Type:       envelope.Error.Type,
		Message:    envelope.Error.Message,
		Retryable:  status >= 500,
	}
	if providerErr.Message == "" {
		preview := body
		if len(preview) > errorBodyPreviewLimit {
			preview = preview[:errorBodyPreviewLimit]
		}
		providerErr.Message = fmt.Sprintf("provider returned status %d: %s", status, string(preview))
	}
	return providerErr
}
