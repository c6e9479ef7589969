package resilience

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

type ClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// RatePerSecond of zero disables client-side rate limiting.
	RatePerSecond float64
	Burst         int
}

// Client is the outbound HTTP client shared by provider adapters. Every
// request carries a bounded dial, TLS, header and total timeout.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		ExpectContinueTimeout: time.Second,
	}
	c := &Client{
		http: &http.Client{
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
			Transport: transport,
		},
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond) + 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

// NewClientFrom wraps an existing http.Client, used by tests with httptest servers.
func NewClientFrom(hc *http.Client) *Client {
	return &Client{http: hc}
}

// DoJSON sends req and decodes a 2xx JSON body into out when out is non-nil.
// Non-2xx responses come back as *StatusError.
func (c *Client) DoJSON(provider string, req *http.Request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", provider, err)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// paths and queries carry provider tokens
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = req.URL.Scheme + "://" + req.URL.Host
		}
		return fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}
