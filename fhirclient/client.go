// Package fhirclient is a small client for the parts of a FHIR server's REST surface that the
// conformance sequences need: the capability statement, SMART discovery, token exchange and reads.
package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/outcome"
)

const (
	FHIRJSON = "application/fhir+json"

	defaultRequestTimeout    = 30 * time.Second
	defaultRequestsPerSecond = 10.0
)

type Config struct {
	BaseURL           string
	BearerToken       string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Transport         http.RoundTripper
	Logger            framework.Logger
}

type Client struct {
	baseURL string
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  framework.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = framework.NullLogger()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		cfg:     cfg,
		http:    &http.Client{Transport: cfg.Transport, Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

func (c *Client) BaseURL() string { return c.baseURL }

// WithBearerToken returns a client that sends a different access token and shares the rate limit.
func (c *Client) WithBearerToken(token string) *Client {
	ret := *c
	ret.cfg.BearerToken = token
	return &ret
}

// Response is a fully read response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON parses the body as an arbitrary JSON value.
func (r Response) JSON() (ldvalue.Value, error) {
	var v ldvalue.Value
	if err := json.Unmarshal(r.Body, &v); err != nil {
		return ldvalue.Null(), outcome.ServerViolation("response body is not valid JSON: %s", err)
	}
	return v, nil
}

// URL resolves a path against the server's base URL; absolute URLs are returned unchanged.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimPrefix(path, "/")
}

// Get reads a resource or other document from the server.
func (c *Client) Get(ctx context.Context, path, accept string) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return Response{}, outcome.ClientFault("invalid request URL", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return Response{}, fmt.Errorf("rate limiter: %w", err)
	}
	if c.cfg.BearerToken != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	c.logger.Printf("%s %s", req.Method, req.URL)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return Response{}, ctxErr
		}
		return Response{}, &outcome.UnexpectedFailure{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &outcome.UnexpectedFailure{Err: err}
	}
	c.logger.Printf("Got HTTP %d from %s", resp.StatusCode, req.URL)
	return Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
