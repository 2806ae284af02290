// Package bulkexport drives an asynchronous bulk data export on the server under test: kick-off,
// status polling, and fetching and validating the exported files.
package bulkexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/outcome"
)

const (
	DefaultTimeout        = 180 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second

	defaultRequestsPerSecond = 10.0
	defaultBurst             = 5

	// NDJSONContentType is the only content type accepted for exported files.
	NDJSONContentType = "application/fhir+ndjson"
)

// Config configures a Client. Zero values get the defaults above.
type Config struct {
	// BearerToken, if set, is sent as an Authorization header on every request.
	BearerToken string

	// Timeout bounds the total time spent waiting for an export to complete.
	Timeout time.Duration

	// PollInterval is used when the server does not send Retry-After.
	PollInterval time.Duration

	// RequestTimeout bounds each individual request, including reading its body. Exported files
	// are streamed instead, and time out only when no data arrives for this long.
	RequestTimeout time.Duration

	RequestsPerSecond float64
	Burst             int

	// Transport allows tests to substitute the HTTP transport.
	Transport http.RoundTripper

	Logger framework.Logger
}

// Client is a rate-limited HTTP client for the bulk data protocol.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  framework.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	logger := cfg.Logger
	if logger == nil {
		logger = framework.NullLogger()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// errRequestTimeout means one request exceeded Config.RequestTimeout.
var errRequestTimeout = errors.New("request timed out")

func (c *Client) newRequest(ctx context.Context, method, url, accept string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, outcome.ClientFault("invalid request URL", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	return req, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, ok := ctx.Deadline(); ok {
			// the limiter refuses to wait past the deadline
			return context.DeadlineExceeded
		}
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// do sends a request, waiting for the rate limiter first, and reads the whole body within the
// per-request deadline.
func (c *Client) do(ctx context.Context, req *http.Request, headers map[string]string) (response, error) {
	if err := c.wait(ctx); err != nil {
		return response{}, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req = req.WithContext(reqCtx)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.Printf("%s %s", req.Method, req.URL)
	resp, err := c.http.Do(req)
	if err != nil {
		return response{}, c.requestError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, c.requestError(ctx, reqCtx, err)
	}
	c.logger.Printf("Got HTTP %d from %s", resp.StatusCode, req.URL)
	return response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func (c *Client) requestError(ctx, reqCtx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", errRequestTimeout, c.cfg.RequestTimeout)
	}
	return &outcome.UnexpectedFailure{Err: err}
}

// stream sends a request and returns the response with its body unread. The response headers
// must arrive within the per-request timeout; after that, reading the body fails only if no data
// arrives for that long. The caller must close the body.
func (c *Client) stream(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithCancel(ctx)
	body := &idleTimeoutBody{ctx: ctx, idle: c.cfg.RequestTimeout, cancel: cancel}
	body.timer = time.AfterFunc(c.cfg.RequestTimeout, func() {
		body.expired.Store(true)
		cancel()
	})
	req = req.WithContext(reqCtx)

	c.logger.Printf("%s %s", req.Method, req.URL)
	resp, err := c.http.Do(req)
	if err != nil {
		body.stop()
		return nil, body.translate(err)
	}
	c.logger.Printf("Got HTTP %d from %s", resp.StatusCode, req.URL)
	body.ReadCloser = resp.Body
	resp.Body = body
	return resp, nil
}

// idleTimeoutBody cancels its request when no data has been read for the idle duration.
type idleTimeoutBody struct {
	io.ReadCloser
	ctx     context.Context
	idle    time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 && !b.expired.Load() {
		b.timer.Reset(b.idle)
	}
	if err != nil && err != io.EOF {
		err = b.translate(err)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.stop()
	return b.ReadCloser.Close()
}

func (b *idleTimeoutBody) stop() {
	b.timer.Stop()
	b.cancel()
}

func (b *idleTimeoutBody) translate(err error) error {
	if b.ctx.Err() != nil {
		return b.ctx.Err()
	}
	if b.expired.Load() {
		return fmt.Errorf("%w: no data for %s", errRequestTimeout, b.idle)
	}
	return &outcome.UnexpectedFailure{Err: err}
}
