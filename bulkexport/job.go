package bulkexport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/openhealth/conformance-harness/framework/outcome"
)

// State is the lifecycle state of an export job. A job only ever moves forward through these
// states.
type State string

const (
	NotStarted State = "not-started"
	KickedOff  State = "kicked-off"
	Polling    State = "polling"
	Complete   State = "complete"
	Failed     State = "failed"
	TimedOut   State = "timed-out"
)

func (s State) rank() int {
	switch s {
	case NotStarted:
		return 0
	case KickedOff:
		return 1
	case Polling:
		return 2
	default:
		return 3
	}
}

// Terminal returns true for Complete, Failed and TimedOut.
func (s State) Terminal() bool { return s.rank() == 3 }

// Job tracks one export from kick-off to completion.
type Job struct {
	KickOffURL string
	StatusURL  string
	State      State

	// Reason explains a Failed or TimedOut state.
	Reason string

	Manifest *Manifest

	// Elapsed is the time spent polling so far.
	Elapsed time.Duration
	Timeout time.Duration
	Polls   int

	client *Client
}

// NewJob creates a job that has not been kicked off yet.
func (c *Client) NewJob(kickOffURL string) *Job {
	return &Job{KickOffURL: kickOffURL, State: NotStarted, Timeout: c.cfg.Timeout, client: c}
}

func (j *Job) moveTo(s State) error {
	if j.State.Terminal() || s.rank() < j.State.rank() {
		return outcome.ClientFault(fmt.Sprintf("export job cannot move from %s to %s", j.State, s), nil)
	}
	j.State = s
	return nil
}

func (j *Job) fail(err error) error {
	if moveErr := j.moveTo(Failed); moveErr != nil {
		return moveErr
	}
	j.Reason = err.Error()
	return err
}

// KickOff sends the kick-off request. The server must answer 202 with a Content-Location header
// naming the status URL; anything else fails the job.
func (j *Job) KickOff(ctx context.Context) error {
	if j.State != NotStarted {
		return outcome.ClientFault("export job was already kicked off", nil)
	}
	req, err := j.client.newRequest(ctx, http.MethodGet, j.KickOffURL, "application/fhir+json")
	if err != nil {
		return j.fail(err)
	}
	resp, err := j.client.do(ctx, req, map[string]string{"Prefer": "respond-async"})
	if err != nil {
		if errors.Is(err, errRequestTimeout) {
			return j.fail(outcome.ServerViolation("kick-off request %s", err))
		}
		return j.fail(err)
	}
	location := resp.header.Get("Content-Location")
	if resp.status != http.StatusAccepted {
		return j.fail(outcome.ServerViolation("kick-off returned HTTP %d, expected 202", resp.status))
	}
	if location == "" {
		return j.fail(outcome.ServerViolation("kick-off response has no Content-Location header"))
	}
	statusURL, err := resolve(j.KickOffURL, location)
	if err != nil {
		return j.fail(outcome.ServerViolation("kick-off returned an invalid Content-Location %q", location))
	}
	j.StatusURL = statusURL
	return j.moveTo(KickedOff)
}

// Poll requests the status URL until the export completes, fails, or the job's timeout is spent.
// TimedOut is reported as an outcome.ExternalTimeout.
func (j *Job) Poll(ctx context.Context) error {
	if j.State != KickedOff {
		return outcome.ClientFault(fmt.Sprintf("cannot poll an export job in state %s", j.State), nil)
	}
	if err := j.moveTo(Polling); err != nil {
		return err
	}
	c := j.client
	started := c.now()

	// Requests and sleeps share the job deadline, so a hanging status request cannot outlast it.
	jobCtx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()

	for {
		req, err := c.newRequest(jobCtx, http.MethodGet, j.StatusURL, "application/json")
		if err != nil {
			return j.fail(err)
		}
		resp, err := c.do(jobCtx, req, nil)
		j.Polls++
		wait := c.cfg.PollInterval

		switch {
		case err != nil && ctx.Err() == nil && (jobCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded)):
			return j.timeOut(started)
		case errors.Is(err, errRequestTimeout):
			c.logger.Printf("Status request %s; will retry", err)
		case err != nil:
			return j.fail(err)
		case resp.status == http.StatusOK:
			m, err := parseManifest(resp.body)
			if err != nil {
				return j.fail(err)
			}
			j.Manifest = m
			j.Elapsed = c.now().Sub(started)
			return j.moveTo(Complete)
		case resp.status == http.StatusAccepted:
			if ra := parseRetryAfter(resp.header.Get("Retry-After"), c.now()); ra.IsDefined() {
				wait = time.Duration(ra.IntValue()) * time.Second
			}
			if p := resp.header.Get("X-Progress"); p != "" {
				c.logger.Printf("Export in progress: %s", p)
			}
		default:
			return j.fail(outcome.ServerViolation("status request returned HTTP %d, expected 200 or 202", resp.status))
		}

		j.Elapsed = c.now().Sub(started)
		if j.Elapsed >= j.Timeout {
			return j.timeOut(started)
		}
		if remaining := j.Timeout - j.Elapsed; wait > remaining {
			wait = remaining
		}
		if err := c.sleep(jobCtx, wait); err != nil {
			if ctx.Err() == nil && jobCtx.Err() != nil {
				return j.timeOut(started)
			}
			return err
		}
	}
}

func (j *Job) timeOut(started time.Time) error {
	j.Elapsed = j.client.now().Sub(started)
	if err := j.moveTo(TimedOut); err != nil {
		return err
	}
	timeout := &outcome.ExternalTimeout{Operation: "bulk data export", Waited: j.Elapsed}
	j.Reason = timeout.Error()
	return timeout
}

// Run kicks off the job and polls it to completion, returning the manifest.
func (j *Job) Run(ctx context.Context) (*Manifest, error) {
	if err := j.KickOff(ctx); err != nil {
		return nil, err
	}
	if err := j.Poll(ctx); err != nil {
		return nil, err
	}
	return j.Manifest, nil
}

// Delete asks the server to cancel or clean up the export. Servers may answer 202 or 200.
func (j *Job) Delete(ctx context.Context) (int, error) {
	if j.StatusURL == "" {
		return 0, outcome.ClientFault("export job has no status URL", nil)
	}
	req, err := j.client.newRequest(ctx, http.MethodDelete, j.StatusURL, "")
	if err != nil {
		return 0, err
	}
	resp, err := j.client.do(ctx, req, nil)
	if err != nil {
		return 0, err
	}
	return resp.status, nil
}

// parseRetryAfter reads a Retry-After value in either delay-seconds or HTTP-date form. It returns
// an undefined value if the header is absent or malformed.
func parseRetryAfter(value string, now time.Time) ldvalue.OptionalInt {
	value = strings.TrimSpace(value)
	if value == "" {
		return ldvalue.OptionalInt{}
	}
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			return ldvalue.OptionalInt{}
		}
		return ldvalue.NewOptionalInt(n)
	}
	if t, err := http.ParseTime(value); err == nil {
		seconds := int(t.Sub(now).Round(time.Second) / time.Second)
		if seconds < 0 {
			seconds = 0
		}
		return ldvalue.NewOptionalInt(seconds)
	}
	return ldvalue.OptionalInt{}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}
