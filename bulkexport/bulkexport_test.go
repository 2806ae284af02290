package bulkexport

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"

	"github.com/openhealth/conformance-harness/framework/outcome"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
	lock   sync.Mutex
}

func (f *fakeClock) now() time.Time {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.t
}

func (f *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.t = f.t.Add(d)
	return ctx.Err()
}

func newTestClient(cfg Config) (*Client, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := NewClient(cfg)
	c.now = clock.now
	c.sleep = clock.sleep
	return c, clock
}

type noErrors struct{ seen []string }

func (v *noErrors) Validate(res Resource, profile string) []string {
	v.seen = append(v.seen, res.Value.GetByKey("id").StringValue())
	return nil
}

type alwaysErrors struct{}

func (alwaysErrors) Validate(res Resource, profile string) []string {
	return []string{fmt.Sprintf("%s does not match %s", res.Type, profile)}
}

func ndjson(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func ndjsonHandler(body []byte) http.Handler {
	return httphelpers.HandlerWithResponse(200, http.Header{"Content-Type": {NDJSONContentType}}, body)
}

// exportServer serves a kick-off endpoint, a status endpoint answered by statusHandler, and file f1.
func exportServer(statusHandler http.Handler, file http.Handler, action func(server *httptest.Server)) {
	mux := http.NewServeMux()
	httphelpers.WithServer(mux, func(server *httptest.Server) {
		mux.Handle("/export", httphelpers.HandlerWithResponse(202,
			http.Header{"Content-Location": {server.URL + "/status"}}, nil))
		mux.Handle("/status", statusHandler)
		mux.Handle("/f1", file)
		action(server)
	})
}

func manifestHandler(serverURL string, types ...string) http.Handler {
	var entries []string
	for _, t := range types {
		entries = append(entries, fmt.Sprintf(`{"type":%q,"url":"%s/f1"}`, t, serverURL))
	}
	body := fmt.Sprintf(`{"transactionTime":"2024-03-01T12:00:00Z","request":"x","requiresAccessToken":true,"output":[%s],"error":[]}`,
		strings.Join(entries, ","))
	return httphelpers.HandlerWithResponse(200, http.Header{"Content-Type": {"application/json"}}, []byte(body))
}

func TestExportCompletesAndValidates(t *testing.T) {
	statusHandler := &lateHandler{}
	patients := ndjson(`{"resourceType":"Patient","id":"p1"}`, `{"resourceType":"Patient","id":"p2"}`)
	exportServer(statusHandler, ndjsonHandler(patients), func(server *httptest.Server) {
		statusHandler.h = httphelpers.SequentialHandler(
			httphelpers.HandlerWithResponse(202, http.Header{"Retry-After": {"1"}}, nil),
			manifestHandler(server.URL, "Patient"),
		)
		client, clock := newTestClient(Config{})

		job := client.NewJob(server.URL + "/export")
		manifest, err := job.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Complete, job.State)
		assert.Equal(t, server.URL+"/status", job.StatusURL)
		assert.Equal(t, 2, job.Polls)
		assert.Equal(t, []time.Duration{time.Second}, clock.sleeps)
		require.Len(t, manifest.Output, 1)
		assert.Equal(t, []string{"Patient"}, manifest.Types())
		assert.True(t, manifest.RequiresAccessToken)

		validator := &noErrors{}
		report, err := client.FetchAndValidate(context.Background(), manifest.Output[0],
			ValidationOptions{Validator: validator, Limit: AllLines})
		require.NoError(t, err)
		assert.Equal(t, 2, report.Lines)
		assert.Equal(t, 2, report.Validated)
		assert.Equal(t, []string{"p1", "p2"}, validator.seen)
		assert.Equal(t, outcome.Pass, outcome.Classify(err))
	})
}

func TestTypeMismatchFailsCitingLine(t *testing.T) {
	body := ndjson(`{"resourceType":"Patient","id":"p1"}`, `{"resourceType":"Observation","id":"o1"}`)
	httphelpers.WithServer(ndjsonHandler(body), func(server *httptest.Server) {
		client, _ := newTestClient(Config{})
		_, err := client.FetchAndValidate(context.Background(), OutputFile{Type: "Patient", URL: server.URL},
			ValidationOptions{Validator: &noErrors{}, Limit: AllLines})
		require.Error(t, err)
		assert.Equal(t, outcome.Fail, outcome.Classify(err))
		assert.Contains(t, err.Error(), "line 2")
		assert.Contains(t, err.Error(), "Observation")
	})
}

func TestUnparseableLineFails(t *testing.T) {
	httphelpers.WithServer(ndjsonHandler(ndjson(`{"resourceType":"Patient"}`, `not json`)), func(server *httptest.Server) {
		client, _ := newTestClient(Config{})
		_, err := client.FetchAndValidate(context.Background(), OutputFile{Type: "Patient", URL: server.URL},
			ValidationOptions{})
		require.Error(t, err)
		assert.Equal(t, outcome.Fail, outcome.Classify(err))
		assert.Contains(t, err.Error(), "line 2")
	})
}

func TestContentTypeMustMatchExactly(t *testing.T) {
	for _, ct := range []string{"application/json", "application/fhir+ndjson; charset=utf-8", ""} {
		t.Run(ct, func(t *testing.T) {
			handler := httphelpers.HandlerWithResponse(200, http.Header{"Content-Type": {ct}},
				ndjson(`{"resourceType":"Patient"}`))
			httphelpers.WithServer(handler, func(server *httptest.Server) {
				client, _ := newTestClient(Config{})
				_, err := client.FetchAndValidate(context.Background(), OutputFile{Type: "Patient", URL: server.URL},
					ValidationOptions{})
				require.Error(t, err)
				assert.Equal(t, outcome.Fail, outcome.Classify(err))
			})
		})
	}
}

func TestSlowFileIsReadWhileDataKeepsArriving(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", NDJSONContentType)
		for i := 0; i < 6; i++ {
			fmt.Fprintf(w, `{"resourceType":"Patient","id":"p%d"}`+"\n", i)
			w.(http.Flusher).Flush()
			time.Sleep(50 * time.Millisecond)
		}
	})
	httphelpers.WithServer(slow, func(server *httptest.Server) {
		client := NewClient(Config{RequestTimeout: 100 * time.Millisecond})
		report, err := client.FetchAndValidate(context.Background(), OutputFile{Type: "Patient", URL: server.URL},
			ValidationOptions{Validator: &noErrors{}, Limit: AllLines})
		require.NoError(t, err)
		assert.Equal(t, 6, report.Lines)
		assert.Equal(t, 6, report.Validated)
	})
}

func TestStalledFileFails(t *testing.T) {
	stalled := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", NDJSONContentType)
		fmt.Fprintln(w, `{"resourceType":"Patient","id":"p1"}`)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	})
	httphelpers.WithServer(stalled, func(server *httptest.Server) {
		client := NewClient(Config{RequestTimeout: 100 * time.Millisecond})
		_, err := client.FetchAndValidate(context.Background(), OutputFile{Type: "Patient", URL: server.URL},
			ValidationOptions{})
		require.Error(t, err)
		assert.Equal(t, outcome.Fail, outcome.Classify(err))
		assert.Contains(t, err.Error(), "no data for 100ms")
	})
}

func TestLineLimit(t *testing.T) {
	body := ndjson(`{"resourceType":"Patient","id":"p1"}`, `{"resourceType":"Patient","id":"p2"}`,
		`{"resourceType":"Patient","id":"p3"}`)
	for _, tc := range []struct {
		limit     string
		validated int
	}{
		{"all", 3},
		{"ALL", 3},
		{"2", 2},
		{"0", 0},
		{"", 0},
		{"lots", 0},
		{"-4", 0},
	} {
		t.Run(tc.limit, func(t *testing.T) {
			httphelpers.WithServer(ndjsonHandler(body), func(server *httptest.Server) {
				client, _ := newTestClient(Config{})
				report, err := client.FetchAndValidate(context.Background(), OutputFile{Type: "Patient", URL: server.URL},
					ValidationOptions{Validator: &noErrors{}, Limit: ParseLineLimit(tc.limit)})
				require.NoError(t, err)
				assert.Equal(t, 3, report.Lines)
				assert.Equal(t, tc.validated, report.Validated)
			})
		})
	}
}

func TestValidatorErrorsAreAggregated(t *testing.T) {
	body := ndjson(`{"resourceType":"Patient","id":"p1"}`, `{"resourceType":"Patient","id":"p2"}`)
	httphelpers.WithServer(ndjsonHandler(body), func(server *httptest.Server) {
		client, _ := newTestClient(Config{})
		_, err := client.FetchAndValidate(context.Background(), OutputFile{Type: "Patient", URL: server.URL},
			ValidationOptions{Validator: alwaysErrors{}, Profile: "us-core-patient", Limit: AllLines})
		require.Error(t, err)
		assert.Equal(t, outcome.Fail, outcome.Classify(err))
		assert.Contains(t, err.Error(), "line 1: Patient does not match us-core-patient")
		assert.Contains(t, err.Error(), "line 2: Patient does not match us-core-patient")
	})
}

func TestKickOffWithoutStatusURLFails(t *testing.T) {
	for _, status := range []int{200, 202, 400, 500} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			httphelpers.WithServer(httphelpers.HandlerWithStatus(status), func(server *httptest.Server) {
				client, _ := newTestClient(Config{})
				job := client.NewJob(server.URL)
				err := job.KickOff(context.Background())
				require.Error(t, err)
				assert.Equal(t, Failed, job.State)
				assert.NotEmpty(t, job.Reason)
				assert.Equal(t, outcome.Fail, outcome.Classify(err))
			})
		})
	}
}

func TestKickOffSendsAsyncHeaders(t *testing.T) {
	handler, requests := httphelpers.RecordingHandler(httphelpers.HandlerWithResponse(202,
		http.Header{"Content-Location": {"/status/1"}}, nil))
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		client, _ := newTestClient(Config{BearerToken: "secret"})
		job := client.NewJob(server.URL + "/Patient/$export")
		require.NoError(t, job.KickOff(context.Background()))
		assert.Equal(t, KickedOff, job.State)
		assert.Equal(t, server.URL+"/status/1", job.StatusURL)

		r := <-requests
		assert.Equal(t, "respond-async", r.Request.Header.Get("Prefer"))
		assert.Equal(t, "application/fhir+json", r.Request.Header.Get("Accept"))
		assert.Equal(t, "Bearer secret", r.Request.Header.Get("Authorization"))
	})
}

func TestPollingThatNeverCompletesTimesOut(t *testing.T) {
	exportServer(httphelpers.HandlerWithResponse(202, nil, nil), ndjsonHandler(nil), func(server *httptest.Server) {
		client, clock := newTestClient(Config{Timeout: 20 * time.Second, PollInterval: 6 * time.Second})
		job := client.NewJob(server.URL + "/export")
		_, err := job.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, TimedOut, job.State)
		assert.Equal(t, outcome.Skip, outcome.Classify(err))
		assert.Equal(t, []time.Duration{6 * time.Second, 6 * time.Second, 6 * time.Second, 2 * time.Second}, clock.sleeps)
		assert.Equal(t, 20*time.Second, job.Elapsed)
	})
}

func TestHangingStatusRequestStillTimesOut(t *testing.T) {
	hang := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	exportServer(hang, ndjsonHandler(nil), func(server *httptest.Server) {
		client, _ := newTestClient(Config{Timeout: 10 * time.Second, PollInterval: 5 * time.Second,
			RequestTimeout: 50 * time.Millisecond})
		job := client.NewJob(server.URL + "/export")
		_, err := job.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, TimedOut, job.State)
		assert.Equal(t, outcome.Skip, outcome.Classify(err))
		assert.Equal(t, 3, job.Polls)
	})
}

func TestHangingStatusRequestDoesNotOutlastJob(t *testing.T) {
	hang := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	exportServer(hang, ndjsonHandler(nil), func(server *httptest.Server) {
		client := NewClient(Config{Timeout: 300 * time.Millisecond, RequestTimeout: 5 * time.Second})
		job := client.NewJob(server.URL + "/export")
		started := time.Now()
		_, err := job.Run(context.Background())
		require.Error(t, err)
		assert.Less(t, time.Since(started), 2*time.Second)
		assert.Equal(t, TimedOut, job.State)
		assert.Equal(t, outcome.Skip, outcome.Classify(err))
	})
}

func TestCompletedResponseWithoutManifestFails(t *testing.T) {
	for name, body := range map[string]string{
		"no output":  `{"transactionTime":"2024-03-01T12:00:00Z"}`,
		"not object": `[]`,
		"not json":   `oops`,
		"bad entry":  `{"output":[{"type":"Patient"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			status := httphelpers.HandlerWithResponse(200, nil, []byte(body))
			exportServer(status, ndjsonHandler(nil), func(server *httptest.Server) {
				client, _ := newTestClient(Config{})
				job := client.NewJob(server.URL + "/export")
				_, err := job.Run(context.Background())
				require.Error(t, err)
				assert.Equal(t, Failed, job.State)
				assert.Equal(t, outcome.Fail, outcome.Classify(err))
			})
		})
	}
}

func TestUnexpectedStatusCodeFails(t *testing.T) {
	exportServer(httphelpers.HandlerWithStatus(500), ndjsonHandler(nil), func(server *httptest.Server) {
		client, _ := newTestClient(Config{})
		job := client.NewJob(server.URL + "/export")
		_, err := job.Run(context.Background())
		require.Error(t, err)
		assert.Equal(t, Failed, job.State)
		assert.Contains(t, job.Reason, "500")
	})
}

func TestJobNeverMovesBackward(t *testing.T) {
	job := &Job{State: Polling}
	assert.Error(t, job.moveTo(KickedOff))
	assert.NoError(t, job.moveTo(Complete))
	assert.Error(t, job.moveTo(Failed))
	assert.Equal(t, Complete, job.State)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 5, parseRetryAfter("5", now).IntValue())
	assert.Equal(t, 120, parseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now).IntValue())
	assert.Equal(t, 0, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now).IntValue())
	assert.True(t, parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now).IsDefined())
	for _, bad := range []string{"", "soon", "-3"} {
		assert.False(t, parseRetryAfter(bad, now).IsDefined(), bad)
	}
}

func TestRequiredFieldsValidator(t *testing.T) {
	v := RequiredFieldsValidator{Rules: DefaultRules()}
	res, err := JSONParser{}.Parse([]byte(`{"resourceType":"Observation","id":"o1","status":"final"}`), "")
	require.NoError(t, err)
	assert.Equal(t, []string{`Observation: missing required element "code"`}, v.Validate(res, ""))

	res, err = JSONParser{}.Parse([]byte(`{"resourceType":"Patient","id":"p1"}`), "application/fhir+json")
	require.NoError(t, err)
	assert.Empty(t, v.Validate(res, ""))
}

func TestJSONParserRejectsNonResources(t *testing.T) {
	for _, input := range []string{`[]`, `{"id":"x"}`, `{"resourceType":3}`, `{`} {
		_, err := JSONParser{}.Parse([]byte(input), "")
		assert.Error(t, err, input)
	}
	_, err := JSONParser{}.Parse([]byte(`{"resourceType":"Patient"}`), "application/fhir+xml")
	assert.Error(t, err)
}

// lateHandler lets a test build a handler that needs the server URL.
type lateHandler struct {
	h http.Handler
}

func (l *lateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { l.h.ServeHTTP(w, r) }
