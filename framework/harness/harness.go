// Package harness is the HTTP listener that receives external callbacks, such as an authorization
// redirect, and resumes the sequence run that was waiting for them.
package harness

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/sequence"
	"github.com/openhealth/conformance-harness/framework/suspend"
)

const endpointPathPrefix = "/endpoints/"
const httpListenerTimeout = time.Second * 10

// StateParam is the query or form parameter that carries the correlation token.
const StateParam = "state"

// Resumer continues a waiting run. *sequence.Engine implements it.
type Resumer interface {
	ResumeSequence(ctx context.Context, token string, payload map[string]string) (sequence.Run, error)
}

// Callback describes one request received on a callback endpoint and what resuming did.
type Callback struct {
	EndpointID string
	Method     string
	Payload    map[string]string
	Run        sequence.Run
	Err        error
	ReceivedAt time.Time
}

type CallbackHarness struct {
	externalBaseURL string
	resumer         Resumer
	endpoints       map[string]bool
	callbacks       chan Callback
	logger          framework.Logger
	server          *http.Server
	lock            sync.Mutex
}

// NewCallbackHarness creates a harness whose endpoints are reachable by the operator's browser or
// the server under test at http://externalHostname:port.
func NewCallbackHarness(resumer Resumer, externalHostname string, port int, debugLogger framework.Logger) *CallbackHarness {
	if debugLogger == nil {
		debugLogger = framework.NullLogger()
	}
	return &CallbackHarness{
		externalBaseURL: fmt.Sprintf("http://%s:%d", externalHostname, port),
		resumer:         resumer,
		endpoints:       make(map[string]bool),
		callbacks:       make(chan Callback, 100),
		logger:          debugLogger,
	}
}

// RegisterEndpoint allows callbacks on an endpoint and returns its external URL. Requests to
// endpoints that were never registered get a 404.
func (h *CallbackHarness) RegisterEndpoint(id string) string {
	h.lock.Lock()
	h.endpoints[id] = true
	h.lock.Unlock()
	return h.EndpointURL(id)
}

func (h *CallbackHarness) EndpointURL(id string) string {
	return h.externalBaseURL + endpointPathPrefix + id
}

// Callbacks delivers every handled callback, successful or not. Deliveries are dropped if nobody
// reads them.
func (h *CallbackHarness) Callbacks() <-chan Callback {
	return h.callbacks
}

// AwaitCallback waits for the next callback.
func (h *CallbackHarness) AwaitCallback(ctx context.Context, timeout time.Duration) (Callback, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case cb := <-h.callbacks:
		return cb, nil
	case <-deadline.C:
		return Callback{}, fmt.Errorf("timed out after %s waiting for a callback", timeout)
	case <-ctx.Done():
		return Callback{}, ctx.Err()
	}
}

func (h *CallbackHarness) Handler() http.Handler {
	return http.HandlerFunc(h.serveHTTP)
}

func (h *CallbackHarness) serveHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodHead {
		w.WriteHeader(200) // we use this to test whether our own listener is active yet
		return
	}

	if !strings.HasPrefix(req.URL.Path, endpointPathPrefix) {
		h.logger.Printf("Received request for unrecognized URL path %s", req.URL.Path)
		w.WriteHeader(404)
		return
	}
	endpointID := strings.TrimSuffix(strings.TrimPrefix(req.URL.Path, endpointPathPrefix), "/")

	h.lock.Lock()
	known := h.endpoints[endpointID]
	h.lock.Unlock()
	if !known {
		h.logger.Printf("Received request for unrecognized endpoint %s", req.URL.Path)
		w.WriteHeader(404)
		return
	}

	if err := req.ParseForm(); err != nil {
		h.logger.Printf("Unreadable callback at %s: %s", req.URL.Path, err)
		http.Error(w, "malformed callback request", http.StatusBadRequest)
		return
	}
	payload := make(map[string]string, len(req.Form))
	for k := range req.Form {
		payload[k] = req.Form.Get(k)
	}
	token := payload[StateParam]
	delete(payload, StateParam)

	cb := Callback{EndpointID: endpointID, Method: req.Method, Payload: payload, ReceivedAt: time.Now()}
	if token == "" {
		cb.Err = fmt.Errorf("callback has no %q parameter", StateParam)
	} else {
		// The resumed checks keep running even if the caller goes away.
		cb.Run, cb.Err = h.resumer.ResumeSequence(context.WithoutCancel(req.Context()), token, payload)
	}
	h.deliver(cb)

	switch {
	case cb.Err == nil:
		h.logger.Printf("Callback at %s resumed run %s", endpointID, cb.Run.ID)
		fmt.Fprintf(w, "Sequence %q resumed: %s, verdict %s. You may close this window.\n",
			cb.Run.Sequence, cb.Run.Status, cb.Run.Verdict)
	case token == "" || errors.Is(cb.Err, suspend.ErrUnknownResumption) ||
		errors.Is(cb.Err, suspend.ErrAlreadyResumed) || errors.Is(cb.Err, suspend.ErrCancelled):
		h.logger.Printf("Rejected callback at %s: %s", endpointID, cb.Err)
		http.Error(w, cb.Err.Error(), http.StatusBadRequest)
	default:
		h.logger.Printf("Callback at %s failed: %s", endpointID, cb.Err)
		http.Error(w, cb.Err.Error(), http.StatusInternalServerError)
	}
}

func (h *CallbackHarness) deliver(cb Callback) {
	select { // non-blocking push
	case h.callbacks <- cb:
	default:
		h.logger.Printf("Callback channel was full; dropped callback for %s", cb.EndpointID)
	}
}

// Start listens on port and returns once the listener answers requests.
func (h *CallbackHarness) Start(port int) error {
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: httpListenerTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait till the server is definitely listening for requests before we run any tests
	deadline := time.NewTimer(httpListenerTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Millisecond * 10)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return fmt.Errorf("callback listener failed: %w", err)
		case <-deadline.C:
			return fmt.Errorf("could not detect own listener at %s", h.server.Addr)
		case <-ticker.C:
			resp, err := http.DefaultClient.Head(fmt.Sprintf("http://localhost:%d", port))
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == 200 {
					return nil
				}
			}
		}
	}
}

// Close stops the listener.
func (h *CallbackHarness) Close(ctx context.Context) error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}
