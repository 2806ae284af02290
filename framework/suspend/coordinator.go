package suspend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long a suspended run waits for its callback.
const DefaultTTL = 30 * time.Minute

// Coordinator pairs paused runs with the external callbacks that resume them. It does not run
// checks itself; the sequence engine asks it to record a suspension and to claim one.
type Coordinator struct {
	store  Store
	signer *TokenSigner
	ttl    time.Duration
	now    func() time.Time
}

func NewCoordinator(store Store, signer *TokenSigner, ttl time.Duration) *Coordinator {
	if store == nil {
		store = NewMemoryStore()
	}
	if signer == nil {
		signer = NewTokenSigner(nil)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Coordinator{store: store, signer: signer, ttl: ttl, now: time.Now}
	signer.now = c.clock
	return c
}

func (c *Coordinator) clock() time.Time { return c.now() }

// SetClock replaces the time source for tokens and expiry checks.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// TokenSource returns a function that mints correlation tokens bound to a session and run.
func (c *Coordinator) TokenSource(sessionID, runID string) func() (string, error) {
	return func() (string, error) {
		m, err := c.signer.mint(sessionID, runID, c.ttl)
		if err != nil {
			return "", err
		}
		return m.token, nil
	}
}

// Suspend records that a run is waiting for the callback identified by token. rec supplies the
// sequence, resume index and endpoint; identity and validity come from the token.
func (c *Coordinator) Suspend(ctx context.Context, token string, rec Record) (Record, error) {
	m, err := c.signer.verify(token)
	if err != nil {
		return Record{}, fmt.Errorf("correlation token minted by this run is invalid: %w", err)
	}
	if m.runID != rec.RunID || m.sessionID != rec.SessionID {
		return Record{}, errors.New("correlation token belongs to a different run")
	}
	rec.TokenID = m.tokenID
	rec.State = Waiting
	rec.CreatedAt = c.now()
	rec.ExpiresAt = m.expiresAt
	if err := c.store.PutWaiting(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Lookup verifies token and returns the session and run it belongs to, without claiming it.
func (c *Coordinator) Lookup(token string) (sessionID, runID string, err error) {
	m, err := c.signer.verify(token)
	if err != nil {
		return "", "", unknownResumption(err)
	}
	return m.sessionID, m.runID, nil
}

// Resume claims the suspension matching token. Only one caller can claim a given token; any error
// means no run should be touched.
func (c *Coordinator) Resume(ctx context.Context, token string) (Record, error) {
	m, err := c.signer.verify(token)
	if err != nil {
		return Record{}, unknownResumption(err)
	}
	return c.store.Claim(ctx, m.tokenID, c.now())
}

// Cancel drops the suspension of a waiting run, so that its token can no longer resume it.
func (c *Coordinator) Cancel(ctx context.Context, runID string) (Record, error) {
	return c.store.CancelRun(ctx, runID)
}

// Waiting returns the run in the session that is waiting for a callback, if any. A record whose
// validity window has passed is reported with expired set.
func (c *Coordinator) Waiting(ctx context.Context, sessionID string) (rec Record, found bool, expired bool, err error) {
	rec, found, err = c.store.WaitingForSession(ctx, sessionID)
	if err != nil || !found {
		return rec, found, false, err
	}
	return rec, true, !c.now().Before(rec.ExpiresAt), nil
}
