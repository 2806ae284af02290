package suspend

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the lifecycle state of a suspension record.
type State string

const (
	Waiting   State = "waiting"
	Resumed   State = "resumed"
	Cancelled State = "cancelled"
)

var (
	// ErrUnknownResumption means a callback's token does not match any waiting run, or the match
	// has expired. No run is modified.
	ErrUnknownResumption = errors.New("unknown or expired resumption token")

	// ErrAlreadyResumed means another callback already claimed the token.
	ErrAlreadyResumed = errors.New("run was already resumed")

	// ErrCancelled means the run was cancelled before the callback arrived.
	ErrCancelled = errors.New("run was cancelled")

	// ErrSessionBusy means the session already has a run waiting for a callback.
	ErrSessionBusy = errors.New("another run in this session is waiting for a callback")

	// ErrNoRecord is returned when there is no suspension record for a run.
	ErrNoRecord = errors.New("no suspension record")
)

// Record is everything needed to continue a paused run from a different request or process.
type Record struct {
	TokenID     string    `json:"tokenId"`
	SessionID   string    `json:"sessionId"`
	RunID       string    `json:"runId"`
	Sequence    string    `json:"sequence"`
	ResumeIndex int       `json:"resumeIndex"`
	Endpoint    string    `json:"endpoint"`
	RedirectURL string    `json:"redirectUrl,omitempty"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists suspension records. Implementations must make Claim and Cancel atomic, so that
// exactly one caller can move a record out of the Waiting state.
type Store interface {
	// PutWaiting stores a new Waiting record. It returns ErrSessionBusy if the session already
	// has a Waiting record.
	PutWaiting(ctx context.Context, rec Record) error

	// Claim moves the Waiting record for tokenID to Resumed and returns it. It returns
	// ErrUnknownResumption if there is no such record or it expired before now,
	// ErrAlreadyResumed or ErrCancelled if it already left the Waiting state.
	Claim(ctx context.Context, tokenID string, now time.Time) (Record, error)

	// CancelRun moves the Waiting record for runID to Cancelled and returns it. It returns
	// ErrNoRecord if the run is not waiting.
	CancelRun(ctx context.Context, runID string) (Record, error)

	// WaitingForSession returns the Waiting record for a session, if any.
	WaitingForSession(ctx context.Context, sessionID string) (Record, bool, error)
}

// MemoryStore is a Store for a single process. Waiting records are indexed by session and run.
// A resumed or cancelled record is kept only until its token expires, since an expired token can
// no longer reach the store.
type MemoryStore struct {
	records          map[string]*Record
	waitingBySession map[string]string
	waitingByRun     map[string]string
	lock             sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:          make(map[string]*Record),
		waitingBySession: make(map[string]string),
		waitingByRun:     make(map[string]string),
	}
}

func (s *MemoryStore) PutWaiting(ctx context.Context, rec Record) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.prune(rec.CreatedAt)
	if _, busy := s.waitingBySession[rec.SessionID]; busy {
		return ErrSessionBusy
	}
	rec.State = Waiting
	s.records[rec.TokenID] = &rec
	s.waitingBySession[rec.SessionID] = rec.TokenID
	s.waitingByRun[rec.RunID] = rec.TokenID
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, tokenID string, now time.Time) (Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	r, ok := s.records[tokenID]
	if !ok {
		return Record{}, ErrUnknownResumption
	}
	switch r.State {
	case Resumed:
		return Record{}, ErrAlreadyResumed
	case Cancelled:
		return Record{}, ErrCancelled
	}
	if !now.Before(r.ExpiresAt) {
		return Record{}, ErrUnknownResumption
	}
	s.finish(r, Resumed)
	return *r, nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) (Record, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	tokenID, ok := s.waitingByRun[runID]
	if !ok {
		return Record{}, ErrNoRecord
	}
	r := s.records[tokenID]
	s.finish(r, Cancelled)
	return *r, nil
}

func (s *MemoryStore) WaitingForSession(ctx context.Context, sessionID string) (Record, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	tokenID, ok := s.waitingBySession[sessionID]
	if !ok {
		return Record{}, false, nil
	}
	return *s.records[tokenID], true, nil
}

// Len returns the number of records held, waiting or not.
func (s *MemoryStore) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.records)
}

func (s *MemoryStore) finish(r *Record, state State) {
	r.State = state
	delete(s.waitingBySession, r.SessionID)
	delete(s.waitingByRun, r.RunID)
}

// prune drops finished records whose tokens have expired. The caller holds the lock.
func (s *MemoryStore) prune(now time.Time) {
	for id, r := range s.records {
		if r.State != Waiting && !now.Before(r.ExpiresAt) {
			delete(s.records, id)
		}
	}
}
