// Package session holds the key/value context shared by every sequence run of one test session.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Well-known keys that the harness itself reads or writes.
const (
	KeyServerURL   = "server_url"
	KeyFHIRVersion = "fhir_version"
)

// ErrNotFound is returned by a Store when no session exists for an identifier.
var ErrNotFound = errors.New("session not found")

// Context is the long-lived key/value store for one test session. Writes are visible to every
// check that executes afterward; there is no notion of declaration order.
type Context struct {
	id     string
	values map[string]string
	lock   sync.RWMutex
}

// New creates a session with optional initial values. The initial map is copied.
func New(id string, initial map[string]string) *Context {
	c := &Context{id: id, values: make(map[string]string, len(initial))}
	for k, v := range initial {
		c.values[k] = v
	}
	return c
}

func (c *Context) ID() string { return c.id }

func (c *Context) Get(key string) (string, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Value returns the value for key, or an empty string.
func (c *Context) Value(key string) string {
	v, _ := c.Get(key)
	return v
}

func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *Context) Set(key, value string) {
	c.lock.Lock()
	c.values[key] = value
	c.lock.Unlock()
}

func (c *Context) Delete(key string) {
	c.lock.Lock()
	delete(c.values, key)
	c.lock.Unlock()
}

// Merge writes every entry of values into the session.
func (c *Context) Merge(values map[string]string) {
	c.lock.Lock()
	for k, v := range values {
		c.values[k] = v
	}
	c.lock.Unlock()
}

// Missing returns the keys, in the order given, that have no value in the session.
func (c *Context) Missing(keys []string) []string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	var ret []string
	for _, k := range keys {
		if _, ok := c.values[k]; !ok {
			ret = append(ret, k)
		}
	}
	return ret
}

// Pick returns a copy of the values for the given keys that are present.
func (c *Context) Pick(keys []string) map[string]string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	ret := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := c.values[k]; ok {
			ret[k] = v
		}
	}
	return ret
}

// Snapshot returns a copy of every value in the session.
func (c *Context) Snapshot() map[string]string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	ret := make(map[string]string, len(c.values))
	for k, v := range c.values {
		ret[k] = v
	}
	return ret
}

// Keys returns the sorted list of keys that have a value.
func (c *Context) Keys() []string {
	c.lock.RLock()
	ret := make([]string, 0, len(c.values))
	for k := range c.values {
		ret = append(ret, k)
	}
	c.lock.RUnlock()
	sort.Strings(ret)
	return ret
}

// Store loads and saves sessions by identifier.
type Store interface {
	LoadSession(ctx context.Context, id string) (*Context, error)
	SaveSession(ctx context.Context, c *Context) error
}

// MemoryStore is a Store that keeps copies of sessions in memory.
type MemoryStore struct {
	sessions map[string]map[string]string
	lock     sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]map[string]string)}
}

func (s *MemoryStore) LoadSession(ctx context.Context, id string) (*Context, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	values, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return New(id, values), nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, c *Context) error {
	snapshot := c.Snapshot()
	s.lock.Lock()
	s.sessions[c.ID()] = snapshot
	s.lock.Unlock()
	return nil
}
