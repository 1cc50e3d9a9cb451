// Package correlator pairs an inbound request token with the sink that
// answers it, so a reply issued later by unrelated code reaches the right
// peer exactly once.
package correlator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/google/uuid"
)

var (
	// ErrUnknownToken is returned by Resolve when no live entry exists:
	// already answered, never registered, expired, or dropped by Reset.
	ErrUnknownToken = errors.New("correlator: unknown token")
	ErrTokenInUse   = errors.New("correlator: token already pending")
	ErrExpired      = errors.New("correlator: reply expired")
	ErrDropped      = errors.New("correlator: pending reply dropped")
)

// Resolver delivers one reply payload. It is invoked at most once.
type Resolver interface {
	Resolve(payload.Map)
}

type ResolverFunc func(payload.Map)

func (f ResolverFunc) Resolve(m payload.Map) { f(m) }

// Rejecter is implemented by resolvers that can report non-delivery.
type Rejecter interface {
	Reject(error)
}

// NewToken returns a fresh callback token.
func NewToken() string {
	return uuid.NewString()
}

type entry struct {
	resolver     Resolver
	registeredAt time.Time
}

// Correlator is the pending-reply table. The zero value is not usable; call New.
type Correlator struct {
	// TTL bounds how long an entry may wait before Expire drops it.
	// Zero keeps entries until they are resolved or Reset.
	TTL time.Duration
	now func() time.Time

	mu      sync.Mutex
	pending map[string]entry
}

func New() *Correlator {
	return &Correlator{
		now:     time.Now,
		pending: make(map[string]entry),
	}
}

// Register stores resolver under token, replacing any live entry.
func (c *Correlator) Register(token string, resolver Resolver) {
	c.mu.Lock()
	c.pending[token] = entry{resolver: resolver, registeredAt: c.now()}
	c.mu.Unlock()
}

// Insert is Register that refuses to replace a live entry.
func (c *Correlator) Insert(token string, resolver Resolver) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[token]; ok {
		return ErrTokenInUse
	}
	c.pending[token] = entry{resolver: resolver, registeredAt: c.now()}
	return nil
}

// Resolve removes the entry for token and hands m to its resolver.
// Find-and-remove is one critical section; the resolver runs after the lock
// is released, so a concurrent Resolve for the same token always loses.
func (c *Correlator) Resolve(token string, m payload.Map) error {
	c.mu.Lock()
	e, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	c.mu.Unlock()
	if !ok {
		return ErrUnknownToken
	}
	e.resolver.Resolve(m)
	return nil
}

func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Tokens returns a sorted snapshot of live tokens.
func (c *Correlator) Tokens() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.pending))
	for token := range c.pending {
		out = append(out, token)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Expire drops entries registered at or before now-TTL and returns their
// tokens. Resolvers implementing Rejecter receive ErrExpired.
func (c *Correlator) Expire(now time.Time) []string {
	if c.TTL <= 0 {
		return nil
	}
	cutoff := now.Add(-c.TTL)
	c.mu.Lock()
	var dropped []entry
	var tokens []string
	for token, e := range c.pending {
		if e.registeredAt.After(cutoff) {
			continue
		}
		delete(c.pending, token)
		dropped = append(dropped, e)
		tokens = append(tokens, token)
	}
	c.mu.Unlock()
	reject(dropped, ErrExpired)
	sort.Strings(tokens)
	return tokens
}

// Reset drops every entry and returns how many were pending.
// Dropped resolvers implementing Rejecter receive ErrDropped.
func (c *Correlator) Reset() int {
	c.mu.Lock()
	dropped := make([]entry, 0, len(c.pending))
	for _, e := range c.pending {
		dropped = append(dropped, e)
	}
	c.pending = make(map[string]entry)
	c.mu.Unlock()
	reject(dropped, ErrDropped)
	return len(dropped)
}

// Drop removes the entry for token without resolving it. A Rejecter
// receives ErrDropped. It reports whether a live entry was removed.
func (c *Correlator) Drop(token string) bool {
	c.mu.Lock()
	e, ok := c.pending[token]
	if ok {
		delete(c.pending, token)
	}
	c.mu.Unlock()
	if ok {
		reject([]entry{e}, ErrDropped)
	}
	return ok
}

func reject(entries []entry, err error) {
	for _, e := range entries {
		if r, ok := e.resolver.(Rejecter); ok {
			r.Reject(err)
		}
	}
}
