// Package session owns the mapping between logical conversation keys and
// live upstream chat handles. A request handler asks the Manager for a
// session, sends prompts through the returned handle, then releases the
// session; the Manager guarantees at most one live handle per key, serializes
// requests that share a key, and reclaims handles for idle conversations.
package session

import (
	"context"
	"errors"
	"time"
)

// Error kinds surfaced to the request layer. Chat client implementations
// wrap their provider-specific failures with one of these so handlers can
// map them to HTTP statuses without knowing the provider.
var (
	// ErrAuthentication marks bad or expired credentials. Never retried.
	ErrAuthentication = errors.New("authentication failure")

	// ErrUpstreamUnavailable marks a transport failure opening a handle.
	// The caller may retry with backoff; the manager never retries.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamTimeout marks a bounded wait that expired.
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrUpstream marks an error payload returned while sending.
	ErrUpstream = errors.New("upstream error")
)

// Reply is the provider-neutral result of sending one prompt.
type Reply struct {
	Text     string
	Thoughts string
	Images   []ReplyImage
}

// ReplyImage references one image attached to a reply.
type ReplyImage struct {
	URL   string
	Title string
	Alt   string
}

// Handle is one open upstream conversation, exclusively owned by a Session.
type Handle interface {
	// Send delivers a prompt on this conversation and returns the reply.
	Send(ctx context.Context, prompt string) (*Reply, error)

	// Close releases the upstream conversation. Idempotent.
	Close() error
}

// ChatClient opens upstream conversations. Implementations must wrap open
// failures with ErrAuthentication, ErrUpstreamUnavailable or
// ErrUpstreamTimeout so callers can classify them.
type ChatClient interface {
	Open(ctx context.Context, model string) (Handle, error)
}

// Session binds a conversation key to a live upstream handle. The embedded
// lock is held from Acquire until Release, serializing all work on one key.
type Session struct {
	key      string
	model    string
	handle   Handle
	lastUsed time.Time

	mu  chan struct{} // 1-slot semaphore; supports TryLock during eviction
	mgr *Manager
}

// Key returns the conversation key the session is stored under.
func (s *Session) Key() string { return s.key }

// Model returns the upstream model the current handle was opened against.
func (s *Session) Model() string { return s.model }

// Handle returns the live upstream handle. Only valid between Acquire and
// Release.
func (s *Session) Handle() Handle { return s.handle }

func (s *Session) lock()   { s.mu <- struct{}{} }
func (s *Session) unlock() { <-s.mu }
func (s *Session) tryLock() bool {
	select {
	case s.mu <- struct{}{}:
		return true
	default:
		return false
	}
}

// Touch marks the session as used now.
func (s *Session) Touch() { s.lastUsed = time.Now() }

// Release ends the critical section started by Acquire. The handle must not
// be used after Release.
func (s *Session) Release() {
	s.lastUsed = time.Now()
	s.unlock()
}
