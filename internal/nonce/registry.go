// ABOUTME: Thread-safe registry of single-use challenge nonces with TTL expiry.
// ABOUTME: Issue creates a random nonce; Consume succeeds at most once per nonce.

package nonce

import (
	"container/list"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// nonceBytes is the amount of randomness behind each nonce.
const nonceBytes = 32

var (
	// ErrUnknown means the nonce was never issued or has been cleaned up.
	ErrUnknown = errors.New("unknown nonce")
	// ErrConsumed means the nonce was already used once.
	ErrConsumed = errors.New("nonce already consumed")
	// ErrExpired means the nonce outlived its TTL before being consumed.
	ErrExpired = errors.New("nonce expired")
)

// entry stores the issue time, consumption flag and list element for a nonce.
type entry struct {
	issuedAt time.Time
	consumed bool
	element  *list.Element
}

// Registry tracks issued nonces. Uses a doubly-linked list in issue order for
// O(1) eviction of the oldest entry when maxSize is reached.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // nonces in issue order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a registry whose nonces expire after ttl. A background goroutine
// periodically drops entries older than ttl.
func New(ttl time.Duration, maxSize int) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// TTL returns the expiry window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Issue creates and records a fresh nonce.
func (r *Registry) Issue() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	n := base64.RawURLEncoding.EncodeToString(buf)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.maxSize {
		r.evictOldest()
	}
	elem := r.order.PushBack(n)
	r.entries[n] = &entry{
		issuedAt: r.now(),
		element:  elem,
	}
	return n, nil
}

// Consume reports whether n was outstanding and marks it used.
func (r *Registry) Consume(n string) bool {
	return r.ConsumeErr(n) == nil
}

// ConsumeErr is Consume with the failure reason, for internal logging only.
// The check and the mark happen under one lock so two concurrent callers can
// never both succeed.
func (r *Registry) ConsumeErr(n string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[n]
	if !ok {
		return ErrUnknown
	}
	if e.consumed {
		return ErrConsumed
	}
	// Expired nonces are burned too so a late retry cannot revive them.
	e.consumed = true
	if r.now().Sub(e.issuedAt) > r.ttl {
		return ErrExpired
	}
	return nil
}

// Outstanding reports whether n is issued, unconsumed and unexpired.
func (r *Registry) Outstanding(n string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[n]
	return ok && !e.consumed && r.now().Sub(e.issuedAt) <= r.ttl
}

// Len returns the number of tracked entries, including consumed ones awaiting cleanup.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (r *Registry) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (r *Registry) cleanup() {
	interval := r.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-r.done:
			return
		}
	}
}

// runCleanup drops entries past their TTL. Consumed entries are kept until then
// so a second Consume reports ErrConsumed rather than ErrUnknown.
func (r *Registry) runCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, e := range r.entries {
		if now.Sub(e.issuedAt) > r.ttl {
			r.order.Remove(e.element)
			delete(r.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
