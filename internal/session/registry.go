package session

import (
	"sync"
	"time"
)

// Registry holds the live QR tokens in memory. It is the only mutable shared
// state in the service: request handlers and the sweeper all go through its
// methods, which are serialized by a single mutex. Entries past their expiry
// are invisible to every caller except Snapshot, which the sweeper uses to
// evict them.
//
// The registry is intentionally not persisted; a restart drops all live
// tokens and the admin simply generates a fresh one.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]Token
	now    func() time.Time
}

// NewRegistry creates an empty registry using wall-clock time.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]Token), now: time.Now}
}

// SetClock overrides the registry's time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Put inserts a new live entry. It returns ErrTokenExists when a live entry
// with the same value is already registered; an expired entry that the
// sweeper has not reached yet is silently replaced.
func (r *Registry) Put(tok Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tokens[tok.Value]; ok && existing.Live(r.now()) {
		return ErrTokenExists
	}
	r.tokens[tok.Value] = tok
	return nil
}

// Get returns the entry for value if it exists and has not expired.
func (r *Registry) Get(value string) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.tokens[value]
	if !ok || !tok.Live(r.now()) {
		return Token{}, false
	}
	return tok, true
}

// Remove deletes the entry for value. Removing an unknown value is a no-op.
func (r *Registry) Remove(value string) {
	r.mu.Lock()
	delete(r.tokens, value)
	r.mu.Unlock()
}

// Latest returns the live entry with the greatest issuance time, letting a
// scanning UI discover the current session without knowing the token string.
// Ties on issuance time break on the token value so the result is stable.
func (r *Registry) Latest() (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var best Token
	found := false
	for _, tok := range r.tokens {
		if !tok.Live(now) {
			continue
		}
		if !found || tok.IssuedAt.After(best.IssuedAt) ||
			(tok.IssuedAt.Equal(best.IssuedAt) && tok.Value > best.Value) {
			best = tok
			found = true
		}
	}
	return best, found
}

// Snapshot copies out every entry, including expired ones awaiting eviction.
// Only the sweeper should care about the expired entries it returns.
func (r *Registry) Snapshot() []Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Token, 0, len(r.tokens))
	for _, tok := range r.tokens {
		out = append(out, tok)
	}
	return out
}

// LiveCount returns the number of currently live entries.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, tok := range r.tokens {
		if tok.Live(now) {
			n++
		}
	}
	return n
}
