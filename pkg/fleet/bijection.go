// Package fleet implements the control-plane state: the Unit registry
// keyed by MAC address, its per-unit action state machine,
// and the MAC↔IP Bijection that keeps DHCP and control-plane identity
// from drifting apart.
package fleet

import (
	"sync"

	"github.com/olimpiadi-informatica/pixie/pkg/perrors"
)

// Bijection enforces that T->U and U->T are both total functions and
// mutual inverses: binding (t, u) makes Lookup(t) == u and
// ReverseLookup(u) == t, and no other pair may share either side.
type Bijection[T comparable, U comparable] struct {
	mu      sync.RWMutex
	forward map[T]U
	reverse map[U]T
}

// NewBijection returns an empty Bijection.
func NewBijection[T comparable, U comparable]() *Bijection[T, U] {
	return &Bijection[T, U]{
		forward: make(map[T]U),
		reverse: make(map[U]T),
	}
}

// Bind associates t and u. Binding a (t, u) pair where either side is
// already bound to something else is a configuration error:
// the caller is expected to treat it as fatal at startup, or reject the
// request if it happens at runtime (e.g. a duplicate static IP reservation).
func (b *Bijection[T, U]) Bind(t T, u U) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.forward[t]; ok && existing != u {
		return perrors.NewConfigError(perrors.CodeDuplicateMAC, "bijection: key already bound to a different value", nil)
	}
	if existing, ok := b.reverse[u]; ok && existing != t {
		return perrors.NewConfigError(perrors.CodeDuplicateMAC, "bijection: value already bound to a different key", nil)
	}
	b.forward[t] = u
	b.reverse[u] = t
	return nil
}

// Lookup returns the U bound to t.
func (b *Bijection[T, U]) Lookup(t T) (U, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	u, ok := b.forward[t]
	return u, ok
}

// ReverseLookup returns the T bound to u.
func (b *Bijection[T, U]) ReverseLookup(u U) (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.reverse[u]
	return t, ok
}

// Unbind removes the pair keyed by t, if any.
func (b *Bijection[T, U]) Unbind(t T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.forward[t]; ok {
		delete(b.forward, t)
		delete(b.reverse, u)
	}
}

// Len returns the number of bound pairs.
func (b *Bijection[T, U]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.forward)
}
