package txposix

import "sync"

// Ref is a shared refcounted object (spec §4.3). T is the inner payload
// — a file-table slot, an OFD slot, or similar. Going 0→1 through
// RefOrSetUp runs its init; going 1→0 through Unref runs its finalise;
// both run under the object's own lock, so
// identity and refcount always mutate together.
type Ref[T any] struct {
	mu    sync.Mutex
	count int
	Value T
}

// NewRef creates an unreferenced shared object wrapping value.
func NewRef[T any](value T) *Ref[T] {
	return &Ref[T]{Value: value}
}

// RefOrSetUp evaluates match under the object's lock. If it reports a
// match, the reference count is incremented and true is returned; a
// non-match returns false whatever the current count. If this is the
// 0→1 transition, init runs first; if init fails, the refcount stays 0
// and the error is propagated, leaving the slot unreferenced.
func (r *Ref[T]) RefOrSetUp(match func(T) bool, init func(*T) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 {
		if !match(r.Value) {
			return false, nil
		}
		r.count++
		return true, nil
	}

	if !match(r.Value) {
		return false, nil
	}

	if init != nil {
		if err := init(&r.Value); err != nil {
			return false, err
		}
	}
	r.count = 1
	return true, nil
}

// Ref unconditionally increments the count. The caller must already
// hold a reference (directly or transitively).
func (r *Ref[T]) Ref() {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

// Unref decrements the count; on 1→0 it runs finalise under the lock.
func (r *Ref[T]) Unref(finalise func(*T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return
	}
	r.count--
	if r.count == 0 && finalise != nil {
		finalise(&r.Value)
	}
}

// CmpAndRef increments the count iff predicate(Value) is true, and
// reports whether it matched. Used by table lookups (spec §4.4) to
// fold the identity comparison and the increment into one critical
// section.
func (r *Ref[T]) CmpAndRef(predicate func(T) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !predicate(r.Value) {
		return false
	}
	r.count++
	return true
}

// Count returns the current reference count, for diagnostics and tests.
func (r *Ref[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// With runs fn under the object's lock, giving callers direct
// read/write access to Value without racing a concurrent
// Ref/Unref/RefOrSetUp.
func (r *Ref[T]) With(fn func(*T)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.Value)
}
