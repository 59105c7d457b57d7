/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"sync"
	"time"
)

// Handoff is a single slot cell that hands a value produced by an event
// handler over to a caller blocked on it. It holds at most one value.
type Handoff[T any] struct {
	mu      sync.Mutex
	full    bool
	val     T
	changed chan struct{}
}

// NewHandoff returns an empty handoff cell.
func NewHandoff[T any]() *Handoff[T] {
	return &Handoff[T]{changed: make(chan struct{})}
}

// signal wakes up every waiter. Must be called with mu held.
func (h *Handoff[T]) signal() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// await blocks until ready holds and then runs act under the lock.
// A zero timeout waits until ctx is done.
func (h *Handoff[T]) await(ctx context.Context, timeout time.Duration, ready func() bool, act func()) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		h.mu.Lock()
		if ready() {
			act()
			h.mu.Unlock()
			return nil
		}
		changed := h.changed
		h.mu.Unlock()

		select {
		case <-changed:
		case <-expired:
			return &TimeoutError{Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Put stores v, waiting up to timeout for the slot to be emptied.
func (h *Handoff[T]) Put(ctx context.Context, v T, timeout time.Duration) error {
	return h.await(ctx, timeout,
		func() bool { return !h.full },
		func() { h.store(v) })
}

// TryPut stores v if the slot is empty.
func (h *Handoff[T]) TryPut(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.full {
		return false
	}
	h.store(v)
	return true
}

func (h *Handoff[T]) store(v T) {
	h.val, h.full = v, true
	h.signal()
}

// Take empties the slot, waiting up to timeout for a value.
func (h *Handoff[T]) Take(ctx context.Context, timeout time.Duration) (T, error) {
	var v T
	err := h.await(ctx, timeout,
		func() bool { return h.full },
		func() { v = h.clear() })
	return v, err
}

// TryTake empties the slot if it holds a value.
func (h *Handoff[T]) TryTake() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		var zero T
		return zero, false
	}
	return h.clear(), true
}

func (h *Handoff[T]) clear() T {
	v := h.val
	var zero T
	h.val, h.full = zero, false
	h.signal()
	return v
}

// Borrow returns the value, waiting up to timeout for one, and leaves it in
// the slot.
func (h *Handoff[T]) Borrow(ctx context.Context, timeout time.Duration) (T, error) {
	var v T
	err := h.await(ctx, timeout,
		func() bool { return h.full },
		func() { v = h.val })
	return v, err
}

// Peek returns the value without waiting.
func (h *Handoff[T]) Peek() (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.val, h.full
}
