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

// navigationSignal tracks whether a page is done loading. Every reset bumps
// the generation, so a caller can tell whether anything started loading
// since it last looked.
type navigationSignal struct {
	mu    sync.Mutex
	gen   int64
	ready chan struct{}
}

// newNavigationSignal returns a signal in the ready state.
func newNavigationSignal() *navigationSignal {
	ready := make(chan struct{})
	close(ready)
	return &navigationSignal{ready: ready}
}

// reset marks the page as loading and returns the new generation.
func (s *navigationSignal) reset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	select {
	case <-s.ready:
		s.ready = make(chan struct{})
	default:
	}
	return s.gen
}

// set marks the page as loaded.
func (s *navigationSignal) set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}
}

func (s *navigationSignal) isSet() bool {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case <-ready:
		return true
	default:
		return false
	}
}

func (s *navigationSignal) generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// wait blocks until the signal is set, timeout elapses or ctx is done, and
// reports whether the signal got set. A signal reset while waiting is
// waited on again.
func (s *navigationSignal) wait(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		s.mu.Lock()
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ready:
			if s.isSet() {
				return true
			}
		case <-t.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
