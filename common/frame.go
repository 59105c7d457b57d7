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
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// FrameState is the loading state of a frame.
type FrameState string

// Frame states, in the order a loading frame goes through them.
const (
	FrameStateStartedLoading FrameState = "started_loading"
	FrameStateNavigated      FrameState = "navigated"
	FrameStateStoppedLoading FrameState = "stopped_loading"
)

// Frame is a document frame of a page. Frames form a tree rooted at the
// page main frame.
type Frame struct {
	manager *FrameManager

	mu       sync.RWMutex
	id       cdp.FrameID
	parentID cdp.FrameID
	name     string
	url      string
	state    FrameState

	// Default execution context of the frame, filled by
	// Runtime.executionContextCreated.
	executionID *Handoff[cdpruntime.ExecutionContextID]
}

// NewFrame creates a new document frame.
func NewFrame(m *FrameManager, id, parentID cdp.FrameID) *Frame {
	return &Frame{
		manager:     m,
		id:          id,
		parentID:    parentID,
		executionID: NewHandoff[cdpruntime.ExecutionContextID](),
	}
}

// ID returns the frame id.
func (f *Frame) ID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.id
}

// ParentID returns the id of the parent frame, empty for the main frame.
func (f *Frame) ParentID() cdp.FrameID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.parentID
}

// IsMain tells whether f is the main frame of its page.
func (f *Frame) IsMain() bool {
	return f.manager != nil && f.manager.MainFrame() == f
}

// Name returns the frame name as specified in the frame tag.
func (f *Frame) Name() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.name
}

// URL returns the frame document URL.
func (f *Frame) URL() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.url
}

// State returns the loading state of the frame.
func (f *Frame) State() FrameState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// ParentFrame returns the parent frame, or nil for the main frame.
func (f *Frame) ParentFrame() *Frame {
	pid := f.ParentID()
	if pid == "" || f.manager == nil {
		return nil
	}
	return f.manager.FrameByID(pid)
}

// ChildFrames returns the frames whose parent is f.
func (f *Frame) ChildFrames() []*Frame {
	if f.manager == nil {
		return nil
	}
	id := f.ID()
	var children []*Frame
	for _, c := range f.manager.Frames() {
		if c.ParentID() == id {
			children = append(children, c)
		}
	}
	return children
}

// ExecutionID returns the id of the default execution context of the frame,
// waiting up to the command timeout for one to be created.
func (f *Frame) ExecutionID(ctx context.Context) (cdpruntime.ExecutionContextID, error) {
	id, err := f.executionID.Borrow(ctx, f.manager.timeouts.timeout())
	if errors.Is(err, ErrTimedOut) {
		return 0, fmt.Errorf("frame %s: %w", f.ID(), ErrNoExecutionContext)
	}
	return id, err
}

func (f *Frame) setID(id cdp.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
}

func (f *Frame) setState(state FrameState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *Frame) navigated(name, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = FrameStateNavigated
	f.name = name
	f.url = url
}

func (f *Frame) setURL(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.url = url
}

// idle tells whether the frame isn't loading. Frames that never reported
// loading activity don't hold the page busy.
func (f *Frame) idle() bool {
	state := f.State()
	return state == "" || state == FrameStateStoppedLoading
}

func (f *Frame) setExecutionID(id cdpruntime.ExecutionContextID) {
	if !f.executionID.TryPut(id) {
		// A context nobody destroyed is replaced.
		f.executionID.TryTake()
		f.executionID.TryPut(id)
	}
}

func (f *Frame) clearExecutionID() {
	f.executionID.TryTake()
}

func (f *Frame) hasExecutionID(id cdpruntime.ExecutionContextID) bool {
	cur, ok := f.executionID.Peek()
	return ok && cur == id
}
