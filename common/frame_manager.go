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
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/tidwall/gjson"

	"github.com/grafana/xk6-cdp/log"
)

// FrameManager keeps the frame tree of a page and drives the page
// navigation signal from frame and network events.
type FrameManager struct {
	ctx      context.Context
	session  session
	timeouts *TimeoutSettings
	logger   *log.Logger

	nav       *navigationSignal
	mainFrame *Frame

	// Accessed from callers and from the event dispatch goroutine.
	framesMu sync.RWMutex
	frames   map[cdp.FrameID]*Frame
}

// NewFrameManager creates a frame manager. The main frame id is unknown
// until the frame tree is fetched.
func NewFrameManager(ctx context.Context, s session, timeouts *TimeoutSettings, logger *log.Logger) *FrameManager {
	m := &FrameManager{
		ctx:      ctx,
		session:  s,
		timeouts: timeouts,
		logger:   logger,
		nav:      newNavigationSignal(),
		frames:   make(map[cdp.FrameID]*Frame),
	}
	m.mainFrame = NewFrame(m, "", "")
	return m
}

func (m *FrameManager) initEvents() {
	m.session.on(m.ctx, []string{
		cdproto.EventPageFrameAttached,
		cdproto.EventPageFrameDetached,
		cdproto.EventPageFrameStartedLoading,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageFrameStoppedLoading,
		cdproto.EventPageNavigatedWithinDocument,
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
		cdproto.EventRuntimeExecutionContextsCleared,
	}, m.handleEvent)
}

func (m *FrameManager) handleEvent(data interface{}, _, _ int) error {
	switch ev := data.(type) {
	case *page.EventFrameAttached:
		m.frameAttached(ev.FrameID, ev.ParentFrameID)
	case *page.EventFrameDetached:
		m.frameDetached(ev.FrameID)
	case *page.EventFrameStartedLoading:
		m.frameLoadingStarted(ev.FrameID)
	case *page.EventFrameNavigated:
		m.frameNavigated(ev.Frame)
	case *page.EventFrameStoppedLoading:
		m.frameLoadingStopped(ev.FrameID)
	case *page.EventNavigatedWithinDocument:
		m.frameNavigatedWithinDocument(ev.FrameID, ev.URL)
	case *network.EventRequestWillBeSent:
		if ev.Type == network.ResourceTypeDocument && ev.FrameID == m.mainFrame.ID() {
			m.nav.reset()
		}
	case *cdpruntime.EventExecutionContextCreated:
		return m.executionContextCreated(ev.Context)
	case *cdpruntime.EventExecutionContextDestroyed:
		m.executionContextDestroyed(ev.ExecutionContextID)
	case *cdpruntime.EventExecutionContextsCleared:
		m.executionContextsCleared()
	}
	return nil
}

// initFrameTree fetches the frame tree and binds the main frame to its id.
func (m *FrameManager) initFrameTree() error {
	tree, err := page.GetFrameTree().Do(cdp.WithExecutor(m.ctx, m.session))
	if err != nil {
		return fmt.Errorf("getting frame tree: %w", err)
	}
	if tree == nil || tree.Frame == nil {
		return fmt.Errorf("getting frame tree: empty tree")
	}

	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	m.mainFrame.setID(tree.Frame.ID)
	m.mainFrame.setURL(tree.Frame.URL)
	m.frames[tree.Frame.ID] = m.mainFrame

	var addChildren func(children []*page.FrameTree)
	addChildren = func(children []*page.FrameTree) {
		for _, c := range children {
			if c.Frame == nil {
				continue
			}
			if _, ok := m.frames[c.Frame.ID]; !ok {
				f := NewFrame(m, c.Frame.ID, c.Frame.ParentID)
				f.setURL(c.Frame.URL)
				m.frames[c.Frame.ID] = f
			}
			addChildren(c.ChildFrames)
		}
	}
	addChildren(tree.ChildFrames)

	return nil
}

func (m *FrameManager) frameAttached(frameID, parentFrameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameAttached", "fid:%s pfid:%s", frameID, parentFrameID)

	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	if _, ok := m.frames[frameID]; ok {
		return
	}
	m.frames[frameID] = NewFrame(m, frameID, parentFrameID)
}

func (m *FrameManager) frameDetached(frameID cdp.FrameID) {
	m.logger.Debugf("FrameManager:frameDetached", "fid:%s", frameID)

	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	frame, ok := m.frames[frameID]
	if !ok {
		return
	}
	if frame == m.mainFrame {
		frame.clearExecutionID()
		return
	}
	delete(m.frames, frameID)
}

func (m *FrameManager) frameLoadingStarted(frameID cdp.FrameID) {
	frame := m.FrameByID(frameID)
	if frame == nil {
		return
	}
	frame.setState(FrameStateStartedLoading)
	m.nav.reset()
}

func (m *FrameManager) frameNavigated(cf *cdp.Frame) {
	if cf == nil {
		return
	}
	m.logger.Debugf("FrameManager:frameNavigated", "fid:%s pfid:%s url:%q", cf.ID, cf.ParentID, cf.URL)

	m.framesMu.Lock()
	defer m.framesMu.Unlock()

	frame := m.frames[cf.ID]
	if cf.ParentID == "" && frame != m.mainFrame {
		// The main frame keeps its identity across cross-process
		// navigations, which change its id.
		delete(m.frames, m.mainFrame.ID())
		m.mainFrame.setID(cf.ID)
		m.frames[cf.ID] = m.mainFrame
		frame = m.mainFrame
	}
	if frame == nil {
		return
	}
	frame.navigated(cf.Name, cf.URL)
}

func (m *FrameManager) frameLoadingStopped(frameID cdp.FrameID) {
	frame := m.FrameByID(frameID)
	if frame == nil {
		return
	}
	frame.setState(FrameStateStoppedLoading)
	if m.idle() {
		m.nav.set()
	}
}

func (m *FrameManager) frameNavigatedWithinDocument(frameID cdp.FrameID, url string) {
	if frame := m.FrameByID(frameID); frame != nil {
		frame.setURL(url)
	}
	if m.idle() {
		m.nav.set()
	}
}

func (m *FrameManager) executionContextCreated(desc *cdpruntime.ExecutionContextDescription) error {
	if desc == nil {
		return nil
	}
	aux := gjson.ParseBytes(desc.AuxData)
	if isDefault := aux.Get("isDefault"); isDefault.Exists() && !isDefault.Bool() {
		return nil
	}
	frameID := cdp.FrameID(aux.Get("frameId").String())
	if frameID == "" {
		return nil
	}

	if m.mainFrame.ID() == "" {
		if err := m.initFrameTree(); err != nil {
			return err
		}
	}

	m.framesMu.Lock()
	frame, ok := m.frames[frameID]
	if !ok {
		frame = NewFrame(m, frameID, "")
		m.frames[frameID] = frame
	}
	m.framesMu.Unlock()

	frame.setExecutionID(desc.ID)
	return nil
}

func (m *FrameManager) executionContextDestroyed(id cdpruntime.ExecutionContextID) {
	for _, f := range m.Frames() {
		if f.hasExecutionID(id) {
			f.clearExecutionID()
			return
		}
	}
}

func (m *FrameManager) executionContextsCleared() {
	m.framesMu.Lock()
	defer m.framesMu.Unlock()
	for id, f := range m.frames {
		if f != m.mainFrame {
			delete(m.frames, id)
		}
	}
	m.mainFrame.clearExecutionID()
}

// idle tells whether no frame of the page is loading.
func (m *FrameManager) idle() bool {
	for _, f := range m.Frames() {
		if !f.idle() {
			return false
		}
	}
	return true
}

// FrameByID returns the frame with the given id, or nil.
func (m *FrameManager) FrameByID(id cdp.FrameID) *Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	return m.frames[id]
}

// Frames returns all frames of the page.
func (m *FrameManager) Frames() []*Frame {
	m.framesMu.RLock()
	defer m.framesMu.RUnlock()
	frames := make([]*Frame, 0, len(m.frames))
	for _, f := range m.frames {
		frames = append(frames, f)
	}
	return frames
}

// MainFrame returns the main frame of the page.
func (m *FrameManager) MainFrame() *Frame {
	return m.mainFrame
}
