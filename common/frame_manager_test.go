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
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-cdp/log"
)

func newTestFrameManager(t *testing.T) (*FrameManager, *fakeSession) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newFakeSession()
	s.setResult(cdproto.CommandPageGetFrameTree, `{"frameTree":{
		"frame":{"id":"main","loaderId":"l","url":"about:blank","domainAndRegistry":"","securityOrigin":"://","mimeType":"text/html"},
		"childFrames":[{"frame":{"id":"child","parentId":"main","loaderId":"l","url":"about:srcdoc","domainAndRegistry":"","securityOrigin":"://","mimeType":"text/html"}}]
	}}`)

	timeouts := NewTimeoutSettings(nil)
	timeouts.SetDefaultTimeout(20 * time.Millisecond)
	fm := NewFrameManager(ctx, s, timeouts, log.NewNullLogger())
	fm.initEvents()
	require.NoError(t, fm.initFrameTree())
	return fm, s
}

func executionContextCreated(id cdpruntime.ExecutionContextID, auxData string) *cdpruntime.EventExecutionContextCreated {
	return &cdpruntime.EventExecutionContextCreated{
		Context: &cdpruntime.ExecutionContextDescription{
			ID:      id,
			AuxData: easyjson.RawMessage(auxData),
		},
	}
}

func TestFrameManagerFrameTree(t *testing.T) {
	t.Parallel()

	fm, s := newTestFrameManager(t)

	main := fm.MainFrame()
	assert.Equal(t, cdp.FrameID("main"), main.ID())
	assert.True(t, main.IsMain())
	assert.Len(t, fm.Frames(), 2)
	require.NotNil(t, fm.FrameByID("child"))
	assert.Equal(t, main, fm.FrameByID("child").ParentFrame())
	assert.Equal(t, "about:srcdoc", fm.FrameByID("child").URL())

	s.emit(cdproto.EventPageFrameAttached, &page.EventFrameAttached{FrameID: "child2", ParentFrameID: "main"})
	assert.Len(t, fm.Frames(), 3)
	assert.Len(t, main.ChildFrames(), 2)

	s.emit(cdproto.EventPageFrameDetached, &page.EventFrameDetached{FrameID: "child2"})
	assert.Nil(t, fm.FrameByID("child2"))

	s.emit(cdproto.EventPageFrameDetached, &page.EventFrameDetached{FrameID: "main"})
	assert.Equal(t, main, fm.FrameByID("main"), "the main frame is never detached")
}

func TestFrameManagerMainFrameNavigation(t *testing.T) {
	t.Parallel()

	fm, s := newTestFrameManager(t)
	main := fm.MainFrame()

	s.emit(cdproto.EventPageFrameNavigated, &page.EventFrameNavigated{
		Frame: &cdp.Frame{ID: "main2", URL: "http://test.local/", Name: "top"},
	})
	assert.Same(t, main, fm.MainFrame())
	assert.Equal(t, cdp.FrameID("main2"), main.ID())
	assert.Nil(t, fm.FrameByID("main"))
	assert.Equal(t, "http://test.local/", main.URL())
	assert.Equal(t, "top", main.Name())
	assert.Equal(t, FrameStateNavigated, main.State())

	s.emit(cdproto.EventPageNavigatedWithinDocument, &page.EventNavigatedWithinDocument{
		FrameID: "main2", URL: "http://test.local/#anchor",
	})
	assert.Equal(t, "http://test.local/#anchor", main.URL())
}

func TestFrameManagerNavigationSignal(t *testing.T) {
	t.Parallel()

	fm, s := newTestFrameManager(t)
	require.True(t, fm.nav.isSet())

	s.emit(cdproto.EventPageFrameStartedLoading, &page.EventFrameStartedLoading{FrameID: "main"})
	s.emit(cdproto.EventPageFrameStartedLoading, &page.EventFrameStartedLoading{FrameID: "child"})
	assert.False(t, fm.nav.isSet())

	s.emit(cdproto.EventPageFrameStoppedLoading, &page.EventFrameStoppedLoading{FrameID: "main"})
	assert.False(t, fm.nav.isSet(), "a child frame is still loading")

	s.emit(cdproto.EventPageFrameStoppedLoading, &page.EventFrameStoppedLoading{FrameID: "child"})
	assert.True(t, fm.nav.isSet())
}

func TestFrameManagerExecutionContexts(t *testing.T) {
	t.Parallel()

	t.Run("default_context", func(t *testing.T) {
		t.Parallel()

		fm, s := newTestFrameManager(t)
		s.emit(cdproto.EventRuntimeExecutionContextCreated,
			executionContextCreated(3, `{"frameId":"main","isDefault":false}`))
		s.emit(cdproto.EventRuntimeExecutionContextCreated,
			executionContextCreated(7, `{"frameId":"main","isDefault":true}`))

		id, err := fm.MainFrame().ExecutionID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cdpruntime.ExecutionContextID(7), id)

		s.emit(cdproto.EventRuntimeExecutionContextCreated,
			executionContextCreated(8, `{"frameId":"main","isDefault":true}`))
		id, err = fm.MainFrame().ExecutionID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cdpruntime.ExecutionContextID(8), id, "a new default context replaces the old one")
	})

	t.Run("destroyed", func(t *testing.T) {
		t.Parallel()

		fm, s := newTestFrameManager(t)
		s.emit(cdproto.EventRuntimeExecutionContextCreated,
			executionContextCreated(4, `{"frameId":"child","isDefault":true}`))
		s.emit(cdproto.EventRuntimeExecutionContextDestroyed,
			&cdpruntime.EventExecutionContextDestroyed{ExecutionContextID: 4})

		_, err := fm.FrameByID("child").ExecutionID(context.Background())
		assert.ErrorIs(t, err, ErrNoExecutionContext)
	})

	t.Run("cleared", func(t *testing.T) {
		t.Parallel()

		fm, s := newTestFrameManager(t)
		s.emit(cdproto.EventRuntimeExecutionContextCreated,
			executionContextCreated(5, `{"frameId":"main","isDefault":true}`))
		s.emit(cdproto.EventRuntimeExecutionContextsCleared, &cdpruntime.EventExecutionContextsCleared{})

		assert.Len(t, fm.Frames(), 1)
		_, err := fm.MainFrame().ExecutionID(context.Background())
		assert.ErrorIs(t, err, ErrNoExecutionContext)
	})

	t.Run("waits_for_context", func(t *testing.T) {
		t.Parallel()

		fm, s := newTestFrameManager(t)
		fm.timeouts.SetDefaultTimeout(time.Second)

		go func() {
			time.Sleep(10 * time.Millisecond)
			s.emit(cdproto.EventRuntimeExecutionContextCreated,
				executionContextCreated(9, `{"frameId":"main"}`))
		}()

		id, err := fm.MainFrame().ExecutionID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, cdpruntime.ExecutionContextID(9), id)
	})
}
