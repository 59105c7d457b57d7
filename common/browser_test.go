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
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/xk6-cdp/lib/types"
	"github.com/grafana/xk6-cdp/log"
	"github.com/grafana/xk6-cdp/tests/ws"
)

const testContextID = "browser_context_id_0123456789"

// withDefault answers the commands fn doesn't handle like a browser with
// instant page loads would.
func withDefault(fn func(msg *cdproto.Message, writeCh chan cdproto.Message) bool) ws.CDPHandler {
	return func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if fn != nil && fn(msg, writeCh) {
			return
		}
		ws.CDPDefaultHandler(conn, msg, writeCh, done)
	}
}

func targetCreatedEvent(id, contextID, openerID string) cdproto.Message {
	return ws.Event(cdproto.EventTargetTargetCreated, fmt.Sprintf(`{
		"targetInfo": {
			"targetId": %q,
			"type": "page",
			"title": "",
			"url": "about:blank",
			"attached": false,
			"openerId": %q,
			"canAccessOpener": false,
			"browserContextId": %q
		}
	}`, id, openerID, contextID))
}

type testBrowserOption func(*BrowserOptions)

func newTestBrowser(t *testing.T, handler ws.CDPHandler, opts ...testBrowserOption) (*Browser, *ws.CommandLog) {
	t.Helper()

	cmds := &ws.CommandLog{}
	server := ws.NewServer(t, ws.WithCDPHandler(ws.DevtoolsPath, handler, cmds))

	bo := NewBrowserOptions()
	bo.WSEndpoint = null.StringFrom(server.WSURL(ws.BrowserPath))
	bo.Timeout = types.NullDurationFrom(2 * time.Second)
	bo.NavigationGrace = types.NullDurationFrom(20 * time.Millisecond)
	bo.WindowGrace = types.NullDurationFrom(time.Millisecond)
	bo.IdlePoll = types.NullDurationFrom(5 * time.Millisecond)
	for _, o := range opts {
		o(&bo)
	}

	b, err := NewBrowser(context.Background(), bo, log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return b, cmds
}

func TestBrowserInvalidOptions(t *testing.T) {
	t.Parallel()

	opts := NewBrowserOptions()
	opts.WSEndpoint = null.StringFrom("http://127.0.0.1:9222")
	_, err := NewBrowser(context.Background(), opts, log.NewNullLogger())
	require.ErrorContains(t, err, "invalid browser options")
}

func TestBrowserVersion(t *testing.T) {
	t.Parallel()

	b, cmds := newTestBrowser(t, withDefault(func(msg *cdproto.Message, writeCh chan cdproto.Message) bool {
		if msg.Method != cdproto.CommandBrowserGetVersion {
			return false
		}
		writeCh <- ws.Reply(msg, `{
			"protocolVersion": "1.3",
			"product": "HeadlessChrome/120.0.0.0",
			"revision": "@rev",
			"userAgent": "Mozilla/5.0",
			"jsVersion": "12.0"
		}`)
		return true
	}))

	v, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "HeadlessChrome/120.0.0.0", v)
	assert.True(t, cmds.Contains(cdproto.CommandTargetSetDiscoverTargets))
}

func TestBrowserContextCreateTarget(t *testing.T) {
	t.Parallel()

	b, cmds := newTestBrowser(t, withDefault(nil))
	ctx := context.Background()

	c, err := b.NewContext(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, testContextID, string(c.ID()))
	assert.Same(t, c, b.Contexts().Get(c.ID()))

	tg, err := c.CreateTarget(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, c.ID(), tg.ContextID(), "the target should be created in the context")
	assert.Equal(t, BlankURL, tg.URL())
	assert.Equal(t, TargetTypePage, tg.Type())
	assert.False(t, tg.IsWindow())
	assert.Same(t, tg, c.Target(tg.ID()))
	assert.Same(t, c, b.Contexts().FindByTarget(tg.ID()))
	assert.Nil(t, b.Contexts().FindByTarget("unknown"))

	assert.Equal(t, []cdproto.MethodType{
		cdproto.CommandTargetSetDiscoverTargets,
		cdproto.CommandTargetCreateBrowserContext,
		cdproto.CommandTargetCreateTarget,
	}, cmds.Methods())
}

func TestBrowserContextTargetNotAnnounced(t *testing.T) {
	t.Parallel()

	b, _ := newTestBrowser(t, withDefault(func(msg *cdproto.Message, writeCh chan cdproto.Message) bool {
		if msg.Method != cdproto.CommandTargetCreateTarget {
			return false
		}
		writeCh <- ws.Reply(msg, `{"targetId":"silent"}`)
		return true
	}), func(o *BrowserOptions) {
		o.Timeout = types.NullDurationFrom(100 * time.Millisecond)
	})

	c, err := b.NewContext(context.Background(), nil)
	require.NoError(t, err)
	_, err = c.CreateTarget(context.Background(), "")
	require.ErrorIs(t, err, ErrNoSuchTarget)
	assert.Empty(t, c.Targets())
}

func TestBrowserContextOtherTargets(t *testing.T) {
	t.Parallel()

	var n int64
	b, _ := newTestBrowser(t, withDefault(func(msg *cdproto.Message, writeCh chan cdproto.Message) bool {
		if msg.Method != cdproto.CommandTargetCreateTarget {
			return false
		}
		var params target.CreateTargetParams
		_ = easyjson.Unmarshal(msg.Params, &params)
		ctxID := string(params.BrowserContextID)
		id := fmt.Sprintf("created_%d", atomic.AddInt64(&n, 1))

		// A window opened by page script and a page opened by another
		// client are announced first.
		writeCh <- targetCreatedEvent("window_"+id, ctxID, "opener")
		writeCh <- targetCreatedEvent("stray_"+id, ctxID, "")
		writeCh <- targetCreatedEvent(id, ctxID, "")
		writeCh <- ws.Reply(msg, fmt.Sprintf(`{"targetId":%q}`, id))
		return true
	}))
	ctx := context.Background()

	c, err := b.NewContext(ctx, nil)
	require.NoError(t, err)

	tg, err := c.CreateTarget(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "created_1", string(tg.ID()))

	window := c.Target("window_created_1")
	require.NotNil(t, window)
	assert.True(t, window.IsWindow())
	assert.Equal(t, "opener", string(window.OpenerID()))
	assert.True(t, c.HasTarget("stray_created_1"))

	// The second call doesn't get confused by what was announced before.
	tg, err = c.CreateTarget(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "created_2", string(tg.ID()))
	assert.Len(t, c.Targets(), 6)
}

func TestBrowserContextTargetEvents(t *testing.T) {
	t.Parallel()

	trigger := make(chan cdproto.Message, 1)
	b, _ := newTestBrowser(t, withDefault(func(msg *cdproto.Message, writeCh chan cdproto.Message) bool {
		if msg.Method != "Test.trigger" {
			return false
		}
		writeCh <- ws.Reply(msg, "{}")
		writeCh <- <-trigger
		return true
	}))
	ctx := context.Background()

	c, err := b.NewContext(ctx, nil)
	require.NoError(t, err)
	p, err := c.CreatePage(ctx, "")
	require.NoError(t, err)
	tg := c.Target(p.TargetID())
	require.NotNil(t, tg)
	assert.True(t, tg.HasPage())
	assert.Len(t, c.Pages(), 1)

	fire := func(ev cdproto.Message, done func() bool) {
		t.Helper()
		trigger <- ev
		_, err := b.Command(ctx, "Test.trigger", nil)
		require.NoError(t, err)
		require.Eventually(t, done, 5*time.Second, 5*time.Millisecond)
	}

	fire(ws.Event(cdproto.EventTargetTargetInfoChanged, fmt.Sprintf(`{
		"targetInfo": {
			"targetId": %q, "type": "page", "title": "Changed", "url": "http://changed.test/",
			"attached": true, "canAccessOpener": false, "browserContextId": %q
		}
	}`, tg.ID(), c.ID())), func() bool {
		return tg.Title() == "Changed"
	})
	assert.Equal(t, "http://changed.test/", tg.URL())

	fire(ws.Event(cdproto.EventTargetTargetDestroyed, fmt.Sprintf(`{"targetId":%q}`, tg.ID())), func() bool {
		return !c.HasTarget(tg.ID())
	})
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("page connection wasn't closed")
	}
	assert.False(t, tg.HasPage())
	assert.Nil(t, b.Contexts().FindByTarget(tg.ID()))
}

func TestBrowserContextDispose(t *testing.T) {
	t.Parallel()

	b, cmds := newTestBrowser(t, withDefault(nil))
	ctx := context.Background()

	c, err := b.DefaultContext(ctx)
	require.NoError(t, err)
	same, err := b.DefaultContext(ctx)
	require.NoError(t, err)
	assert.Same(t, c, same)

	p, err := c.DefaultPage(ctx)
	require.NoError(t, err)
	again, err := c.DefaultPage(ctx)
	require.NoError(t, err)
	assert.Same(t, p, again)

	require.NoError(t, c.Dispose(ctx))
	assert.True(t, cmds.Contains(cdproto.CommandTargetDisposeBrowserContext))
	assert.Nil(t, b.Contexts().Get(c.ID()))
	assert.Empty(t, c.Targets())
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("page connection wasn't closed")
	}

	// A new default context is created on next use.
	c2, err := b.DefaultContext(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, c2)

	require.NoError(t, b.Reset(ctx))
	assert.Empty(t, b.Contexts().All())
}

func TestBrowserReconnect(t *testing.T) {
	t.Parallel()

	b, cmds := newTestBrowser(t, withDefault(nil))
	ctx := context.Background()

	c, err := b.DefaultContext(ctx)
	require.NoError(t, err)
	tg, err := c.CreateTarget(ctx, "")
	require.NoError(t, err)

	require.NoError(t, b.Reconnect())

	// Contexts of the old connection are gone along with their targets.
	assert.Empty(t, b.Contexts().All())
	assert.Nil(t, b.Contexts().FindByTarget(tg.ID()))
	assert.Nil(t, c.Target(tg.ID()))

	nc, err := b.DefaultContext(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, nc)

	// Target events are routed over the new connection.
	ntg, err := nc.CreateTarget(ctx, "")
	require.NoError(t, err)
	assert.Same(t, nc, b.Contexts().FindByTarget(ntg.ID()))

	count := func(method cdproto.MethodType) int {
		n := 0
		for _, m := range cmds.Methods() {
			if m == method {
				n++
			}
		}
		return n
	}
	assert.Equal(t, 2, count(cdproto.CommandTargetSetDiscoverTargets))
	assert.Equal(t, 2, count(cdproto.CommandTargetCreateBrowserContext))
}
