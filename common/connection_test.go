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
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-cdp/log"
	"github.com/grafana/xk6-cdp/tests/ws"
)

func newTestConnection(t *testing.T, server *ws.Server, timeout time.Duration) *Connection {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	timeouts := NewTimeoutSettings(nil)
	if timeout > 0 {
		timeouts.SetDefaultTimeout(timeout)
	}
	conn, err := NewConnection(ctx, server.WSURL(ws.BrowserPath), log.NewNullLogger(), timeouts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
	})
	return conn
}

func TestConnection(t *testing.T) {
	t.Parallel()

	t.Run("connect", func(t *testing.T) {
		t.Parallel()

		server := ws.NewServer(t, ws.WithEchoHandler(ws.BrowserPath))
		conn := newTestConnection(t, server, 0)

		assert.Equal(t, server.WSURL(ws.BrowserPath), conn.URL())
		require.NoError(t, conn.Execute(context.Background(), "Echo.method", nil, nil))
	})

	t.Run("dial_error", func(t *testing.T) {
		t.Parallel()

		server := ws.NewServer(t)
		_, err := NewConnection(context.Background(), server.WSURL("/nowhere"), log.NewNullLogger(), nil)
		require.ErrorIs(t, err, ErrDeadBrowser)
	})

	t.Run("closure_abnormal", func(t *testing.T) {
		t.Parallel()

		server := ws.NewServer(t, ws.WithClosureAbnormalHandler(ws.BrowserPath))
		conn := newTestConnection(t, server, 0)

		select {
		case <-conn.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("connection wasn't closed")
		}
		require.ErrorIs(t, conn.Err(), ErrDeadBrowser)

		_, err := conn.Command(context.Background(), "Any.method", nil)
		require.ErrorIs(t, err, ErrDeadBrowser)
	})
}

func TestConnectionOutOfOrderReplies(t *testing.T) {
	t.Parallel()

	const numCommands = 50

	var (
		mu      sync.Mutex
		pending []*cdproto.Message
	)
	handler := func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		mu.Lock()
		defer mu.Unlock()
		pending = append(pending, msg)
		if len(pending) < numCommands {
			return
		}
		// Every command is in flight, answer them in random order.
		rand.Shuffle(len(pending), func(i, j int) {
			pending[i], pending[j] = pending[j], pending[i]
		})
		for _, m := range pending {
			writeCh <- ws.Reply(m, fmt.Sprintf(`{"method":%q,"id":%d}`, m.Method, m.ID))
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler(ws.BrowserPath, handler, nil))
	conn := newTestConnection(t, server, 5*time.Second)

	results := make([]easyjson.RawMessage, numCommands)
	errs := make([]error, numCommands)

	var wg sync.WaitGroup
	for i := 0; i < numCommands; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = conn.Command(context.Background(), fmt.Sprintf("Test.command%d", i), nil)
		}(i)
	}
	wg.Wait()

	ids := make(map[int64]bool, numCommands)
	for i := 0; i < numCommands; i++ {
		require.NoError(t, errs[i])

		var res struct {
			Method string `json:"method"`
			ID     int64  `json:"id"`
		}
		require.NoError(t, json.Unmarshal(results[i], &res))
		assert.Equal(t, fmt.Sprintf("Test.command%d", i), res.Method)
		assert.False(t, ids[res.ID], "id %d answered twice", res.ID)
		ids[res.ID] = true
	}
	assert.Len(t, ids, numCommands)
}

func TestConnectionTimeout(t *testing.T) {
	t.Parallel()

	handler := func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{}) {
		if msg.Method == "Slow.method" {
			go func() {
				time.Sleep(100 * time.Millisecond)
				select {
				case writeCh <- ws.Reply(msg, `{"late":true}`):
				case <-done:
				}
			}()
			return
		}
		writeCh <- ws.Reply(msg, `{"late":false}`)
	}
	server := ws.NewServer(t, ws.WithCDPHandler(ws.BrowserPath, handler, nil))
	conn := newTestConnection(t, server, 50*time.Millisecond)

	_, err := conn.Command(context.Background(), "Slow.method", nil)
	require.ErrorIs(t, err, ErrTimedOut)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Slow.method", terr.Method)

	// The late reply is dropped and the connection keeps working.
	time.Sleep(150 * time.Millisecond)
	result, err := conn.Command(context.Background(), "Fast.method", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"late":false}`, string(result))
	require.NoError(t, conn.Err())
}

func TestConnectionBrowserError(t *testing.T) {
	t.Parallel()

	handler := func(conn *websocket.Conn, msg *cdproto.Message, _ chan cdproto.Message, _ chan struct{}) {
		// cdproto can't encode the data member, write the frame as is.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(
			`{"id":%d,"error":{"code":-32000,"message":"No node with given id found","data":"nodeId: 42"}}`,
			msg.ID)))
	}
	server := ws.NewServer(t, ws.WithCDPHandler(ws.BrowserPath, handler, nil))
	conn := newTestConnection(t, server, 5*time.Second)

	err := conn.Execute(context.Background(), "DOM.describeNode", nil, nil)
	require.Error(t, err)

	var berr *BrowserError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "DOM.describeNode", berr.Method)
	assert.Equal(t, int64(-32000), berr.Code)
	assert.Equal(t, "nodeId: 42", berr.Data)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.NotErrorIs(t, err, ErrNoExecutionContext)
}

func TestConnectionScriptException(t *testing.T) {
	t.Parallel()

	handler := func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		writeCh <- ws.Reply(msg, `{
			"result": {"type": "object", "subtype": "error"},
			"exceptionDetails": {"exceptionId": 1, "text": "Uncaught", "lineNumber": 0, "columnNumber": 0}
		}`)
	}
	server := ws.NewServer(t, ws.WithCDPHandler(ws.BrowserPath, handler, nil))
	conn := newTestConnection(t, server, 5*time.Second)

	result, err := conn.Command(context.Background(), "Runtime.evaluate", Params{"expression": "throw 1"})
	require.Error(t, err)
	assert.NotEmpty(t, result)

	var serr *ScriptException
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "Runtime.evaluate", serr.Method)
	assert.Equal(t, "Uncaught", serr.Details.Text)
}

func TestConnectionHandlerIssuesCommand(t *testing.T) {
	t.Parallel()

	handler := func(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
		switch msg.Method {
		case "Trigger.event":
			writeCh <- ws.Reply(msg, "{}")
			writeCh <- ws.Event("Custom.fired", `{"n":1}`)
		case "Inner.method":
			writeCh <- ws.Reply(msg, `{"inner":true}`)
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler(ws.BrowserPath, handler, nil))
	conn := newTestConnection(t, server, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type innerResult struct {
		event  easyjson.RawMessage
		result easyjson.RawMessage
		err    error
	}
	results := make(chan innerResult, 1)
	conn.On(ctx, "Custom.fired", func(data interface{}, _, _ int) error {
		raw, _ := data.(easyjson.RawMessage)
		result, err := conn.Command(ctx, "Inner.method", nil)
		results <- innerResult{raw, result, err}
		return err
	})

	_, err := conn.Command(ctx, "Trigger.event", nil)
	require.NoError(t, err)

	select {
	case r := <-results:
		require.NoError(t, r.err)
		assert.JSONEq(t, `{"n":1}`, string(r.event))
		assert.JSONEq(t, `{"inner":true}`, string(r.result))
	case <-time.After(5 * time.Second):
		t.Fatal("event handler didn't run")
	}
}

func TestConnectionDropFailsPendingCommands(t *testing.T) {
	t.Parallel()

	handler := func(conn *websocket.Conn, msg *cdproto.Message, _ chan cdproto.Message, _ chan struct{}) {
		if msg.Method == "Hang.method" {
			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = conn.Close()
			}()
		}
	}
	server := ws.NewServer(t, ws.WithCDPHandler(ws.BrowserPath, handler, nil))
	conn := newTestConnection(t, server, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	closed := make(chan error, 1)
	conn.On(ctx, EventConnectionClose, func(data interface{}, _, _ int) error {
		err, _ := data.(error)
		closed <- err
		return nil
	})

	const callers = 3
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := conn.Command(ctx, "Hang.method", nil)
			errs <- err
		}()
	}
	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrDeadBrowser)
		case <-time.After(5 * time.Second):
			t.Fatal("pending command wasn't failed")
		}
	}

	select {
	case err := <-closed:
		require.ErrorIs(t, err, ErrDeadBrowser)
	case <-time.After(5 * time.Second):
		t.Fatal("close event wasn't emitted")
	}

	_, err := conn.Command(ctx, "Any.method", nil)
	require.ErrorIs(t, err, ErrDeadBrowser)
}
