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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"

	"github.com/grafana/xk6-cdp/log"
)

const wsWriteBufferSize = 1 << 20

// Ensure Connection implements the EventEmitter, Executor and session interfaces
var (
	_ EventEmitter = &Connection{}
	_ cdp.Executor = &Connection{}
	_ session      = &Connection{}
)

// Params are the parameters of a raw command.
type Params map[string]interface{}

// MarshalEasyJSON implements easyjson.Marshaler.
func (p Params) MarshalEasyJSON(w *jwriter.Writer) {
	if len(p) == 0 {
		w.RawString("{}")
		return
	}
	w.Raw(json.Marshal(map[string]interface{}(p)))
}

type reply struct {
	msg *cdproto.Message
	raw []byte
}

/*
	Connection represents a WebSocket connection to a single debug endpoint,
	either the browser-wide one or the one of a page target.

	┌──────────┐  replies (by id)   ┌─────────────┐
	│ recvLoop ├───────────────────►│ pending[id] ├──► Execute callers
	│          │  events            ├─────────────┤
	│          ├───────────────────►│    queue    ├──► dispatchLoop ──► handlers
	└──────────┘                    └─────────────┘
	Execute callers ──► sendCh ──► sendLoop ──► WebSocket

	recvLoop never runs event handlers, so a handler that issues a command
	can't starve the reply it is waiting for.
*/
type Connection struct {
	*BaseEventEmitter

	ctx          context.Context
	wsURL        string
	logger       *log.Logger
	timeouts     *TimeoutSettings
	conn         *websocket.Conn
	sendCh       chan []byte
	done         chan struct{}
	shutdownOnce sync.Once
	closeErr     error
	msgID        int64

	pendingMu sync.Mutex
	pending   map[int64]chan *reply

	queueMu sync.Mutex
	queue   []*cdproto.Message
	queueCh chan struct{}

	// Only used by recvLoop.
	decoder jlexer.Lexer
}

// NewConnection dials wsURL and starts serving it. Commands issued on the
// connection time out according to timeouts.
func NewConnection(
	ctx context.Context, wsURL string, logger *log.Logger, timeouts *TimeoutSettings,
) (*Connection, error) {
	wsd := websocket.Dialer{
		HandshakeTimeout: time.Second * 60,
		Proxy:            http.ProxyFromEnvironment,
		WriteBufferSize:  wsWriteBufferSize,
	}

	conn, _, connErr := wsd.DialContext(ctx, wsURL, nil)
	if connErr != nil {
		return nil, &TransportError{URL: wsURL, Err: connErr}
	}

	if timeouts == nil {
		timeouts = NewTimeoutSettings(nil)
	}
	c := Connection{
		BaseEventEmitter: NewBaseEventEmitter(logger),
		ctx:              ctx,
		wsURL:            wsURL,
		logger:           logger,
		timeouts:         timeouts,
		conn:             conn,
		sendCh:           make(chan []byte, 32), // Avoid blocking in Execute
		done:             make(chan struct{}),
		pending:          make(map[int64]chan *reply),
		queueCh:          make(chan struct{}, 1),
	}

	go c.recvLoop()
	go c.sendLoop()
	go c.dispatchLoop()

	return &c, nil
}

// URL returns the endpoint the connection is bound to.
func (c *Connection) URL() string {
	return c.wsURL
}

// Done is closed once the connection is shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error every command fails with after the connection was
// shut down, or nil while it is alive.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// closeConnection shuts the connection down. cause is nil for a requested
// close, in which case a close control frame is sent first.
func (c *Connection) closeConnection(code int, cause error) error {
	var err error

	c.shutdownOnce.Do(func() {
		c.closeErr = &TransportError{URL: c.wsURL, Err: cause}
		if cause == nil {
			err = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, ""),
				time.Now().Add(10*time.Second),
			)
		}
		_ = c.conn.Close()

		// Stop the main control loops and fail every waiting caller.
		close(c.done)
	})

	return err
}

func (c *Connection) handleIOError(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Errorf("cdp", "unexpected closure of %s: %v", c.wsURL, err)
	}
	code := websocket.CloseGoingAway
	var cerr *websocket.CloseError
	if errors.As(err, &cerr) {
		code = cerr.Code
	}
	_ = c.closeConnection(code, err)
}

func (c *Connection) recvLoop() {
	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			c.handleIOError(err)
			return
		}

		c.logger.Debugf("cdp:recv", "<- %s", buf)

		var msg cdproto.Message
		c.decoder = jlexer.Lexer{Data: buf}
		msg.UnmarshalEasyJSON(&c.decoder)
		if err := c.decoder.Error(); err != nil {
			c.logger.Errorf("cdp:recv", "decoding message: %v", err)
			continue
		}

		switch {
		case msg.ID != 0:
			c.resolve(&msg, buf)
		case msg.Method != "":
			c.enqueue(&msg)
		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming message (missing id or method): %s", buf)
		}
	}
}

// resolve hands a reply to the caller waiting for it. Replies nobody waits
// for anymore, like the ones arriving after a timeout, are dropped.
func (c *Connection) resolve(msg *cdproto.Message, raw []byte) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debugf("cdp:recv", "discarding reply id:%d, nobody is waiting for it", msg.ID)
		return
	}
	ch <- &reply{msg: msg, raw: raw}
}

func (c *Connection) enqueue(msg *cdproto.Message) {
	c.queueMu.Lock()
	c.queue = append(c.queue, msg)
	c.queueMu.Unlock()

	select {
	case c.queueCh <- struct{}{}:
	default:
	}
}

// dispatchLoop runs event handlers in arrival order on a single goroutine.
func (c *Connection) dispatchLoop() {
	defer func() {
		c.emit(EventConnectionClose, c.closeErr)
	}()

	for {
		c.queueMu.Lock()
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()

		for _, msg := range batch {
			c.dispatch(msg)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-c.queueCh:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) dispatch(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		var unknown cdp.ErrUnknownCommandOrEvent
		if !errors.As(err, &unknown) {
			c.logger.Errorf("cdp", "decoding %s: %v", msg.Method, err)
			return
		}
		// Events cdproto doesn't know about are handed over raw.
		ev = msg.Params
	}
	c.emit(string(msg.Method), ev)
}

func (c *Connection) sendLoop() {
	for {
		select {
		case buf := <-c.sendCh:
			c.logger.Debugf("cdp:send", "-> %s", buf)
			writer, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.handleIOError(err)
				return
			}
			if _, err := writer.Write(buf); err != nil {
				c.handleIOError(err)
				return
			}
			if err := writer.Close(); err != nil {
				c.handleIOError(err)
				return
			}
		case <-c.ctx.Done():
			_ = c.closeConnection(websocket.CloseGoingAway, nil)
			return
		case <-c.done:
			return
		}
	}
}

// Close closes the connection. Every pending and later command fails with
// ErrDeadBrowser.
func (c *Connection) Close() error {
	return c.closeConnection(websocket.CloseNormalClosure, nil)
}

// On registers fn for event until ctx is done.
func (c *Connection) On(ctx context.Context, event string, fn EventHandler) {
	c.on(ctx, []string{event}, fn)
}

// Command sends a raw command and returns its raw result.
func (c *Connection) Command(ctx context.Context, method string, params Params) (easyjson.RawMessage, error) {
	result, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}
	if err := scriptException(method, result); err != nil {
		return result, err
	}
	return result, nil
}

// Execute implements cdproto.Executor and performs a synchronous send and receive
func (c *Connection) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	result, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return err
	}
	if err := scriptException(method, result); err != nil {
		return err
	}
	if res != nil && len(result) > 0 {
		return easyjson.Unmarshal(result, res)
	}
	return nil
}

func (c *Connection) roundTrip(ctx context.Context, method string, params easyjson.Marshaler) (easyjson.RawMessage, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}

	id := atomic.AddInt64(&c.msgID, 1)
	frame, err := encodeCommand(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *reply, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	timeout := c.timeouts.timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendCh <- frame:
	case <-c.done:
		return nil, c.closeErr
	case <-timer.C:
		return nil, &TimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-ch:
		return replyResult(method, r)
	case <-c.done:
		// The reply may have raced the shutdown.
		select {
		case r := <-ch:
			return replyResult(method, r)
		default:
			return nil, c.closeErr
		}
	case <-timer.C:
		return nil, &TimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func encodeCommand(id int64, method string, params easyjson.Marshaler) ([]byte, error) {
	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding params of %s: %w", method, err)
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	w := jwriter.Writer{}
	msg.MarshalEasyJSON(&w)
	if w.Error != nil {
		return nil, fmt.Errorf("encoding %s: %w", method, w.Error)
	}
	return w.BuildBytes()
}

func replyResult(method string, r *reply) (easyjson.RawMessage, error) {
	if r.msg.Error != nil {
		return nil, newBrowserError(method, r.msg, r.raw)
	}
	return r.msg.Result, nil
}
