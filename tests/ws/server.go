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

// Package ws provides a fake CDP browser for tests: an httptest server that
// speaks the wire protocol over gorilla/websocket.
package ws

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

const (
	// BrowserPath is the browser-wide debug endpoint.
	BrowserPath = "/devtools/browser/fake"

	// DevtoolsPath is the prefix of every debug endpoint, page ones included.
	DevtoolsPath = "/devtools/"

	// MainFrameID is the main frame id reported by every fake page.
	MainFrameID = "main_frame_0123456789"
)

// Server can be used as a test alternative to a real CDP compatible browser.
type Server struct {
	t          testing.TB
	Mux        *http.ServeMux
	ServerHTTP *httptest.Server
	Context    context.Context
}

// NewServer returns a fully configured and running WS test server.
func NewServer(t testing.TB, opts ...func(*Server)) *Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/", pagesHandler())

	server := httptest.NewServer(mux)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.CloseClientConnections()
		server.Close()
	})
	s := &Server{
		t:          t,
		Mux:        mux,
		ServerHTTP: server,
		Context:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// URL returns the HTTP URL of path on the server.
func (s *Server) URL(path string) string {
	return s.ServerHTTP.URL + path
}

// WSURL returns the WebSocket URL of path on the server.
func (s *Server) WSURL(path string) string {
	return "ws" + strings.TrimPrefix(s.ServerHTTP.URL, "http") + path
}

// pagesHandler serves the pages fake navigations point at.
func pagesHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><body>fake</body></html>")
	})
	mux.HandleFunc("/redirect", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/", http.StatusFound)
	})
	mux.HandleFunc("/auth", func(w http.ResponseWriter, req *http.Request) {
		if _, _, ok := req.BasicAuth(); !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="fake"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status/", func(w http.ResponseWriter, req *http.Request) {
		code, err := strconv.Atoi(strings.TrimPrefix(req.URL.Path, "/status/"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(code)
	})
	return mux
}

// WithClosureAbnormalHandler attaches an abnormal closure behavior to Server.
func WithClosureAbnormalHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		// Closes without a WS close message exchange.
		_ = conn.Close()
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// WithEchoHandler attaches an echo handler to Server.
func WithEchoHandler(path string) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		messageType, r, err := conn.NextReader()
		if err != nil {
			return
		}
		wc, err := conn.NextWriter(messageType)
		if err != nil {
			return
		}
		if _, err = io.Copy(wc, r); err != nil {
			return
		}
		if err = wc.Close(); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(10*time.Second),
		)
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

// CommandLog records the methods of the commands a CDP handler received.
type CommandLog struct {
	mu      sync.Mutex
	methods []cdproto.MethodType
}

func (l *CommandLog) add(m cdproto.MethodType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.methods = append(l.methods, m)
}

// Methods returns the received methods in arrival order.
func (l *CommandLog) Methods() []cdproto.MethodType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cdproto.MethodType(nil), l.methods...)
}

// Contains tells whether method was received.
func (l *CommandLog) Contains(method string) bool {
	for _, m := range l.Methods() {
		if string(m) == method {
			return true
		}
	}
	return false
}

// CDPHandler answers one inbound command. Messages sent on writeCh reach the
// client in order.
type CDPHandler func(conn *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, done chan struct{})

// WithCDPHandler attaches a custom CDP handler function to Server. cmds may
// be nil.
func WithCDPHandler(path string, fn CDPHandler, cmds *CommandLog) func(*Server) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, req, w.Header())
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		done := make(chan struct{})
		writeCh := make(chan cdproto.Message)

		go func() {
			for {
				msg, err := readMessage(conn)
				if err != nil {
					close(done)
					return
				}
				if msg.Method != "" && cmds != nil {
					cmds.add(msg.Method)
				}
				fn(conn, msg, writeCh, done)
			}
		}()

		go func() {
			for {
				select {
				case msg := <-writeCh:
					writeMessage(conn, &msg)
				case <-done:
					return
				}
			}
		}()

		<-done
	}
	return func(s *Server) {
		s.Mux.Handle(path, http.HandlerFunc(handler))
	}
}

func readMessage(conn *websocket.Conn) (*cdproto.Message, error) {
	_, buf, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg cdproto.Message
	decoder := jlexer.Lexer{Data: buf}
	msg.UnmarshalEasyJSON(&decoder)
	if err := decoder.Error(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func writeMessage(conn *websocket.Conn, msg *cdproto.Message) {
	encoder := jwriter.Writer{}
	msg.MarshalEasyJSON(&encoder)
	if encoder.Error != nil {
		return
	}
	writer, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return
	}
	if _, err := encoder.DumpTo(writer); err != nil {
		return
	}
	_ = writer.Close()
}

var targetSeq int64

// Event builds an event message.
func Event(method, params string) cdproto.Message {
	return cdproto.Message{
		Method: cdproto.MethodType(method),
		Params: easyjson.RawMessage(params),
	}
}

// Reply builds a command reply carrying result.
func Reply(msg *cdproto.Message, result string) cdproto.Message {
	return cdproto.Message{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Result:    easyjson.RawMessage(result),
	}
}

// CDPDefaultHandler is a default handler for the CDP WS server. It behaves
// like a browser with instant page loads: contexts and targets are created
// on request and navigations complete right after they are acknowledged.
func CDPDefaultHandler(_ *websocket.Conn, msg *cdproto.Message, writeCh chan cdproto.Message, _ chan struct{}) {
	if msg.Method == "" {
		return
	}
	switch msg.Method {
	case cdproto.CommandTargetCreateBrowserContext:
		writeCh <- Reply(msg, `{"browserContextId":"browser_context_id_0123456789"}`)
	case cdproto.CommandTargetCreateTarget:
		var params target.CreateTargetParams
		_ = easyjson.Unmarshal(msg.Params, &params)
		id := fmt.Sprintf("target_id_%d", atomic.AddInt64(&targetSeq, 1))
		writeCh <- Event(cdproto.EventTargetTargetCreated, fmt.Sprintf(`{
			"targetInfo": {
				"targetId": %q,
				"type": "page",
				"title": "",
				"url": %q,
				"attached": false,
				"canAccessOpener": false,
				"browserContextId": %q
			}
		}`, id, params.URL, params.BrowserContextID))
		writeCh <- Reply(msg, fmt.Sprintf(`{"targetId":%q}`, id))
	case cdproto.CommandPageGetFrameTree:
		writeCh <- Reply(msg, fmt.Sprintf(
			`{"frameTree":{"frame":{"id":%q,"loaderId":"loader","url":"about:blank","domainAndRegistry":"","securityOrigin":"://","mimeType":"text/html"}}}`,
			MainFrameID))
	case cdproto.CommandPageNavigate:
		frame := fmt.Sprintf(`{"frameId":%q}`, MainFrameID)
		writeCh <- Event(cdproto.EventPageFrameStartedLoading, frame)
		writeCh <- Reply(msg, fmt.Sprintf(`{"frameId":%q,"loaderId":"loader"}`, MainFrameID))
		writeCh <- Event(cdproto.EventPageFrameStoppedLoading, frame)
	default:
		writeCh <- Reply(msg, "{}")
	}
}
