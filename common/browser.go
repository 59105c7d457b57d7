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

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"

	"github.com/grafana/xk6-cdp/log"
)

// Ensure Browser implements the Executor interface.
var _ cdp.Executor = &Browser{}

// Browser is a connection to the browser-wide debug endpoint. Page level
// calls are forwarded to the default page of the default context.
type Browser struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *log.Logger
	opts     BrowserOptions
	timeouts *TimeoutSettings

	connMu     sync.RWMutex
	conn       *Connection
	evCancelFn context.CancelFunc

	contexts *ContextRegistry
}

// NewBrowser connects to the browser endpoint of opts.
func NewBrowser(ctx context.Context, opts BrowserOptions, logger *log.Logger) (*Browser, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid browser options: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	b := &Browser{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		opts:     opts,
		timeouts: opts.timeoutSettings(),
	}
	if err := b.connect(); err != nil {
		cancel()
		return nil, err
	}
	return b, nil
}

func (b *Browser) connect() error {
	wsURL := b.opts.WSEndpoint.String
	b.logger.Infof("Browser:connect", "wsurl:%s", wsURL)

	conn, err := NewConnection(b.ctx, wsURL, b.logger, b.timeouts)
	if err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}

	evCtx, evCancelFn := context.WithCancel(b.ctx)
	conn.on(evCtx, []string{EventConnectionClose}, func(data interface{}, _, _ int) error {
		b.logger.Warnf("Browser:connect", "connection to %s closed: %v", wsURL, data)
		return nil
	})

	if b.contexts == nil {
		b.contexts = NewContextRegistry(b.ctx, conn, b.opts.pageOptions(), durationOr(b.opts.WindowGrace, DefaultWindowGrace), b.timeouts, b.logger)
	}
	if err := b.contexts.bind(evCtx, conn); err != nil {
		evCancelFn()
		_ = conn.Close()
		return err
	}

	b.connMu.Lock()
	b.conn, b.evCancelFn = conn, evCancelFn
	b.connMu.Unlock()
	return nil
}

func (b *Browser) connection() *Connection {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.conn
}

// Command sends a raw command on the browser connection.
func (b *Browser) Command(ctx context.Context, method string, params Params) (easyjson.RawMessage, error) {
	return b.connection().Command(ctx, method, params)
}

// Execute implements cdp.Executor for typed commands.
func (b *Browser) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	return b.connection().Execute(ctx, method, params, res)
}

// On registers fn for a browser-wide protocol event until ctx is done. The
// subscription doesn't survive Reconnect.
func (b *Browser) On(ctx context.Context, event string, fn EventHandler) {
	b.connection().On(ctx, event, fn)
}

// Version returns the browser product name and version.
func (b *Browser) Version(ctx context.Context) (string, error) {
	_, product, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, b.connection()))
	if err != nil {
		return "", fmt.Errorf("getting browser version: %w", err)
	}
	return product, nil
}

// Contexts returns the context registry.
func (b *Browser) Contexts() *ContextRegistry {
	return b.contexts
}

// NewContext creates a browser context. nil opts use the proxy settings of
// the browser options.
func (b *Browser) NewContext(ctx context.Context, opts *ContextOptions) (*BrowserContext, error) {
	if opts == nil {
		opts = b.opts.contextOptions()
	}
	return b.contexts.Create(ctx, opts)
}

// DefaultContext returns the default context, creating it on first use.
func (b *Browser) DefaultContext(ctx context.Context) (*BrowserContext, error) {
	return b.contexts.Default(ctx)
}

// Page returns the default page of the default context.
func (b *Browser) Page(ctx context.Context) (*Page, error) {
	c, err := b.DefaultContext(ctx)
	if err != nil {
		return nil, err
	}
	return c.DefaultPage(ctx)
}

// Navigate navigates the default page.
func (b *Browser) Navigate(ctx context.Context, url string) (*Response, error) {
	p, err := b.Page(ctx)
	if err != nil {
		return nil, err
	}
	return p.Navigate(ctx, url)
}

// Network returns the network manager of the default page.
func (b *Browser) Network(ctx context.Context) (*NetworkManager, error) {
	p, err := b.Page(ctx)
	if err != nil {
		return nil, err
	}
	return p.Network(), nil
}

// Reset disposes every browser context.
func (b *Browser) Reset(ctx context.Context) error {
	b.logger.Debugf("Browser:Reset", "")
	return b.contexts.Reset(ctx)
}

// Reconnect replaces the browser connection with a new one. Commands
// pending on the old connection fail, nothing is retried. The browser
// disposes the contexts created over the old connection, so they are
// dropped along with their targets.
func (b *Browser) Reconnect() error {
	b.connMu.Lock()
	old, evCancelFn := b.conn, b.evCancelFn
	b.connMu.Unlock()

	b.logger.Infof("Browser:Reconnect", "wsurl:%s", b.opts.WSEndpoint.String)
	if evCancelFn != nil {
		evCancelFn()
	}
	if old != nil {
		_ = old.Close()
	}
	b.contexts.forget()
	return b.connect()
}

// Close closes the page connections and the browser connection. The
// browser keeps running.
func (b *Browser) Close() error {
	b.logger.Debugf("Browser:Close", "")
	for _, c := range b.contexts.All() {
		c.closeTargets()
	}

	b.connMu.Lock()
	conn, evCancelFn := b.conn, b.evCancelFn
	b.connMu.Unlock()
	defer b.cancel()
	if evCancelFn != nil {
		evCancelFn()
	}
	return conn.Close()
}
