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
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-cdp/log"
)

// ContextOptions configure a new browser context.
type ContextOptions struct {
	ProxyServer     string
	ProxyBypassList string
}

// ContextRegistry tracks the browser contexts by id and routes target
// events to the context owning the target.
type ContextRegistry struct {
	ctx         context.Context
	logger      *log.Logger
	timeouts    *TimeoutSettings
	pageOpts    PageOptions
	windowGrace time.Duration

	sessionMu sync.RWMutex
	sess      session

	contextsMu     sync.RWMutex
	contexts       map[cdp.BrowserContextID]*BrowserContext
	defaultContext *BrowserContext
}

// NewContextRegistry creates a registry issuing commands on s, the
// browser-wide session.
func NewContextRegistry(
	ctx context.Context, s session, pageOpts PageOptions, windowGrace time.Duration,
	timeouts *TimeoutSettings, logger *log.Logger,
) *ContextRegistry {
	return &ContextRegistry{
		ctx:         ctx,
		logger:      logger,
		timeouts:    timeouts,
		pageOpts:    pageOpts,
		windowGrace: windowGrace,
		sess:        s,
		contexts:    make(map[cdp.BrowserContextID]*BrowserContext),
	}
}

func (r *ContextRegistry) session() session {
	r.sessionMu.RLock()
	defer r.sessionMu.RUnlock()
	return r.sess
}

// bind subscribes to the target events of s and makes it the session
// commands are issued on.
func (r *ContextRegistry) bind(ctx context.Context, s session) error {
	r.sessionMu.Lock()
	r.sess = s
	r.sessionMu.Unlock()

	s.on(ctx, []string{
		cdproto.EventTargetTargetCreated,
		cdproto.EventTargetTargetInfoChanged,
		cdproto.EventTargetTargetDestroyed,
	}, r.handleEvent)

	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, s)); err != nil {
		return fmt.Errorf("enabling target discovery: %w", err)
	}
	return nil
}

func (r *ContextRegistry) handleEvent(data interface{}, _, _ int) error {
	switch ev := data.(type) {
	case *target.EventTargetCreated:
		info := ev.TargetInfo
		if info == nil || info.Type != TargetTypePage {
			return nil
		}
		if c := r.Get(info.BrowserContextID); c != nil {
			c.addTarget(info)
		}
	case *target.EventTargetInfoChanged:
		info := ev.TargetInfo
		if info == nil || info.Type != TargetTypePage {
			return nil
		}
		if c := r.Get(info.BrowserContextID); c != nil {
			c.updateTarget(info)
		}
	case *target.EventTargetDestroyed:
		if c := r.FindByTarget(ev.TargetID); c != nil {
			c.deleteTarget(ev.TargetID)
		}
	}
	return nil
}

// Create creates a new browser context.
func (r *ContextRegistry) Create(ctx context.Context, opts *ContextOptions) (*BrowserContext, error) {
	action := target.CreateBrowserContext().WithDisposeOnDetach(true)
	if opts != nil && opts.ProxyServer != "" {
		action = action.WithProxyServer(opts.ProxyServer)
		if opts.ProxyBypassList != "" {
			action = action.WithProxyBypassList(opts.ProxyBypassList)
		}
	}
	id, err := action.Do(cdp.WithExecutor(ctx, r.session()))
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}

	c := NewBrowserContext(r.ctx, r, id, r.logger)
	r.contextsMu.Lock()
	r.contexts[id] = c
	r.contextsMu.Unlock()
	r.logger.Debugf("ContextRegistry:Create", "bctxid:%s", id)

	return c, nil
}

// Get returns the context with the given id, or nil.
func (r *ContextRegistry) Get(id cdp.BrowserContextID) *BrowserContext {
	r.contextsMu.RLock()
	defer r.contextsMu.RUnlock()
	return r.contexts[id]
}

// FindByTarget returns the context owning the target, or nil.
func (r *ContextRegistry) FindByTarget(id target.ID) *BrowserContext {
	for _, c := range r.All() {
		if c.HasTarget(id) {
			return c
		}
	}
	return nil
}

// All returns every registered context.
func (r *ContextRegistry) All() []*BrowserContext {
	r.contextsMu.RLock()
	defer r.contextsMu.RUnlock()
	cs := make([]*BrowserContext, 0, len(r.contexts))
	for _, c := range r.contexts {
		cs = append(cs, c)
	}
	return cs
}

// Default returns the default context, creating it on first use.
func (r *ContextRegistry) Default(ctx context.Context) (*BrowserContext, error) {
	r.contextsMu.RLock()
	c := r.defaultContext
	r.contextsMu.RUnlock()
	if c != nil {
		return c, nil
	}

	c, err := r.Create(ctx, nil)
	if err != nil {
		return nil, err
	}
	r.contextsMu.Lock()
	defer r.contextsMu.Unlock()
	if r.defaultContext != nil {
		// Lost a race, the extra context is disposed along with the others.
		return r.defaultContext, nil
	}
	r.defaultContext = c
	return c, nil
}

// Dispose disposes a context. Its targets are closed by the browser.
func (r *ContextRegistry) Dispose(ctx context.Context, id cdp.BrowserContextID) error {
	if err := target.DisposeBrowserContext(id).Do(cdp.WithExecutor(ctx, r.session())); err != nil {
		return fmt.Errorf("disposing browser context %s: %w", id, err)
	}

	r.contextsMu.Lock()
	c := r.contexts[id]
	delete(r.contexts, id)
	if r.defaultContext != nil && r.defaultContext.id == id {
		r.defaultContext = nil
	}
	r.contextsMu.Unlock()

	if c != nil {
		c.closeTargets()
	}
	r.logger.Debugf("ContextRegistry:Dispose", "bctxid:%s", id)
	return nil
}

// Reset disposes every context.
func (r *ContextRegistry) Reset(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range r.All() {
		id := c.id
		g.Go(func() error {
			return r.Dispose(gctx, id)
		})
	}
	return g.Wait()
}

// forget drops every context without disposing it. The browser disposes
// them itself once the connection that created them is closed.
func (r *ContextRegistry) forget() {
	r.contextsMu.Lock()
	contexts := r.contexts
	r.contexts = make(map[cdp.BrowserContextID]*BrowserContext)
	r.defaultContext = nil
	r.contextsMu.Unlock()

	for _, c := range contexts {
		c.closeTargets()
	}
	r.logger.Debugf("ContextRegistry:forget", "contexts:%d", len(contexts))
}
