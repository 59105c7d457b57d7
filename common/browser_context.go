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
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/grafana/xk6-cdp/log"
)

// BrowserContext is an isolated browsing profile owning page targets.
type BrowserContext struct {
	ctx      context.Context
	logger   *log.Logger
	registry *ContextRegistry
	id       cdp.BrowserContextID

	targetsMu     sync.RWMutex
	targets       map[target.ID]*Target
	defaultTarget *Target

	// pending wakes up the CreateTarget call waiting for the target the
	// browser announced.
	pending *Handoff[*Target]
}

// NewBrowserContext creates a browser context bound to a registry.
func NewBrowserContext(ctx context.Context, r *ContextRegistry, id cdp.BrowserContextID, logger *log.Logger) *BrowserContext {
	return &BrowserContext{
		ctx:      ctx,
		logger:   logger,
		registry: r,
		id:       id,
		targets:  make(map[target.ID]*Target),
		pending:  NewHandoff[*Target](),
	}
}

// ID returns the browser context id.
func (b *BrowserContext) ID() cdp.BrowserContextID {
	return b.id
}

func (b *BrowserContext) newTarget(info *target.Info) *Target {
	r := b.registry
	return NewTarget(b.ctx, r.session(), info, r.pageOpts, r.windowGrace, r.timeouts, b.logger)
}

// addTarget registers a target announced by the browser. Targets opened by
// page script have no CreateTarget call waiting for them.
func (b *BrowserContext) addTarget(info *target.Info) {
	t := b.newTarget(info)
	b.putTarget(t)
	if t.IsWindow() {
		b.logger.Debugf("BrowserContext:addTarget", "bctxid:%s window tid:%s opener:%s", b.id, t.ID(), t.OpenerID())
		return
	}
	if !b.pending.TryPut(t) {
		b.logger.Debugf("BrowserContext:addTarget", "bctxid:%s tid:%s, a target is already pending", b.id, t.ID())
	}
}

func (b *BrowserContext) putTarget(t *Target) {
	b.targetsMu.Lock()
	defer b.targetsMu.Unlock()
	b.targets[t.ID()] = t
}

func (b *BrowserContext) updateTarget(info *target.Info) bool {
	b.targetsMu.RLock()
	t, ok := b.targets[info.TargetID]
	b.targetsMu.RUnlock()
	if ok {
		t.update(info)
	}
	return ok
}

func (b *BrowserContext) deleteTarget(id target.ID) bool {
	b.targetsMu.Lock()
	t, ok := b.targets[id]
	delete(b.targets, id)
	if b.defaultTarget == t {
		b.defaultTarget = nil
	}
	b.targetsMu.Unlock()
	if ok {
		t.closePage()
	}
	return ok
}

// CreateTarget opens a new page target loading url and waits for the
// browser to announce it.
func (b *BrowserContext) CreateTarget(ctx context.Context, url string) (*Target, error) {
	if url == "" {
		url = BlankURL
	}
	b.logger.Debugf("BrowserContext:CreateTarget", "bctxid:%s url:%s", b.id, url)

	action := target.CreateTarget(url)
	if b.id != "" {
		action = action.WithBrowserContextID(b.id)
	}
	id, err := action.Do(cdp.WithExecutor(ctx, b.registry.session()))
	if err != nil {
		return nil, fmt.Errorf("creating target: %w", err)
	}

	timeout := b.registry.timeouts.timeout()
	deadline := time.Now().Add(timeout)
	for {
		// The announcement may have been handed over already, or lost the
		// slot to another target.
		if t := b.Target(id); t != nil {
			if p, ok := b.pending.Peek(); ok && p == t {
				b.pending.TryTake()
			}
			return t, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s not announced after %s", ErrNoSuchTarget, id, timeout)
		}
		t, err := b.pending.Take(ctx, remaining)
		if errors.Is(err, ErrTimedOut) {
			return nil, fmt.Errorf("%w: %s not announced after %s", ErrNoSuchTarget, id, timeout)
		}
		if err != nil {
			return nil, err
		}
		if t.ID() != id {
			b.logger.Debugf("BrowserContext:CreateTarget", "bctxid:%s waiting for %s, got %s", b.id, id, t.ID())
		}
	}
}

// CreatePage opens a new page target and connects to it.
func (b *BrowserContext) CreatePage(ctx context.Context, url string) (*Page, error) {
	t, err := b.CreateTarget(ctx, url)
	if err != nil {
		return nil, err
	}
	return t.Page(ctx)
}

// DefaultTarget returns the first target created through the context,
// creating a blank one if there is none.
func (b *BrowserContext) DefaultTarget(ctx context.Context) (*Target, error) {
	b.targetsMu.RLock()
	t := b.defaultTarget
	b.targetsMu.RUnlock()
	if t != nil {
		return t, nil
	}

	t, err := b.CreateTarget(ctx, BlankURL)
	if err != nil {
		return nil, err
	}
	b.targetsMu.Lock()
	defer b.targetsMu.Unlock()
	if b.defaultTarget == nil {
		b.defaultTarget = t
	}
	return b.defaultTarget, nil
}

// DefaultPage returns the page of the default target.
func (b *BrowserContext) DefaultPage(ctx context.Context) (*Page, error) {
	t, err := b.DefaultTarget(ctx)
	if err != nil {
		return nil, err
	}
	return t.Page(ctx)
}

// Target returns the target with the given id, or nil.
func (b *BrowserContext) Target(id target.ID) *Target {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()
	return b.targets[id]
}

// HasTarget tells whether the context owns the target.
func (b *BrowserContext) HasTarget(id target.ID) bool {
	return b.Target(id) != nil
}

// Targets returns the targets of the context.
func (b *BrowserContext) Targets() []*Target {
	b.targetsMu.RLock()
	defer b.targetsMu.RUnlock()
	ts := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		ts = append(ts, t)
	}
	return ts
}

// Pages returns the connected pages of the context.
func (b *BrowserContext) Pages() []*Page {
	var pages []*Page
	for _, t := range b.Targets() {
		t.pageMu.Lock()
		if t.page != nil {
			pages = append(pages, t.page)
		}
		t.pageMu.Unlock()
	}
	return pages
}

// Dispose disposes the context and all of its targets.
func (b *BrowserContext) Dispose(ctx context.Context) error {
	return b.registry.Dispose(ctx, b.id)
}

// closeTargets drops the page connections of every target.
func (b *BrowserContext) closeTargets() {
	b.targetsMu.Lock()
	ts := b.targets
	b.targets = make(map[target.ID]*Target)
	b.defaultTarget = nil
	b.targetsMu.Unlock()
	for _, t := range ts {
		t.closePage()
	}
}
