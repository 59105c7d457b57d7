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

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"

	"github.com/grafana/xk6-cdp/log"
)

// Target is a page target of the browser. The page connection is made on
// first use.
type Target struct {
	ctx         context.Context
	logger      *log.Logger
	session     session
	opts        PageOptions
	timeouts    *TimeoutSettings
	windowGrace time.Duration

	mu   sync.RWMutex
	info target.Info

	pageMu sync.Mutex
	page   *Page
}

// NewTarget creates a target from the info the browser reported. s is the
// browser-wide session.
func NewTarget(
	ctx context.Context, s session, info *target.Info, opts PageOptions,
	windowGrace time.Duration, timeouts *TimeoutSettings, logger *log.Logger,
) *Target {
	return &Target{
		ctx:         ctx,
		logger:      logger,
		session:     s,
		opts:        opts,
		timeouts:    timeouts,
		windowGrace: windowGrace,
		info:        *info,
	}
}

func (t *Target) ID() target.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.TargetID
}

func (t *Target) Type() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.Type
}

func (t *Target) URL() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.URL
}

func (t *Target) Title() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.Title
}

// ContextID returns the id of the browser context owning the target.
func (t *Target) ContextID() cdp.BrowserContextID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.BrowserContextID
}

// OpenerID returns the id of the target that opened this one, if any.
func (t *Target) OpenerID() target.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info.OpenerID
}

// IsWindow tells whether the target was opened by page script rather than
// created by a command.
func (t *Target) IsWindow() bool {
	return t.OpenerID() != ""
}

// Info returns a copy of the target info.
func (t *Target) Info() target.Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

func (t *Target) update(info *target.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.info = *info
}

// Page returns the page of the target, connecting to it on first use. A
// page that failed to initialize is not kept, so the next call tries again.
func (t *Target) Page(ctx context.Context) (*Page, error) {
	t.pageMu.Lock()
	defer t.pageMu.Unlock()
	if t.page != nil {
		return t.page, nil
	}

	// Windows may not report their life-cycle right after they open.
	if t.IsWindow() && t.windowGrace > 0 {
		timer := time.NewTimer(t.windowGrace)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	p, err := NewPage(t.ctx, t.session.URL(), t.ID(), t.opts, t.timeouts, t.logger)
	if err != nil {
		return nil, err
	}
	t.page = p
	return p, nil
}

// HasPage tells whether the page of the target was connected.
func (t *Target) HasPage() bool {
	t.pageMu.Lock()
	defer t.pageMu.Unlock()
	return t.page != nil
}

// closePage drops the page connection, if any.
func (t *Target) closePage() {
	t.pageMu.Lock()
	p := t.page
	t.page = nil
	t.pageMu.Unlock()
	if p != nil {
		if err := p.Close(); err != nil {
			t.logger.Debugf("Target:closePage", "tid:%s err:%v", t.ID(), err)
		}
	}
}

// Close closes the target in the browser along with its page connection.
func (t *Target) Close(ctx context.Context) error {
	t.closePage()
	if err := target.CloseTarget(t.ID()).Do(cdp.WithExecutor(ctx, t.session)); err != nil {
		return fmt.Errorf("closing target %s: %w", t.ID(), err)
	}
	return nil
}

func (t *Target) String() string {
	info := t.Info()
	return fmt.Sprintf("%s %s (%s)", info.Type, info.TargetID, info.URL)
}
