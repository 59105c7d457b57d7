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
	"net/url"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/css"
	"github.com/chromedp/cdproto/dom"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/xk6-cdp/log"
)

// Ensure Page implements the Executor interface.
var _ cdp.Executor = &Page{}

// PageOptions are the page level settings derived from BrowserOptions.
type PageOptions struct {
	BaseURL                 string
	NavigationGrace         time.Duration
	IdlePoll                time.Duration
	JSErrors                bool
	PendingConnectionErrors bool
	ProxyUser               string
	ProxyPassword           string
}

type commandOptions struct {
	navigationGrace time.Duration
}

// CommandOption changes how a page command is issued.
type CommandOption func(*commandOptions)

// WithNavigationWait makes a command wait for the navigation it may trigger.
// If nothing started loading within grace, the command returns right away.
func WithNavigationWait(grace time.Duration) CommandOption {
	return func(o *commandOptions) {
		o.navigationGrace = grace
	}
}

// Page is a connection to a page target along with its frame tree and
// network traffic.
type Page struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *log.Logger
	targetID target.ID
	opts     PageOptions
	timeouts *TimeoutSettings

	conn           *Connection
	frameManager   *FrameManager
	networkManager *NetworkManager

	// exceptions holds the first script exception thrown since the last
	// command, if JSErrors is on.
	exceptions *Handoff[error]
}

// NewPage connects to the debug endpoint of a page target and enables the
// domains the page needs. browserURL is the browser-wide endpoint the page
// endpoint is derived from.
func NewPage(
	ctx context.Context, browserURL string, targetID target.ID, opts PageOptions, timeouts *TimeoutSettings, logger *log.Logger,
) (*Page, error) {
	wsURL, err := pageEndpoint(browserURL, targetID)
	if err != nil {
		return nil, err
	}
	if opts.NavigationGrace <= 0 {
		opts.NavigationGrace = DefaultNavigationGrace
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Page{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		targetID:   targetID,
		opts:       opts,
		timeouts:   NewTimeoutSettings(timeouts),
		exceptions: NewHandoff[error](),
	}

	logger.Debugf("Page:NewPage", "tid:%s url:%s", targetID, wsURL)
	p.conn, err = NewConnection(ctx, wsURL, logger, p.timeouts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connecting to page %s: %w", targetID, err)
	}

	if err := p.init(); err != nil {
		_ = p.conn.Close()
		cancel()
		return nil, fmt.Errorf("initializing page %s: %w", targetID, err)
	}

	return p, nil
}

func pageEndpoint(browserURL string, id target.ID) (string, error) {
	u, err := url.Parse(browserURL)
	if err != nil {
		return "", fmt.Errorf("parsing browser endpoint %q: %w", browserURL, err)
	}
	scheme := "ws"
	if u.Scheme == "wss" || u.Scheme == "https" {
		scheme = "wss"
	}
	pu := url.URL{Scheme: scheme, Host: u.Host, Path: pageEndpointPath + string(id)}
	return pu.String(), nil
}

func (p *Page) init() error {
	// Subscribers go first so no event sent in reply to enabling a domain
	// is missed.
	p.conn.on(p.ctx, []string{cdproto.EventPageJavascriptDialogOpening}, p.onDialog)
	if p.opts.JSErrors {
		p.conn.on(p.ctx, []string{cdproto.EventRuntimeExceptionThrown}, p.onException)
	}

	p.frameManager = NewFrameManager(p.ctx, p.conn, p.timeouts, p.logger)
	p.frameManager.initEvents()
	p.networkManager = NewNetworkManager(p.ctx, p.conn, p.frameManager, p.timeouts, p.opts.IdlePoll, p.logger)
	p.networkManager.initEvents()

	actions := []interface {
		Do(context.Context) error
	}{
		cdppage.Enable(),
		cdpruntime.Enable(),
		dom.Enable(),
		css.Enable(),
		cdplog.Enable(),
		network.Enable(),
	}
	g, ctx := errgroup.WithContext(p.ctx)
	for _, action := range actions {
		action := action
		g.Go(func() error {
			if err := action.Do(cdp.WithExecutor(ctx, p.conn)); err != nil {
				return fmt.Errorf("executing %T: %w", action, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.frameManager.initFrameTree(); err != nil {
		return err
	}

	if p.opts.ProxyUser != "" {
		return p.networkManager.Authorize(p.ctx, AuthProxy, p.opts.ProxyUser, p.opts.ProxyPassword)
	}
	return nil
}

// onDialog dismisses dialogs nobody else subscribed to.
func (p *Page) onDialog(data interface{}, _, total int) error {
	ev, ok := data.(*cdppage.EventJavascriptDialogOpening)
	if !ok || total > 1 {
		return nil
	}
	p.logger.Warnf("Page:onDialog", "dismissing %s dialog %q", ev.Type, ev.Message)
	if err := cdppage.HandleJavaScriptDialog(true).Do(cdp.WithExecutor(p.ctx, p.conn)); err != nil {
		return fmt.Errorf("dismissing dialog: %w", err)
	}
	return nil
}

func (p *Page) onException(data interface{}, _, _ int) error {
	ev, ok := data.(*cdpruntime.EventExceptionThrown)
	if !ok || ev.ExceptionDetails == nil {
		return nil
	}
	err := &ScriptException{Details: ev.ExceptionDetails}
	if !p.exceptions.TryPut(err) {
		p.logger.Debugf("Page:onException", "dropping exception, one is pending: %v", err)
	}
	return nil
}

// takeException returns the pending script exception, if any.
func (p *Page) takeException() error {
	err, ok := p.exceptions.TryTake()
	if !ok {
		return nil
	}
	return err
}

// TargetID returns the id of the page target.
func (p *Page) TargetID() target.ID {
	return p.targetID
}

// URL returns the page endpoint.
func (p *Page) URL() string {
	return p.conn.URL()
}

// Timeouts returns the page timeout settings.
func (p *Page) Timeouts() *TimeoutSettings {
	return p.timeouts
}

// Command sends a raw command on the page connection. A script exception
// thrown by the page since the last command fails the command before it is
// sent.
func (p *Page) Command(ctx context.Context, method string, params Params, opts ...CommandOption) (easyjson.RawMessage, error) {
	var co commandOptions
	for _, o := range opts {
		o(&co)
	}

	var result easyjson.RawMessage
	send := func() error {
		var err error
		result, err = p.conn.Command(ctx, method, params)
		return err
	}
	if co.navigationGrace <= 0 {
		if err := p.takeException(); err != nil {
			return nil, err
		}
		err := send()
		return result, err
	}
	err := p.navigationWait(ctx, co.navigationGrace, send)
	return result, err
}

// Execute implements cdp.Executor for typed commands.
func (p *Page) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if err := p.takeException(); err != nil {
		return err
	}
	return p.conn.Execute(ctx, method, params, res)
}

// navigationWait sends a command that may start a navigation. If the page
// started loading within grace, it waits for the page to settle.
func (p *Page) navigationWait(ctx context.Context, grace time.Duration, send func() error) error {
	if err := p.takeException(); err != nil {
		return err
	}

	nav := p.frameManager.nav
	gen := nav.reset()
	if err := send(); err != nil {
		nav.set()
		return err
	}
	if nav.wait(ctx, grace) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if nav.generation() == gen {
		p.logger.Debugf("Page:navigationWait", "tid:%s nothing loading after %s", p.targetID, grace)
		nav.set()
		return nil
	}

	timeout := p.timeouts.navigationTimeout()
	if !nav.wait(ctx, timeout) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return &TimeoutError{Method: "navigation", Timeout: timeout}
	}
	return nil
}

func (p *Page) resolveURL(s string) (string, error) {
	if p.opts.BaseURL == "" {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parsing URL %q: %w", s, err)
	}
	if u.IsAbs() {
		return s, nil
	}
	base, err := url.Parse(p.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL %q: %w", p.opts.BaseURL, err)
	}
	return base.ResolveReference(u).String(), nil
}

// Navigate loads url in the main frame and waits for the page to settle.
// A relative url is resolved against the base URL.
func (p *Page) Navigate(ctx context.Context, rawURL string) (*Response, error) {
	u, err := p.resolveURL(rawURL)
	if err != nil {
		return nil, err
	}
	p.logger.Infof("Page:Navigate", "tid:%s url:%s", p.targetID, u)

	var errorText string
	err = p.navigationWait(ctx, p.opts.NavigationGrace, func() error {
		action := cdppage.Navigate(u).WithTransitionType(cdppage.TransitionType(transitionTypeTyped))
		var err error
		_, _, errorText, err = action.Do(cdp.WithExecutor(ctx, p.conn))
		return err
	})
	if errorText != "" && errorText != navigationAbortedError {
		return nil, &NavigationError{URL: u, Reason: errorText}
	}
	if err != nil {
		if errors.Is(err, ErrTimedOut) && p.opts.PendingConnectionErrors {
			if pending := p.networkManager.PendingURLs(); len(pending) > 0 {
				return nil, &NavigationError{URL: u, Pending: pending}
			}
		}
		return nil, fmt.Errorf("navigating to %s: %w", u, err)
	}

	if ex := p.networkManager.MainExchange(); ex != nil {
		return ex.Response(), nil
	}
	return nil, nil
}

// Reload reloads the page and waits for it to settle.
func (p *Page) Reload(ctx context.Context, ignoreCache bool) error {
	return p.navigationWait(ctx, p.opts.NavigationGrace, func() error {
		return cdppage.Reload().WithIgnoreCache(ignoreCache).Do(cdp.WithExecutor(ctx, p.conn))
	})
}

// Stop stops loading the page.
func (p *Page) Stop(ctx context.Context) error {
	if err := cdppage.StopLoading().Do(cdp.WithExecutor(ctx, p.conn)); err != nil {
		return fmt.Errorf("stopping page load: %w", err)
	}
	p.frameManager.nav.set()
	return nil
}

// Loading tells whether the page is still loading.
func (p *Page) Loading() bool {
	return !p.frameManager.nav.isSet()
}

// MainFrame returns the main frame of the page.
func (p *Page) MainFrame() *Frame {
	return p.frameManager.MainFrame()
}

// Frames returns all frames of the page.
func (p *Page) Frames() []*Frame {
	return p.frameManager.Frames()
}

// FrameByID returns the frame with the given id, or nil.
func (p *Page) FrameByID(id cdp.FrameID) *Frame {
	return p.frameManager.FrameByID(id)
}

// Network returns the page network manager.
func (p *Page) Network() *NetworkManager {
	return p.networkManager
}

// On registers fn for a protocol event of the page until ctx is done.
func (p *Page) On(ctx context.Context, event string, fn EventHandler) {
	p.conn.On(ctx, event, fn)
}

// Done is closed once the page connection is shut down.
func (p *Page) Done() <-chan struct{} {
	return p.conn.Done()
}

// Close closes the page connection. The target stays open.
func (p *Page) Close() error {
	defer p.cancel()
	return p.conn.Close()
}
