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
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/gobwas/glob"

	"github.com/grafana/xk6-cdp/log"
)

// Ensure NetworkManager implements the EventEmitter interface.
var _ EventEmitter = &NetworkManager{}

// ClearType is what NetworkManager.Clear clears.
type ClearType string

// Clear types.
const (
	ClearTraffic ClearType = "traffic"
	ClearCache   ClearType = "cache"
)

// AuthType is the source of an authentication challenge.
type AuthType string

// Authentication challenge sources.
const (
	AuthServer AuthType = "server"
	AuthProxy  AuthType = "proxy"
)

// RequestHandler handles an intercepted request. index is the 1-based
// position of the handler in the chain and total the chain length, so the
// last handler can tell nobody after it will resolve the request.
type RequestHandler func(req *InterceptedRequest, index, total int) error

var resourceTypes = []network.ResourceType{
	network.ResourceTypeDocument,
	network.ResourceTypeStylesheet,
	network.ResourceTypeImage,
	network.ResourceTypeMedia,
	network.ResourceTypeFont,
	network.ResourceTypeScript,
	network.ResourceTypeTextTrack,
	network.ResourceTypeXHR,
	network.ResourceTypeFetch,
	network.ResourceTypePrefetch,
	network.ResourceTypeEventSource,
	network.ResourceTypeWebSocket,
	network.ResourceTypeManifest,
	network.ResourceTypeSignedExchange,
	network.ResourceTypePing,
	network.ResourceTypeCSPViolationReport,
	network.ResourceTypePreflight,
	network.ResourceTypeOther,
}

func parseResourceType(s string) (network.ResourceType, error) {
	for _, rt := range resourceTypes {
		if strings.EqualFold(rt.String(), s) {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResource, s)
}

// NetworkManager keeps the traffic log of a page and implements request
// interception. Intercepted requests go through the "request" handler chain
// and authentication challenges through the "auth" one.
type NetworkManager struct {
	*BaseEventEmitter

	ctx          context.Context
	logger       *log.Logger
	session      session
	frameManager *FrameManager
	timeouts     *TimeoutSettings
	idlePoll     time.Duration

	trafficMu    sync.RWMutex
	traffic      []*Exchange
	exchanges    map[network.RequestID][]*Exchange
	mainExchange *Exchange

	mu                 sync.Mutex
	interceptEnabled   bool
	interceptPatterns  []*fetch.RequestPattern
	enabledPatterns    string
	allowList          []glob.Glob
	denyList           []glob.Glob
	listHandlerEnabled bool
	attemptedAuth      map[AuthType]map[fetch.RequestID]bool
	offline            bool
}

// NewNetworkManager creates a new network manager.
func NewNetworkManager(
	ctx context.Context, s session, fm *FrameManager, timeouts *TimeoutSettings, idlePoll time.Duration, logger *log.Logger,
) *NetworkManager {
	if idlePoll <= 0 {
		idlePoll = DefaultIdlePoll
	}
	return &NetworkManager{
		BaseEventEmitter: NewBaseEventEmitter(logger),
		ctx:              ctx,
		logger:           logger,
		session:          s,
		frameManager:     fm,
		timeouts:         timeouts,
		idlePoll:         idlePoll,
		exchanges:        make(map[network.RequestID][]*Exchange),
		attemptedAuth:    make(map[AuthType]map[fetch.RequestID]bool),
	}
}

func (m *NetworkManager) initEvents() {
	m.session.on(m.ctx, []string{
		cdproto.EventNetworkRequestWillBeSent,
		cdproto.EventNetworkResponseReceived,
		cdproto.EventNetworkLoadingFinished,
		cdproto.EventNetworkLoadingFailed,
		cdproto.EventLogEntryAdded,
		cdproto.EventFetchRequestPaused,
		cdproto.EventFetchAuthRequired,
	}, m.handleEvent)
}

func (m *NetworkManager) handleEvent(data interface{}, _, _ int) error {
	switch ev := data.(type) {
	case *network.EventRequestWillBeSent:
		m.onRequest(ev)
	case *network.EventResponseReceived:
		m.onResponseReceived(ev)
	case *network.EventLoadingFinished:
		m.onLoadingFinished(ev)
	case *network.EventLoadingFailed:
		m.onLoadingFailed(ev)
	case *cdplog.EventEntryAdded:
		m.onLogEntryAdded(ev)
	case *fetch.EventRequestPaused:
		return m.onRequestPaused(ev)
	case *fetch.EventAuthRequired:
		return m.onAuthRequired(ev)
	}
	return nil
}

// lastExchange returns the current exchange of id. Must be called with
// trafficMu held.
func (m *NetworkManager) lastExchange(id network.RequestID) *Exchange {
	exs := m.exchanges[id]
	if len(exs) == 0 {
		return nil
	}
	return exs[len(exs)-1]
}

// addExchange appends a new exchange for id. Must be called with trafficMu
// held.
func (m *NetworkManager) addExchange(id network.RequestID) *Exchange {
	ex := NewExchange(id)
	m.traffic = append(m.traffic, ex)
	m.exchanges[id] = append(m.exchanges[id], ex)
	return ex
}

func (m *NetworkManager) exchangeOrNew(id network.RequestID) *Exchange {
	m.trafficMu.Lock()
	defer m.trafficMu.Unlock()
	if ex := m.lastExchange(id); ex != nil {
		return ex
	}
	return m.addExchange(id)
}

func (m *NetworkManager) onRequest(event *network.EventRequestWillBeSent) {
	req := NewRequest(event)
	m.logger.Debugf("NetworkManager:onRequest", "rid:%s %s type:%s fid:%s", req.ID(), req, req.ResourceType(), req.FrameID())

	m.trafficMu.Lock()
	defer m.trafficMu.Unlock()

	// The exchange may have been created by an interception already. A
	// request id that was seen before is a redirect hop.
	ex := m.lastExchange(event.RequestID)
	if ex == nil || ex.hasRequest() {
		ex = m.addExchange(event.RequestID)
	}
	if event.RedirectResponse != nil {
		if exs := m.exchanges[event.RequestID]; len(exs) > 1 {
			prev := exs[len(exs)-2]
			prev.setResponse(NewResponse(event.RequestID, event.RedirectResponse).withLoaded(0))
		}
	}
	ex.setRequest(req)

	if m.frameManager != nil && ex.IsNavigation(m.frameManager.MainFrame().ID()) {
		m.mainExchange = ex
	}
}

func (m *NetworkManager) onResponseReceived(event *network.EventResponseReceived) {
	m.trafficMu.RLock()
	ex := m.lastExchange(event.RequestID)
	m.trafficMu.RUnlock()
	if ex == nil {
		return
	}
	ex.setResponse(NewResponse(event.RequestID, event.Response))
}

func (m *NetworkManager) onLoadingFinished(event *network.EventLoadingFinished) {
	m.trafficMu.RLock()
	ex := m.lastExchange(event.RequestID)
	m.trafficMu.RUnlock()
	if ex == nil || !ex.markLoaded(int64(event.EncodedDataLength)) {
		m.logger.Debugf("NetworkManager:onLoadingFinished", "rid:%s has no response", event.RequestID)
	}
}

func (m *NetworkManager) onLoadingFailed(event *network.EventLoadingFailed) {
	ex := m.exchangeOrNew(event.RequestID)
	ex.fail(&RequestError{
		RequestID:    event.RequestID,
		URL:          ex.URL(),
		ResourceType: event.Type,
		Text:         event.ErrorText,
		Canceled:     event.Canceled,
	})
	m.logger.Debugf("NetworkManager:onLoadingFailed", "rid:%s err:%q canceled:%t", event.RequestID, event.ErrorText, event.Canceled)
}

func (m *NetworkManager) onLogEntryAdded(event *cdplog.EventEntryAdded) {
	entry := event.Entry
	if entry == nil || entry.Source != cdplog.SourceNetwork || entry.Level != cdplog.LevelError {
		return
	}
	if entry.NetworkRequestID == "" {
		return
	}
	ex := m.exchangeOrNew(entry.NetworkRequestID)
	ex.fail(&RequestError{
		RequestID: entry.NetworkRequestID,
		URL:       entry.URL,
		Text:      entry.Text,
	})
}

func (m *NetworkManager) onRequestPaused(event *fetch.EventRequestPaused) error {
	req := newInterceptedRequest(m.session, m.logger, event)
	m.logger.Debugf("NetworkManager:onRequestPaused", "rid:%s nid:%s url:%q", req.ID(), req.NetworkID(), req.URL())

	if id := event.NetworkID; id != "" {
		m.trafficMu.Lock()
		ex := m.lastExchange(id)
		if ex == nil || ex.hasIntercepted() {
			ex = m.addExchange(id)
		}
		ex.setIntercepted(req)
		m.trafficMu.Unlock()
	}

	if !m.subscribed(EventNetworkRequest) {
		return req.Continue(m.ctx, nil)
	}
	m.emit(EventNetworkRequest, req)
	return nil
}

func (m *NetworkManager) onAuthRequired(event *fetch.EventAuthRequired) error {
	req := newAuthRequest(m.session, m.logger, event)
	m.logger.Debugf("NetworkManager:onAuthRequired", "rid:%s url:%q", req.ID(), req.URL())

	if !m.subscribed(EventNetworkAuth) {
		return req.ContinueWithAuth(m.ctx, fetch.AuthChallengeResponseResponseDefault, "", "")
	}
	m.emit(EventNetworkAuth, req)
	return nil
}

// OnRequest adds fn to the chain of handlers intercepted requests go
// through, until ctx is done. Interception has to be enabled with Intercept.
func (m *NetworkManager) OnRequest(ctx context.Context, fn RequestHandler) {
	m.on(ctx, []string{EventNetworkRequest}, func(data interface{}, index, total int) error {
		return fn(data.(*InterceptedRequest), index, total)
	})
}

// OnAuth adds fn to the chain of handlers authentication challenges go
// through, until ctx is done.
func (m *NetworkManager) OnAuth(ctx context.Context, fn RequestHandler) {
	m.on(ctx, []string{EventNetworkAuth}, func(data interface{}, index, total int) error {
		return fn(data.(*InterceptedRequest), index, total)
	})
}

// Intercept pauses the requests whose URL matches pattern and, if set, whose
// resource type is resourceType. Authentication challenges are paused too.
// While an allow or deny list is set every request is paused regardless of
// pattern.
func (m *NetworkManager) Intercept(ctx context.Context, pattern, resourceType string) error {
	if pattern == "" {
		pattern = "*"
	}
	p := &fetch.RequestPattern{URLPattern: pattern}
	if resourceType != "" {
		rt, err := parseResourceType(resourceType)
		if err != nil {
			return err
		}
		p.ResourceType = rt
	}

	m.mu.Lock()
	m.interceptPatterns = []*fetch.RequestPattern{p}
	m.mu.Unlock()

	return m.syncInterception(ctx, true)
}

func (m *NetworkManager) ensureInterception(ctx context.Context) error {
	return m.syncInterception(ctx, true)
}

// syncInterception sends Fetch.enable if the patterns interception has to
// run with changed since it was last enabled. Unless enable is set, nothing
// is sent while interception is off.
func (m *NetworkManager) syncInterception(ctx context.Context, enable bool) error {
	m.mu.Lock()
	if !enable && !m.interceptEnabled {
		m.mu.Unlock()
		return nil
	}
	patterns := m.fetchPatterns()
	key := patternsKey(patterns)
	if m.interceptEnabled && key == m.enabledPatterns {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	action := fetch.Enable().
		WithPatterns(patterns).
		WithHandleAuthRequests(true)
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("enabling request interception: %w", err)
	}

	m.mu.Lock()
	m.interceptEnabled = true
	m.enabledPatterns = key
	m.mu.Unlock()
	return nil
}

// fetchPatterns returns the Intercept patterns, widened to every URL if
// there are none or a URL list has to see all requests.
// Must be called with m.mu held.
func (m *NetworkManager) fetchPatterns() []*fetch.RequestPattern {
	patterns := append([]*fetch.RequestPattern(nil), m.interceptPatterns...)
	if len(patterns) > 0 && len(m.allowList) == 0 && len(m.denyList) == 0 {
		return patterns
	}
	for _, p := range patterns {
		if p.URLPattern == "*" && p.ResourceType == "" {
			return patterns
		}
	}
	return append(patterns, &fetch.RequestPattern{URLPattern: "*"})
}

func patternsKey(patterns []*fetch.RequestPattern) string {
	var sb strings.Builder
	for _, p := range patterns {
		sb.WriteString(p.URLPattern)
		sb.WriteByte('|')
		sb.WriteString(p.ResourceType.String())
		sb.WriteByte(';')
	}
	return sb.String()
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid URL pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// SetDenyList aborts the requests whose URL matches any of the glob
// patterns. It can't be used along with an allow list.
func (m *NetworkManager) SetDenyList(ctx context.Context, patterns ...string) error {
	return m.setList(ctx, patterns, false)
}

// SetAllowList aborts the requests whose URL matches none of the glob
// patterns. It can't be used along with a deny list.
func (m *NetworkManager) SetAllowList(ctx context.Context, patterns ...string) error {
	return m.setList(ctx, patterns, true)
}

func (m *NetworkManager) setList(ctx context.Context, patterns []string, allow bool) error {
	globs, err := compilePatterns(patterns)
	if err != nil {
		return err
	}

	m.mu.Lock()
	other := m.denyList
	if !allow {
		other = m.allowList
	}
	if len(globs) > 0 && len(other) > 0 {
		m.mu.Unlock()
		return ErrInterceptionModes
	}
	if allow {
		m.allowList = globs
	} else {
		m.denyList = globs
	}
	subscribe := len(globs) > 0 && !m.listHandlerEnabled
	m.listHandlerEnabled = m.listHandlerEnabled || subscribe
	m.mu.Unlock()

	if err := m.syncInterception(ctx, len(globs) > 0); err != nil {
		return err
	}
	if subscribe {
		m.OnRequest(m.ctx, m.applyLists)
	}
	return nil
}

// applyLists aborts requests rejected by the allow or deny list and lets
// the others through if no handler comes after it.
func (m *NetworkManager) applyLists(req *InterceptedRequest, index, total int) error {
	if req.Handled() {
		return nil
	}

	m.mu.Lock()
	allow, deny := m.allowList, m.denyList
	m.mu.Unlock()

	matches := func(globs []glob.Glob) bool {
		for _, g := range globs {
			if req.Match(g) {
				return true
			}
		}
		return false
	}
	switch {
	case len(deny) > 0 && matches(deny), len(allow) > 0 && !matches(allow):
		m.logger.Debugf("NetworkManager:applyLists", "blocking %s %s", req.Method(), req.URL())
		return req.Abort(m.ctx)
	case index == total:
		return req.Continue(m.ctx, nil)
	}
	return nil
}

// Authorize answers the authentication challenges of kind with user and
// password. Credentials are provided once per request; a repeated challenge
// is cancelled. Challenges nobody claims are aborted.
func (m *NetworkManager) Authorize(ctx context.Context, kind AuthType, user, password string) error {
	kind = AuthType(strings.ToLower(string(kind)))
	if kind != AuthServer && kind != AuthProxy {
		return fmt.Errorf("%w: %q", ErrUnknownAuthType, kind)
	}
	if err := m.ensureInterception(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	if m.attemptedAuth[kind] == nil {
		m.attemptedAuth[kind] = make(map[fetch.RequestID]bool)
	}
	m.mu.Unlock()

	// Requests are paused too once interception is on.
	if !m.subscribed(EventNetworkRequest) {
		m.OnRequest(m.ctx, func(req *InterceptedRequest, index, total int) error {
			if req.Handled() || index < total {
				return nil
			}
			return req.Continue(m.ctx, nil)
		})
	}

	m.OnAuth(m.ctx, func(req *InterceptedRequest, index, total int) error {
		if req.Handled() {
			return nil
		}
		if !req.AuthChallengeFrom(string(kind)) {
			if index < total {
				return nil
			}
			return req.Abort(m.ctx)
		}
		return req.ContinueWithAuth(m.ctx, m.authResponse(kind, req.ID(), user, password), user, password)
	})
	return nil
}

func (m *NetworkManager) authResponse(kind AuthType, id fetch.RequestID, user, password string) fetch.AuthChallengeResponseResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempted := m.attemptedAuth[kind][id]
	m.attemptedAuth[kind][id] = true
	switch {
	case attempted:
		return fetch.AuthChallengeResponseResponseCancelAuth
	case user != "" && password != "":
		return fetch.AuthChallengeResponseResponseProvideCredentials
	}
	return fetch.AuthChallengeResponseResponseCancelAuth
}

// Traffic returns the traffic log in arrival order.
func (m *NetworkManager) Traffic() []*Exchange {
	m.trafficMu.RLock()
	defer m.trafficMu.RUnlock()
	return append([]*Exchange(nil), m.traffic...)
}

// Select returns the exchanges of a request id, redirect hops first.
func (m *NetworkManager) Select(id network.RequestID) []*Exchange {
	m.trafficMu.RLock()
	defer m.trafficMu.RUnlock()
	return append([]*Exchange(nil), m.exchanges[id]...)
}

// MainExchange returns the exchange of the last main frame navigation.
func (m *NetworkManager) MainExchange() *Exchange {
	m.trafficMu.RLock()
	defer m.trafficMu.RUnlock()
	return m.mainExchange
}

// Status returns the response status of the last main frame navigation,
// or zero if there is none.
func (m *NetworkManager) Status() int64 {
	ex := m.MainExchange()
	if ex == nil {
		return 0
	}
	if resp := ex.Response(); resp != nil {
		return resp.Status()
	}
	return 0
}

// TotalConnections returns the number of exchanges in the traffic log.
func (m *NetworkManager) TotalConnections() int {
	m.trafficMu.RLock()
	defer m.trafficMu.RUnlock()
	return len(m.traffic)
}

// FinishedConnections returns the number of finished exchanges.
func (m *NetworkManager) FinishedConnections() int {
	n := 0
	for _, ex := range m.Traffic() {
		if ex.IsFinished() {
			n++
		}
	}
	return n
}

// PendingConnections returns the number of exchanges still in flight.
func (m *NetworkManager) PendingConnections() int {
	return m.TotalConnections() - m.FinishedConnections()
}

// PendingURLs returns the URLs of the exchanges still in flight.
func (m *NetworkManager) PendingURLs() []string {
	var urls []string
	for _, ex := range m.Traffic() {
		if ex.IsPending() {
			if u := ex.URL(); u != "" {
				urls = append(urls, u)
			}
		}
	}
	return urls
}

// Idle tells whether at most connections exchanges are in flight.
func (m *NetworkManager) Idle(connections int) bool {
	return m.PendingConnections() <= connections
}

// WaitForIdle polls until at most connections exchanges are in flight. A
// zero timeout uses the command timeout.
func (m *NetworkManager) WaitForIdle(ctx context.Context, connections int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.timeouts.timeout()
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.idlePoll)
	defer poll.Stop()

	for !m.Idle(connections) {
		select {
		case <-poll.C:
		case <-deadline.C:
			return &TimeoutError{Method: "network idle", Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Clear clears the traffic log or the browser cache.
func (m *NetworkManager) Clear(ctx context.Context, kind ClearType) error {
	switch kind {
	case ClearTraffic:
		m.trafficMu.Lock()
		m.traffic = nil
		m.exchanges = make(map[network.RequestID][]*Exchange)
		m.mainExchange = nil
		m.trafficMu.Unlock()
		return nil
	case ClearCache:
		if err := network.ClearBrowserCache().Do(cdp.WithExecutor(ctx, m.session)); err != nil {
			return fmt.Errorf("clearing browser cache: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownClearType, kind)
}

// EmulateNetworkConditions throttles or cuts the page network.
func (m *NetworkManager) EmulateNetworkConditions(ctx context.Context, c NetworkConditions) error {
	latency := float64(c.Latency) / float64(time.Millisecond)
	action := network.EmulateNetworkConditions(c.Offline, latency, c.DownloadThroughput, c.UploadThroughput)
	if err := action.Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("emulating network conditions: %w", err)
	}
	m.mu.Lock()
	m.offline = c.Offline
	m.mu.Unlock()
	return nil
}

// SetOfflineMode toggles offline mode on/off.
func (m *NetworkManager) SetOfflineMode(ctx context.Context, offline bool) error {
	m.mu.Lock()
	same := m.offline == offline
	m.mu.Unlock()
	if same {
		return nil
	}
	c := NoThrottling()
	if offline {
		c = NetworkConditions{Offline: true}
	}
	return m.EmulateNetworkConditions(ctx, c)
}

// SetCacheDisabled toggles the browser cache off/on for the page.
func (m *NetworkManager) SetCacheDisabled(ctx context.Context, disabled bool) error {
	if err := network.SetCacheDisabled(disabled).Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("toggling cache: %w", err)
	}
	return nil
}

// SetExtraHTTPHeaders sets headers sent along with every request.
func (m *NetworkManager) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for n, v := range headers {
		h[n] = v
	}
	if err := network.SetExtraHTTPHeaders(h).Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("setting extra HTTP headers: %w", err)
	}
	return nil
}

// SetUserAgent overrides the browser user agent string.
func (m *NetworkManager) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := emulation.SetUserAgentOverride(userAgent).Do(cdp.WithExecutor(ctx, m.session)); err != nil {
		return fmt.Errorf("overriding user agent: %w", err)
	}
	return nil
}
