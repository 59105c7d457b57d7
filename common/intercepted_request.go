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
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/gobwas/glob"

	"github.com/grafana/xk6-cdp/log"
)

// InterceptStatus tells how an intercepted request was resolved.
type InterceptStatus string

// Intercepted request statuses. Every request leaves the pending status at
// most once.
const (
	InterceptPending   InterceptStatus = "pending"
	InterceptContinued InterceptStatus = "continued"
	InterceptAborted   InterceptStatus = "aborted"
	InterceptResponded InterceptStatus = "responded"
)

const defaultContentType = "text/html; charset=utf-8"

// ContinueOverrides change a request before it is let through. Zero
// values keep the original.
type ContinueOverrides struct {
	URL      string
	Method   string
	PostData []byte
	Headers  map[string]string
}

// ResponseStub is a synthetic response for an intercepted request.
type ResponseStub struct {
	// Status defaults to 200.
	Status  int64
	Phrase  string
	Headers map[string]string
	Body    []byte
}

// InterceptedRequest is a request paused by the Fetch domain. It must be
// resolved exactly once with Continue, Abort or Respond, or with
// ContinueWithAuth when it is an authentication challenge.
type InterceptedRequest struct {
	session session
	logger  *log.Logger

	requestID     fetch.RequestID
	networkID     network.RequestID
	frameID       cdp.FrameID
	resourceType  network.ResourceType
	url           string
	method        string
	headers       map[string][]string
	authChallenge *fetch.AuthChallenge

	// Set when paused at the response stage.
	responseStatus int64

	mu     sync.Mutex
	status InterceptStatus
}

func newInterceptedRequest(s session, logger *log.Logger, event *fetch.EventRequestPaused) *InterceptedRequest {
	r := &InterceptedRequest{
		session:        s,
		logger:         logger,
		requestID:      event.RequestID,
		networkID:      event.NetworkID,
		frameID:        event.FrameID,
		resourceType:   event.ResourceType,
		responseStatus: event.ResponseStatusCode,
		status:         InterceptPending,
	}
	r.setRequest(event.Request)
	return r
}

func newAuthRequest(s session, logger *log.Logger, event *fetch.EventAuthRequired) *InterceptedRequest {
	r := &InterceptedRequest{
		session:       s,
		logger:        logger,
		requestID:     event.RequestID,
		frameID:       event.FrameID,
		resourceType:  event.ResourceType,
		authChallenge: event.AuthChallenge,
		status:        InterceptPending,
	}
	r.setRequest(event.Request)
	return r
}

func (r *InterceptedRequest) setRequest(req *network.Request) {
	if req == nil {
		return
	}
	r.url = req.URL + req.URLFragment
	r.method = req.Method
	r.headers = headerValues(req.Headers)
}

// ID returns the interception id.
func (r *InterceptedRequest) ID() fetch.RequestID { return r.requestID }

// NetworkID returns the id of the matching Network domain request, if any.
func (r *InterceptedRequest) NetworkID() network.RequestID { return r.networkID }

// FrameID returns the id of the frame that initiated the request.
func (r *InterceptedRequest) FrameID() cdp.FrameID { return r.frameID }

// ResourceType returns how the requested resource will be used.
func (r *InterceptedRequest) ResourceType() network.ResourceType { return r.resourceType }

// URL returns the request URL.
func (r *InterceptedRequest) URL() string { return r.url }

// Method returns the request method.
func (r *InterceptedRequest) Method() string { return r.method }

// Headers returns the request headers.
func (r *InterceptedRequest) Headers() map[string]string { return joinHeaders(r.headers) }

// ResponseStatus returns the response status for requests paused at the
// response stage, zero otherwise.
func (r *InterceptedRequest) ResponseStatus() int64 { return r.responseStatus }

// Match tells whether the request URL matches pattern.
func (r *InterceptedRequest) Match(pattern glob.Glob) bool {
	return pattern.Match(r.url)
}

// IsAuthChallenge tells whether the request is paused on an authentication
// challenge.
func (r *InterceptedRequest) IsAuthChallenge() bool { return r.authChallenge != nil }

// AuthChallengeFrom tells whether the request is paused on a challenge
// coming from source, "server" or "proxy".
func (r *InterceptedRequest) AuthChallengeFrom(source string) bool {
	return r.authChallenge != nil && strings.EqualFold(string(r.authChallenge.Source), source)
}

// AuthChallenge returns the authentication challenge, or nil.
func (r *InterceptedRequest) AuthChallenge() *fetch.AuthChallenge { return r.authChallenge }

// Status returns how the request was resolved.
func (r *InterceptedRequest) Status() InterceptStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Handled tells whether the request was resolved already.
func (r *InterceptedRequest) Handled() bool {
	return r.Status() != InterceptPending
}

// IsAborted tells whether the request was aborted.
func (r *InterceptedRequest) IsAborted() bool {
	return r.Status() == InterceptAborted
}

func (r *InterceptedRequest) resolve(status InterceptStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != InterceptPending {
		return fmt.Errorf("%w: %s %s was %s", ErrRequestHandled, r.method, r.url, r.status)
	}
	r.status = status
	return nil
}

// Continue lets the request through, applying the non-nil overrides.
func (r *InterceptedRequest) Continue(ctx context.Context, overrides *ContinueOverrides) error {
	if err := r.resolve(InterceptContinued); err != nil {
		return err
	}
	action := fetch.ContinueRequest(r.requestID)
	if o := overrides; o != nil {
		if o.URL != "" {
			action = action.WithURL(o.URL)
		}
		if o.Method != "" {
			action = action.WithMethod(o.Method)
		}
		if o.PostData != nil {
			action = action.WithPostData(base64.StdEncoding.EncodeToString(o.PostData))
		}
		if o.Headers != nil {
			action = action.WithHeaders(headerEntries(o.Headers))
		}
	}
	if err := action.Do(cdp.WithExecutor(ctx, r.session)); err != nil {
		return fmt.Errorf("continuing request %s: %w", r.url, err)
	}
	r.logger.Debugf("InterceptedRequest:Continue", "rid:%s url:%q", r.requestID, r.url)
	return nil
}

// Abort fails the request as blocked by the client.
func (r *InterceptedRequest) Abort(ctx context.Context) error {
	if err := r.resolve(InterceptAborted); err != nil {
		return err
	}
	action := fetch.FailRequest(r.requestID, network.ErrorReasonBlockedByClient)
	if err := action.Do(cdp.WithExecutor(ctx, r.session)); err != nil {
		return fmt.Errorf("aborting request %s: %w", r.url, err)
	}
	r.logger.Debugf("InterceptedRequest:Abort", "rid:%s url:%q", r.requestID, r.url)
	return nil
}

// Respond answers the request with stub without reaching the network.
func (r *InterceptedRequest) Respond(ctx context.Context, stub ResponseStub) error {
	if err := r.resolve(InterceptResponded); err != nil {
		return err
	}
	status := stub.Status
	if status == 0 {
		status = 200
	}
	headers := make(map[string]string, len(stub.Headers)+2)
	hasContentType := false
	for n, v := range stub.Headers {
		if strings.EqualFold(n, "Content-Type") {
			hasContentType = true
		}
		if strings.EqualFold(n, "Content-Length") {
			continue
		}
		headers[n] = v
	}
	if !hasContentType {
		headers["Content-Type"] = defaultContentType
	}
	headers["Content-Length"] = strconv.Itoa(len(stub.Body))

	action := fetch.FulfillRequest(r.requestID, status).
		WithResponseHeaders(headerEntries(headers)).
		WithBody(base64.StdEncoding.EncodeToString(stub.Body))
	if stub.Phrase != "" {
		action = action.WithResponsePhrase(stub.Phrase)
	}
	if err := action.Do(cdp.WithExecutor(ctx, r.session)); err != nil {
		return fmt.Errorf("responding to request %s: %w", r.url, err)
	}
	r.logger.Debugf("InterceptedRequest:Respond", "rid:%s url:%q status:%d", r.requestID, r.url, status)
	return nil
}

// ContinueWithAuth answers the authentication challenge. user and password
// are only sent along with fetch.AuthChallengeResponseResponseProvideCredentials.
func (r *InterceptedRequest) ContinueWithAuth(
	ctx context.Context, response fetch.AuthChallengeResponseResponse, user, password string,
) error {
	if err := r.resolve(InterceptContinued); err != nil {
		return err
	}
	answer := &fetch.AuthChallengeResponse{Response: response}
	if response == fetch.AuthChallengeResponseResponseProvideCredentials {
		answer.Username, answer.Password = user, password
	}
	if err := fetch.ContinueWithAuth(r.requestID, answer).Do(cdp.WithExecutor(ctx, r.session)); err != nil {
		return fmt.Errorf("answering auth challenge of %s: %w", r.url, err)
	}
	r.logger.Debugf("InterceptedRequest:ContinueWithAuth", "rid:%s url:%q response:%s", r.requestID, r.url, response)
	return nil
}

// headerEntries converts headers, sorted by name.
func headerEntries(headers map[string]string) []*fetch.HeaderEntry {
	entries := make([]*fetch.HeaderEntry, 0, len(headers))
	for n, v := range headers {
		entries = append(entries, &fetch.HeaderEntry{Name: n, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}
