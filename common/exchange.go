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
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// RequestError is a failed request, reported by Network.loadingFailed or by
// a network error log entry.
type RequestError struct {
	RequestID    network.RequestID
	URL          string
	ResourceType network.ResourceType
	Text         string
	Canceled     bool
}

func (e *RequestError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("request %s failed: %s", e.RequestID, e.Text)
	}
	return fmt.Sprintf("request %s to %s failed: %s", e.RequestID, e.URL, e.Text)
}

// Exchange is the record of one request in the traffic log: the request,
// its response or error, and the intercepted request if it was paused.
// Redirects produce one Exchange per hop, all sharing the request id.
type Exchange struct {
	id network.RequestID

	mu          sync.RWMutex
	request     *Request
	response    *Response
	err         *RequestError
	intercepted *InterceptedRequest
}

// NewExchange creates an empty exchange for the request with the given id.
func NewExchange(id network.RequestID) *Exchange {
	return &Exchange{id: id}
}

// ID returns the network request id.
func (e *Exchange) ID() network.RequestID { return e.id }

// Request returns the request, or nil if it was not announced yet.
func (e *Exchange) Request() *Request {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.request
}

// Response returns the response, or nil.
func (e *Exchange) Response() *Response {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.response
}

// Error returns the request error, or nil.
func (e *Exchange) Error() *RequestError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// InterceptedRequest returns the paused request, or nil if the request was
// not intercepted.
func (e *Exchange) InterceptedRequest() *InterceptedRequest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.intercepted
}

// URL returns the request URL, or the error URL when there is no request.
func (e *Exchange) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.request != nil:
		return e.request.URL()
	case e.intercepted != nil:
		return e.intercepted.URL()
	case e.err != nil:
		return e.err.URL
	}
	return ""
}

// IsBlocked tells whether the request was intercepted and aborted.
func (e *Exchange) IsBlocked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocked()
}

func (e *Exchange) blocked() bool {
	return e.intercepted != nil && e.intercepted.IsAborted()
}

// IsFinished tells whether the request reached a terminal state: blocked,
// loaded or failed.
func (e *Exchange) IsFinished() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.blocked() || (e.response != nil && e.response.Loaded()) || e.err != nil
}

// IsPending tells whether the request is still in flight.
func (e *Exchange) IsPending() bool {
	return !e.IsFinished()
}

// IsNavigation tells whether the exchange loads the document of frameID.
func (e *Exchange) IsNavigation(frameID cdp.FrameID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.request != nil &&
		e.request.ResourceType() == network.ResourceTypeDocument &&
		e.request.FrameID() == frameID
}

func (e *Exchange) hasRequest() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.request != nil
}

func (e *Exchange) hasIntercepted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.intercepted != nil
}

func (e *Exchange) setRequest(r *Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.request = r
}

func (e *Exchange) setResponse(r *Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.response = r
}

func (e *Exchange) setIntercepted(r *InterceptedRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intercepted = r
}

// markLoaded marks the response as fully loaded. It reports false if there
// is no response.
func (e *Exchange) markLoaded(bodySize int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.response == nil {
		return false
	}
	e.response = e.response.withLoaded(bodySize)
	return true
}

// fail records err. When the exchange already failed, the fields err
// knows about replace the recorded ones.
func (e *Exchange) fail(err *RequestError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
		return
	}
	merged := *e.err
	if err.URL != "" {
		merged.URL = err.URL
	}
	if err.ResourceType != "" {
		merged.ResourceType = err.ResourceType
	}
	if err.Text != "" {
		merged.Text = err.Text
	}
	merged.Canceled = merged.Canceled || err.Canceled
	e.err = &merged
}

func (e *Exchange) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := fmt.Sprintf("Exchange(id:%s", e.id)
	if e.request != nil {
		s += " " + e.request.String()
	}
	if e.response != nil {
		s += fmt.Sprintf(" -> %d", e.response.Status())
	}
	if e.err != nil {
		s += " failed: " + e.err.Text
	}
	if e.blocked() {
		s += " blocked"
	}
	return s + ")"
}
