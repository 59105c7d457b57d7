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
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// Request is a browser HTTP request as announced by
// Network.requestWillBeSent.
type Request struct {
	requestID    network.RequestID
	loaderID     cdp.LoaderID
	frameID      cdp.FrameID
	resourceType network.ResourceType
	url          string
	method       string
	headers      map[string][]string
	hasPostData  bool
	timestamp    time.Time
}

// NewRequest creates a request from its announcement event.
func NewRequest(event *network.EventRequestWillBeSent) *Request {
	r := Request{
		requestID:    event.RequestID,
		loaderID:     event.LoaderID,
		frameID:      event.FrameID,
		resourceType: event.Type,
	}
	if event.Timestamp != nil {
		r.timestamp = event.Timestamp.Time()
	}
	if req := event.Request; req != nil {
		r.url = req.URL + req.URLFragment
		r.method = req.Method
		r.hasPostData = req.HasPostData
		r.headers = headerValues(req.Headers)
	}
	return &r
}

// headerValues flattens protocol headers, where repeated headers are joined
// by new lines.
func headerValues(h network.Headers) map[string][]string {
	headers := make(map[string][]string, len(h))
	for n, v := range h {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		headers[n] = append(headers[n], strings.Split(s, "\n")...)
	}
	return headers
}

func joinHeaders(headers map[string][]string) map[string]string {
	joined := make(map[string]string, len(headers))
	for n, v := range headers {
		joined[n] = strings.Join(v, ",")
	}
	return joined
}

// ID returns the network request id.
func (r *Request) ID() network.RequestID { return r.requestID }

// FrameID returns the id of the frame the request belongs to.
func (r *Request) FrameID() cdp.FrameID { return r.frameID }

// ResourceType returns the resource type as the browser determined it.
func (r *Request) ResourceType() network.ResourceType { return r.resourceType }

// IsType tells whether the resource type is t, ignoring case.
func (r *Request) IsType(t string) bool {
	return strings.EqualFold(r.resourceType.String(), t)
}

// URL returns the request URL, fragment included.
func (r *Request) URL() string { return r.url }

// Method returns the request method.
func (r *Request) Method() string { return r.method }

// HasPostData tells whether the request has a body.
func (r *Request) HasPostData() bool { return r.hasPostData }

// Headers returns the request headers.
func (r *Request) Headers() map[string]string { return joinHeaders(r.headers) }

// Timestamp returns the monotonic time the request was sent at.
func (r *Request) Timestamp() time.Time { return r.timestamp }

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.method, r.url)
}

// Response is the response of a Request. A redirect response is loaded as
// soon as it is received.
type Response struct {
	requestID  network.RequestID
	url        string
	status     int64
	statusText string
	mimeType   string
	remoteAddr string
	headers    map[string][]string
	fromCache  bool
	loaded     bool
	bodySize   int64
}

// NewResponse creates a response for the request with the given id.
func NewResponse(requestID network.RequestID, resp *network.Response) *Response {
	r := Response{requestID: requestID}
	if resp == nil {
		return &r
	}
	r.url = resp.URL
	r.status = resp.Status
	r.statusText = resp.StatusText
	r.mimeType = resp.MimeType
	r.headers = headerValues(resp.Headers)
	r.fromCache = resp.FromDiskCache || resp.FromPrefetchCache || resp.FromServiceWorker
	if resp.RemoteIPAddress != "" {
		r.remoteAddr = fmt.Sprintf("%s:%d", resp.RemoteIPAddress, resp.RemotePort)
	}
	return &r
}

// RequestID returns the network request id.
func (r *Response) RequestID() network.RequestID { return r.requestID }

// URL returns the response URL.
func (r *Response) URL() string { return r.url }

// Status returns the HTTP status code.
func (r *Response) Status() int64 { return r.status }

// StatusText returns the HTTP status text.
func (r *Response) StatusText() string { return r.statusText }

// MimeType returns the resource MIME type as determined by the browser.
func (r *Response) MimeType() string { return r.mimeType }

// RemoteAddress returns the IP and port the response came from, if known.
func (r *Response) RemoteAddress() string { return r.remoteAddr }

// Headers returns the response headers.
func (r *Response) Headers() map[string]string { return joinHeaders(r.headers) }

// HeaderNames returns the sorted response header names.
func (r *Response) HeaderNames() []string {
	names := make([]string, 0, len(r.headers))
	for n := range r.headers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FromCache tells whether the response was served from a cache.
func (r *Response) FromCache() bool { return r.fromCache }

// Loaded tells whether the response body finished loading.
func (r *Response) Loaded() bool { return r.loaded }

// BodySize returns the encoded body size, known once loaded.
func (r *Response) BodySize() int64 { return r.bodySize }

// withLoaded returns a loaded copy of r. Responses are shared with callers
// and never modified in place.
func (r *Response) withLoaded(bodySize int64) *Response {
	cp := *r
	cp.loaded = true
	if bodySize > 0 {
		cp.bodySize = bodySize
	}
	return &cp
}

// IsRedirect tells whether the response status is a redirect.
func (r *Response) IsRedirect() bool { return r.status >= 300 && r.status < 400 }
