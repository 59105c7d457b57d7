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

	"github.com/grafana/xk6-cdp/log"
)

// Ensure BaseEventEmitter implements the EventEmitter interface
var _ EventEmitter = &BaseEventEmitter{}

const (
	// Connection
	EventConnectionClose string = "close"

	// NetworkManager
	EventNetworkRequest string = "request"
	EventNetworkAuth    string = "auth"
)

// EventHandler handles an event. index is the 1-based position of the
// handler among the subscribers of the event and total is their count.
type EventHandler func(data interface{}, index, total int) error

type eventHandler struct {
	ctx context.Context
	fn  EventHandler
}

// EventEmitter that all event emitters need to implement
type EventEmitter interface {
	emit(event string, data interface{})
	on(ctx context.Context, events []string, fn EventHandler)
	onAll(ctx context.Context, fn EventHandler)
}

// BaseEventEmitter dispatches events to registered handlers in registration
// order, on the goroutine calling emit.
type BaseEventEmitter struct {
	mu          sync.Mutex
	handlers    map[string][]eventHandler
	handlersAll []eventHandler

	logger  *log.Logger
	onError func(event string, err error)
}

// NewBaseEventEmitter creates a new instance of a base event emitter
func NewBaseEventEmitter(logger *log.Logger) *BaseEventEmitter {
	return &BaseEventEmitter{
		handlers: make(map[string][]eventHandler),
		logger:   logger,
	}
}

// setErrorHandler registers fn to receive errors returned by handlers.
func (e *BaseEventEmitter) setErrorHandler(fn func(event string, err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = fn
}

// subscribers returns the live handlers for event, pruning the ones whose
// context is done.
func (e *BaseEventEmitter) subscribers(event string) []eventHandler {
	e.mu.Lock()
	defer e.mu.Unlock()

	live := prune(e.handlers[event])
	if len(live) == 0 {
		delete(e.handlers, event)
	} else {
		e.handlers[event] = live
	}
	e.handlersAll = prune(e.handlersAll)

	hs := make([]eventHandler, 0, len(live)+len(e.handlersAll))
	hs = append(hs, live...)
	return append(hs, e.handlersAll...)
}

func prune(handlers []eventHandler) []eventHandler {
	live := handlers[:0]
	for _, h := range handlers {
		select {
		case <-h.ctx.Done():
			continue
		default:
			live = append(live, h)
		}
	}
	return live
}

func (e *BaseEventEmitter) emit(event string, data interface{}) {
	handlers := e.subscribers(event)
	total := len(handlers)
	for i, h := range handlers {
		if err := e.call(h, data, i+1, total); err != nil {
			e.report(event, err)
		}
	}
}

func (e *BaseEventEmitter) call(h eventHandler, data interface{}, index, total int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.fn(data, index, total)
}

func (e *BaseEventEmitter) report(event string, err error) {
	e.logger.Errorf("EventEmitter:emit", "event:%q err:%v", event, err)

	e.mu.Lock()
	onError := e.onError
	e.mu.Unlock()
	if onError != nil {
		onError(event, err)
	}
}

// on registers a handler for specific events until ctx is done.
func (e *BaseEventEmitter) on(ctx context.Context, events []string, fn EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[string][]eventHandler)
	}
	for _, event := range events {
		e.handlers[event] = append(e.handlers[event], eventHandler{ctx, fn})
	}
}

// onAll registers a handler for all events
func (e *BaseEventEmitter) onAll(ctx context.Context, fn EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlersAll = append(e.handlersAll, eventHandler{ctx, fn})
}

// subscribed tells whether event has at least one live handler.
func (e *BaseEventEmitter) subscribed(event string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := prune(e.handlers[event])
	if len(live) == 0 {
		delete(e.handlers, event)
		return false
	}
	e.handlers[event] = live
	return true
}
