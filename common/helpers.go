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
	"strings"
	"time"
)

// waitForEvent blocks until one of events is emitted with data satisfying
// predicateFn, and returns that data. A nil predicateFn accepts any data.
func waitForEvent(
	ctx context.Context, emitter EventEmitter, events []string,
	predicateFn func(data interface{}) bool, timeout time.Duration,
) (interface{}, error) {
	evCancelCtx, evCancelFn := context.WithCancel(ctx)
	defer evCancelFn() // Remove event handler

	matched := NewHandoff[interface{}]()
	emitter.on(evCancelCtx, events, func(data interface{}, _, _ int) error {
		if predicateFn == nil || predicateFn(data) {
			matched.TryPut(data)
		}
		return nil
	})

	data, err := matched.Take(ctx, timeout)
	var terr *TimeoutError
	if errors.As(err, &terr) {
		terr.Method = strings.Join(events, " or ")
	}
	return data, err
}

// WaitForEvent blocks until the page emits event with data satisfying
// predicateFn, or timeout elapses. A zero timeout uses the command timeout.
func (p *Page) WaitForEvent(
	ctx context.Context, event string, predicateFn func(data interface{}) bool, timeout time.Duration,
) (interface{}, error) {
	if timeout <= 0 {
		timeout = p.timeouts.timeout()
	}
	return waitForEvent(ctx, p.conn, []string{event}, predicateFn, timeout)
}
