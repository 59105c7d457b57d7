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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoff(t *testing.T) {
	t.Parallel()

	t.Run("try", func(t *testing.T) {
		t.Parallel()

		h := NewHandoff[int]()
		_, ok := h.TryTake()
		require.False(t, ok)

		require.True(t, h.TryPut(1))
		require.False(t, h.TryPut(2), "the slot holds one value")

		v, ok := h.Peek()
		require.True(t, ok)
		assert.Equal(t, 1, v)

		v, ok = h.TryTake()
		require.True(t, ok)
		assert.Equal(t, 1, v)

		_, ok = h.Peek()
		assert.False(t, ok)
	})

	t.Run("take_waits_for_put", func(t *testing.T) {
		t.Parallel()

		h := NewHandoff[string]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			h.TryPut("target")
		}()

		v, err := h.Take(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, "target", v)
		_, ok := h.Peek()
		assert.False(t, ok)
	})

	t.Run("borrow_keeps_value", func(t *testing.T) {
		t.Parallel()

		h := NewHandoff[string]()
		require.True(t, h.TryPut("page"))

		for i := 0; i < 2; i++ {
			v, err := h.Borrow(context.Background(), time.Second)
			require.NoError(t, err)
			assert.Equal(t, "page", v)
		}
		v, ok := h.Peek()
		require.True(t, ok)
		assert.Equal(t, "page", v)
	})

	t.Run("put_waits_for_take", func(t *testing.T) {
		t.Parallel()

		h := NewHandoff[int]()
		require.True(t, h.TryPut(1))

		done := make(chan error, 1)
		go func() {
			done <- h.Put(context.Background(), 2, time.Second)
		}()

		v, err := h.Take(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		require.NoError(t, <-done)

		v, err = h.Take(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		h := NewHandoff[int]()
		_, err := h.Take(context.Background(), 10*time.Millisecond)
		require.ErrorIs(t, err, ErrTimedOut)

		var terr *TimeoutError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, 10*time.Millisecond, terr.Timeout)
	})

	t.Run("context_done", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		h := NewHandoff[int]()
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		// A zero timeout waits for the context.
		_, err := h.Take(ctx, 0)
		require.ErrorIs(t, err, context.Canceled)
	})
}
