/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2020 Load Impact
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

package types

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExtendedDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", wantErr: true},
		{in: "d", wantErr: true},
		{in: "d2h", wantErr: true},
		{in: "2.1d", wantErr: true},
		{in: "2d-2h", wantErr: true},
		{in: "2da", wantErr: true},
		{in: "250", want: 250 * time.Millisecond},
		{in: "1.5", want: 1500 * time.Microsecond},
		{in: "1.12s", want: 1120 * time.Millisecond},
		{in: "1d", want: 24 * time.Hour},
		{in: "1d23h", want: 47 * time.Hour},
		{in: "0d25h120m80s", want: 27*time.Hour + 80*time.Second},
		{in: "-1d2h", want: -26 * time.Hour},
		{in: "106751d23h47m16.854775807s", want: time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseExtendedDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNullDuration(t *testing.T) {
	t.Parallel()

	t.Run("json", func(t *testing.T) {
		t.Parallel()

		var opts struct {
			A NullDuration `json:"a"`
			B NullDuration `json:"b"`
			C NullDuration `json:"c"`
			D NullDuration `json:"d"`
		}
		require.NoError(t, json.Unmarshal([]byte(`{"a":"2s","b":1500,"c":null}`), &opts))
		assert.Equal(t, NullDurationFrom(2*time.Second), opts.A)
		assert.Equal(t, NullDurationFrom(1500*time.Millisecond), opts.B)
		assert.False(t, opts.C.Valid)
		assert.False(t, opts.D.Valid)

		out, err := json.Marshal(opts)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":"2s","b":"1.5s","c":null,"d":null}`, string(out))
	})
	t.Run("text", func(t *testing.T) {
		t.Parallel()

		var d NullDuration
		require.NoError(t, d.UnmarshalText([]byte("1d")))
		assert.Equal(t, 24*time.Hour, d.TimeDuration())

		require.NoError(t, d.UnmarshalText(nil))
		assert.False(t, d.Valid)
		assert.Zero(t, d.TimeDuration())

		assert.Error(t, d.UnmarshalText([]byte("soon")))
	})
	t.Run("invalid_json", func(t *testing.T) {
		t.Parallel()

		var d NullDuration
		assert.Error(t, json.Unmarshal([]byte(`true`), &d))
		assert.Error(t, json.Unmarshal([]byte(`"1x"`), &d))
	})
}
