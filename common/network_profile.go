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
	"sort"
	"time"
)

// NetworkConditions emulates a network. Throughputs are in bytes/sec and a
// negative one disables throttling in that direction.
type NetworkConditions struct {
	Offline            bool
	Latency            time.Duration
	DownloadThroughput float64
	UploadThroughput   float64
}

// NoThrottling returns conditions that don't throttle the network.
func NoThrottling() NetworkConditions {
	return NetworkConditions{
		DownloadThroughput: -1,
		UploadThroughput:   -1,
	}
}

// NetworkProfiles returns the named network conditions accepted by
// NetworkManager.Throttle.
func NetworkProfiles() map[string]NetworkConditions {
	return map[string]NetworkConditions{
		"none": NoThrottling(),
		"slow3g": {
			DownloadThroughput: ((500 * 1000) / 8) * 0.8,
			UploadThroughput:   ((500 * 1000) / 8) * 0.8,
			Latency:            400 * 5 * time.Millisecond,
		},
		"fast3g": {
			DownloadThroughput: ((1.6 * 1000 * 1000) / 8) * 0.9,
			UploadThroughput:   ((750 * 1000) / 8) * 0.9,
			Latency:            time.Duration(150 * 3.75 * float64(time.Millisecond)),
		},
		"offline": {Offline: true},
	}
}

// NetworkProfileNames returns the sorted names of the network profiles.
func NetworkProfileNames() []string {
	profiles := NetworkProfiles()
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Throttle emulates the named network profile.
func (m *NetworkManager) Throttle(ctx context.Context, profile string) error {
	c, ok := NetworkProfiles()[profile]
	if !ok {
		return fmt.Errorf("%w: %q, expected one of %v", ErrUnknownNetworkProfile, profile, NetworkProfileNames())
	}
	return m.EmulateNetworkConditions(ctx, c)
}
