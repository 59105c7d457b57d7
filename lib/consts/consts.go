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

// Package consts houses the constants shared by the xk6-cdp packages.
package consts

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version contains the current semantic version of xk6-cdp.
const Version = "0.3.0"

// FullVersion returns the version with the build commit and the Go runtime
// it was built with.
func FullVersion() string {
	goVersionArch := fmt.Sprintf("%s, %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if commit := buildCommit(); commit != "" {
		return fmt.Sprintf("%s (commit/%s, %s)", Version, commit, goVersionArch)
	}
	return fmt.Sprintf("%s (dev build, %s)", Version, goVersionArch)
}

// VersionDetails returns the version details as a map, for JSON output.
func VersionDetails() map[string]string {
	details := map[string]string{
		"version":   "v" + Version,
		"go":        runtime.Version(),
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"buildType": "dev",
	}
	if commit := buildCommit(); commit != "" {
		details["commit"] = commit
		details["buildType"] = "release"
	}
	return details
}

func buildCommit() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var commit string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if len(s.Value) > 10 {
				commit = s.Value[:10]
			} else {
				commit = s.Value
			}
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if commit != "" && dirty {
		commit += "-dirty"
	}
	return commit
}
