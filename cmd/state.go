/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
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

package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	configEnvVar    = "XK6_CDP_CONFIG"
	logOutputEnvVar = "XK6_CDP_LOG_OUTPUT"
)

// globalFlags are the flags shared by every command.
type globalFlags struct {
	configFilePath string
	verbose        bool
	noColor        bool
	logOutput      string
	logFormat      string
}

// globalState holds what the commands would otherwise take from package
// globals, so tests can run them against buffers and an in-memory fs.
type globalState struct {
	ctx context.Context

	fs      afero.Fs
	envVars map[string]string

	defaultFlags, flags globalFlags

	outMutex       *sync.Mutex
	stdOut, stdErr *consoleWriter

	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger
}

func newGlobalState(ctx context.Context) *globalState {
	outMutex := &sync.Mutex{}
	stdOut := newConsoleWriter(os.Stdout, outMutex)
	stdErr := newConsoleWriter(os.Stderr, outMutex)

	envVars := buildEnvMap(os.Environ())
	_, noColorSet := envVars["NO_COLOR"]

	logger := &logrus.Logger{
		Out: stdErr,
		Formatter: &logrus.TextFormatter{
			ForceColors:   stdErr.isTTY,
			DisableColors: !stdErr.isTTY || noColorSet,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logrus.InfoLevel,
	}

	defaultFlags := globalFlags{logOutput: "stderr"}
	flags := defaultFlags
	flags.configFilePath = envVars[configEnvVar]
	flags.noColor = noColorSet
	if v, ok := envVars[logOutputEnvVar]; ok {
		flags.logOutput = v
	}

	return &globalState{
		ctx:          ctx,
		fs:           afero.NewOsFs(),
		envVars:      envVars,
		defaultFlags: defaultFlags,
		flags:        flags,
		outMutex:     outMutex,
		stdOut:       stdOut,
		stdErr:       stdErr,
		logger:       logger,
		fallbackLogger: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.InfoLevel,
		},
	}
}

func buildEnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

// A writer that syncs writes with a mutex and, if the output is a TTY, clears
// before newlines.
type consoleWriter struct {
	io.Writer
	isTTY bool
	mutex *sync.Mutex
}

func newConsoleWriter(out *os.File, mx *sync.Mutex) *consoleWriter {
	isTTY := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	var w io.Writer = out
	if isTTY {
		w = colorable.NewColorable(out)
	}
	return &consoleWriter{w, isTTY, mx}
}

func (w *consoleWriter) Write(p []byte) (n int, err error) {
	origLen := len(p)
	if w.isTTY {
		// Add a TTY code to erase till the end of line with each new line
		p = bytes.ReplaceAll(p, []byte{'\n'}, []byte{'\x1b', '[', '0', 'K', '\n'})
	}

	w.mutex.Lock()
	n, err = w.Writer.Write(p)
	w.mutex.Unlock()

	if err != nil && n < origLen {
		return n, err
	}
	return origLen, err
}

// stripColors makes w drop the ANSI color sequences written to it.
func (w *consoleWriter) stripColors() {
	w.Writer = colorable.NewNonColorable(w.Writer)
}
