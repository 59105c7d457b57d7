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

// Package cmd implements the xk6-cdp command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/xk6-cdp/errext"
	"github.com/grafana/xk6-cdp/errext/exitcodes"
	"github.com/grafana/xk6-cdp/lib/consts"
	"github.com/grafana/xk6-cdp/log"
)

const waitLoggerTimeout = time.Second * 5

// BannerColor is the color of the version banner in the help output.
var BannerColor = color.New(color.FgCyan) //nolint:gochecknoglobals

// This is to keep all fields needed for the main/root command
type rootCommand struct {
	gs            *globalState
	cmd           *cobra.Command
	stopLoggers   context.CancelFunc
	loggersDone   <-chan struct{}
	loggerIsAsync bool
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{gs: gs}
	// the base command when called without any subcommands.
	c.cmd = &cobra.Command{
		Use:               "xk6-cdp",
		Short:             "drive a browser over the Chrome DevTools Protocol",
		Long:              BannerColor.Sprintf("\nxk6-cdp v%s", consts.Version),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.persistentPreRunE,
	}
	c.cmd.SetOut(gs.stdOut)
	c.cmd.SetErr(gs.stdErr)
	c.cmd.PersistentFlags().AddFlagSet(rootCmdPersistentFlagSet(gs))
	c.cmd.AddCommand(
		getCmdTraffic(gs),
		getCmdVersion(gs),
	)
	return c
}

func (c *rootCommand) persistentPreRunE(_ *cobra.Command, _ []string) error {
	if err := c.setupLoggers(); err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	if c.gs.flags.noColor {
		c.gs.stdOut.stripColors()
		c.gs.stdErr.stripColors()
	}
	stdlog.SetOutput(c.gs.logger.Writer())
	c.gs.logger.Debugf("xk6-cdp version: v%s", consts.FullVersion())
	return nil
}

// Execute adds all child commands to the root command sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	gs := newGlobalState(context.Background())
	c := newRootCommand(gs)
	os.Exit(c.execute(os.Args[1:]))
}

// execute runs the command line and returns the process exit code.
func (c *rootCommand) execute(args []string) int {
	c.cmd.SetArgs(args)
	err := c.cmd.Execute()
	if err == nil {
		c.waitLoggers()
		return 0
	}

	err = classifyError(err)
	msg, fields := errext.Format(err)
	c.gs.logger.WithFields(fields).Error(msg)
	if c.loggerIsAsync {
		c.gs.fallbackLogger.WithFields(fields).Error(msg)
	}
	c.waitLoggers()

	if code, ok := errext.ExitCodeOf(err); ok {
		return int(code)
	}
	return int(exitcodes.GenericError)
}

// waitLoggers stops the file logger and waits for it to flush.
func (c *rootCommand) waitLoggers() {
	if c.stopLoggers == nil {
		return
	}
	c.stopLoggers()
	if !c.loggerIsAsync {
		return
	}
	select {
	case <-c.loggersDone:
	case <-time.After(waitLoggerTimeout):
		c.gs.fallbackLogger.Errorf("The logger didn't stop in %s", waitLoggerTimeout)
	}
}

func rootCmdPersistentFlagSet(gs *globalState) *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&gs.flags.verbose, "verbose", "v", gs.defaultFlags.verbose, "enable debug logging")
	flags.BoolVar(&gs.flags.noColor, "no-color", gs.flags.noColor, "disable colored output")
	flags.StringVar(&gs.flags.logOutput, "log-output", gs.flags.logOutput,
		"change the output for logs, possible values are stderr,stdout,none,file[=./path.fileformat]")
	flags.Lookup("log-output").DefValue = gs.defaultFlags.logOutput
	flags.StringVar(&gs.flags.logFormat, "log-format", gs.flags.logFormat, "log output format, one of raw,json,text")
	flags.StringVarP(&gs.flags.configFilePath, "config", "c", gs.flags.configFilePath, "JSON config file")
	// The default is set explicitly so `XK6_CDP_CONFIG=... xk6-cdp -h`
	// doesn't print a weird usage message.
	flags.Lookup("config").DefValue = gs.defaultFlags.configFilePath
	must(cobra.MarkFlagFilename(flags, "config"))
	return flags
}

// RawFormatter it does nothing with the message just prints it
type RawFormatter struct{}

// Format renders a single log entry
func (f RawFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return append([]byte(entry.Message), '\n'), nil
}

func (c *rootCommand) setupLoggers() error {
	gs := c.gs
	if gs.flags.verbose {
		gs.logger.SetLevel(logrus.DebugLevel)
	}

	switch output := gs.flags.logOutput; {
	case output == "stderr":
		gs.logger.SetOutput(gs.stdErr)
	case output == "stdout":
		gs.logger.SetOutput(gs.stdOut)
	case output == "none":
		gs.logger.SetOutput(io.Discard)
	case strings.HasPrefix(output, "file"):
		ctx, cancel := context.WithCancel(gs.ctx)
		hook, err := log.FileHookFromConfigLine(ctx, gs.fs, gs.fallbackLogger, output)
		if err != nil {
			cancel()
			return err
		}
		c.stopLoggers = cancel
		if h, ok := hook.(interface{ Done() <-chan struct{} }); ok {
			c.loggersDone = h.Done()
			c.loggerIsAsync = true
		}
		gs.logger.AddHook(hook)
		gs.logger.SetOutput(io.Discard)
	default:
		return fmt.Errorf("unsupported log output '%s'", output)
	}

	switch gs.flags.logFormat {
	case "raw":
		gs.logger.SetFormatter(&RawFormatter{})
		gs.logger.Debug("Logger format: RAW")
	case "json":
		gs.logger.SetFormatter(&logrus.JSONFormatter{})
		gs.logger.Debug("Logger format: JSON")
	case "", "text":
		gs.logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   gs.stdErr.isTTY,
			DisableColors: gs.flags.noColor || c.loggerIsAsync,
		})
		gs.logger.Debug("Logger format: TEXT")
	default:
		return fmt.Errorf("unsupported log format '%s'", gs.flags.logFormat)
	}
	return nil
}

// readConfigFile returns the content of the JSON config file, or nil when
// no file was given.
func readConfigFile(gs *globalState) ([]byte, error) {
	path := gs.flags.configFilePath
	if path == "" {
		return nil, nil
	}
	data, err := afero.ReadFile(gs.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errext.WithHint(
			fmt.Errorf("config file %s not found", path),
			"pass an existing JSON file with -c/--config or unset "+configEnvVar,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return data, nil
}
