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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/grafana/xk6-cdp/common"
	"github.com/grafana/xk6-cdp/errext"
	"github.com/grafana/xk6-cdp/errext/exitcodes"
)

const timeoutEnvVar = "XK6_CDP_TIMEOUT"

// trafficCmd opens a page in a fresh browser context, navigates it and
// prints the network exchanges the navigation caused.
type trafficCmd struct {
	gs *globalState

	block, allow    []string
	auth            string
	user, password  string
	throttle        string
	userAgent       string
	headers         []string
	noCache         bool
	idleConnections int
	jsonOutput      bool
}

func (c *trafficCmd) flagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.String("ws-endpoint", "", "browser DevTools WebSocket endpoint, like ws://127.0.0.1:9222/devtools/browser/<id>")
	flags.String("base-url", "", "base URL relative page URLs are resolved against")
	flags.Duration("timeout", common.DefaultTimeout, "command timeout")
	flags.Duration("navigation-timeout", common.DefaultTimeout, "navigation timeout")
	flags.Bool("js-errors", false, "fail when the page throws an uncaught exception")
	flags.String("log-category-filter", ".*", "only log the categories matching this regexp")
	flags.StringArrayVar(&c.block, "block", nil, "block the requests matching a glob `pattern`")
	flags.StringArrayVar(&c.allow, "allow", nil, "only allow the requests matching a glob `pattern`")
	flags.StringVar(&c.auth, "auth", string(common.AuthServer), "authentication challenge to answer, server or proxy")
	flags.StringVar(&c.user, "user", "", "user name for authentication challenges")
	flags.StringVar(&c.password, "password", "", "password for authentication challenges")
	flags.StringVar(&c.throttle, "throttle", "",
		"emulate a network profile, one of "+strings.Join(common.NetworkProfileNames(), ","))
	flags.StringVar(&c.userAgent, "user-agent", "", "override the browser user agent")
	flags.StringArrayVarP(&c.headers, "header", "H", nil, "extra request header as `name:value`")
	flags.BoolVar(&c.noCache, "no-cache", false, "disable the browser cache")
	flags.IntVar(&c.idleConnections, "idle-connections", 0, "connections allowed in flight when the page is idle")
	flags.BoolVar(&c.jsonOutput, "json", false, "print the traffic as JSON")
	return flags
}

// flagOptions returns the browser options set on the command line.
func (c *trafficCmd) flagOptions(flags *pflag.FlagSet) common.BrowserOptions {
	return common.BrowserOptions{
		WSEndpoint:        getNullString(flags, "ws-endpoint"),
		BaseURL:           getNullString(flags, "base-url"),
		Timeout:           getNullDuration(flags, "timeout"),
		NavigationTimeout: getNullDuration(flags, "navigation-timeout"),
		JSErrors:          getNullBool(flags, "js-errors"),
		LogCategoryFilter: getNullString(flags, "log-category-filter"),
	}
}

// options consolidates the defaults, the config file, the environment and
// the command line, in increasing priority.
func (c *trafficCmd) options(flags *pflag.FlagSet) (common.BrowserOptions, error) {
	data, err := readConfigFile(c.gs)
	if err != nil {
		return common.BrowserOptions{}, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	opts, err := common.GetConsolidatedOptions(data)
	if err != nil {
		return opts, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	opts = opts.Apply(c.flagOptions(flags))
	if err := opts.Validate(); err != nil {
		return opts, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	return opts, nil
}

func (c *trafficCmd) headerMap() (map[string]string, error) {
	if len(c.headers) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(c.headers))
	for _, h := range c.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("header %q should be in the form name:value", h)
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func (c *trafficCmd) run(cmd *cobra.Command, args []string) error {
	opts, err := c.options(cmd.Flags())
	if err != nil {
		return err
	}
	headers, err := c.headerMap()
	if err != nil {
		return errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}

	ctx, cancel := context.WithCancel(c.gs.ctx)
	defer cancel()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigC)
	interrupted := make(chan error, 1)
	go func() {
		select {
		case sig := <-sigC:
			interrupted <- &errext.InterruptError{Signal: sig}
			cancel()
		case <-ctx.Done():
		}
	}()

	traffic, err := c.trace(ctx, opts, headers, args[0])
	select {
	case ierr := <-interrupted:
		return ierr
	default:
	}
	if err != nil {
		return err
	}
	return c.print(c.gs.stdOut, traffic)
}

func (c *trafficCmd) trace(
	ctx context.Context, opts common.BrowserOptions, headers map[string]string, url string,
) ([]*common.Exchange, error) {
	logger, err := opts.NewLogger(c.gs.logger)
	if err != nil {
		return nil, errext.WithExitCodeIfNone(err, exitcodes.InvalidConfig)
	}
	b, err := common.NewBrowser(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := b.Close(); err != nil {
			c.gs.logger.WithError(err).Debug("closing the browser connection")
		}
	}()

	bctx, err := b.NewContext(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := bctx.Dispose(context.WithoutCancel(ctx)); err != nil {
			c.gs.logger.WithError(err).Debug("disposing the browser context")
		}
	}()

	page, err := bctx.CreatePage(ctx, "about:blank")
	if err != nil {
		return nil, err
	}
	nm := page.Network()
	if err := c.configure(ctx, nm, headers); err != nil {
		return nil, err
	}

	resp, err := page.Navigate(ctx, url)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		c.gs.logger.WithField("status", resp.Status()).Debugf("navigated to %s", resp.URL())
	}
	if err := nm.WaitForIdle(ctx, c.idleConnections, 0); err != nil {
		return nil, err
	}
	return nm.Traffic(), nil
}

func (c *trafficCmd) configure(ctx context.Context, nm *common.NetworkManager, headers map[string]string) error {
	if len(c.block) > 0 {
		if err := nm.SetDenyList(ctx, c.block...); err != nil {
			return err
		}
	}
	if len(c.allow) > 0 {
		if err := nm.SetAllowList(ctx, c.allow...); err != nil {
			return err
		}
	}
	if c.user != "" {
		if err := nm.Authorize(ctx, common.AuthType(c.auth), c.user, c.password); err != nil {
			return err
		}
	}
	if c.throttle != "" {
		if err := nm.Throttle(ctx, c.throttle); err != nil {
			return err
		}
	}
	if c.userAgent != "" {
		if err := nm.SetUserAgent(ctx, c.userAgent); err != nil {
			return err
		}
	}
	if len(headers) > 0 {
		if err := nm.SetExtraHTTPHeaders(ctx, headers); err != nil {
			return err
		}
	}
	if c.noCache {
		return nm.SetCacheDisabled(ctx, true)
	}
	return nil
}

type exchangeRecord struct {
	ID           string `json:"id"`
	Method       string `json:"method,omitempty"`
	URL          string `json:"url"`
	ResourceType string `json:"resourceType,omitempty"`
	Status       int64  `json:"status,omitempty"`
	Blocked      bool   `json:"blocked,omitempty"`
	Error        string `json:"error,omitempty"`
}

func newExchangeRecord(e *common.Exchange) exchangeRecord {
	r := exchangeRecord{
		ID:      string(e.ID()),
		URL:     e.URL(),
		Blocked: e.IsBlocked(),
	}
	if req := e.Request(); req != nil {
		r.Method = req.Method()
		r.ResourceType = string(req.ResourceType())
	}
	if resp := e.Response(); resp != nil {
		r.Status = resp.Status()
	}
	if rerr := e.Error(); rerr != nil {
		r.Error = rerr.Text
	}
	return r
}

func (c *trafficCmd) print(w io.Writer, traffic []*common.Exchange) error {
	records := make([]exchangeRecord, 0, len(traffic))
	for _, e := range traffic {
		records = append(records, newExchangeRecord(e))
	}

	if c.jsonOutput {
		data, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("failed to produce the JSON traffic log: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	for _, r := range records {
		status := "-"
		if r.Status > 0 {
			status = fmt.Sprint(r.Status)
		}
		line := fmt.Sprintf("%-7s %3s %s", r.Method, status, r.URL)
		switch {
		case r.Blocked:
			line += " (blocked)"
		case r.Error != "":
			line += " (" + r.Error + ")"
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func getCmdTraffic(gs *globalState) *cobra.Command {
	c := &trafficCmd{gs: gs}

	exampleText := `
  # Print the requests a page load makes.
  xk6-cdp traffic --ws-endpoint ws://127.0.0.1:9222/devtools/browser/<id> https://example.com

  # Block the images and throttle the network.
  xk6-cdp traffic --block '*.png' --throttle slow3g https://example.com

  # Answer the basic auth challenges of the page.
  xk6-cdp traffic --user admin --password secret https://example.com/private`[1:]

	cmd := &cobra.Command{
		Use:   "traffic [flags] <url>",
		Short: "Navigate a page and print its network traffic",
		Long: `Navigate a page and print its network traffic.

The page is opened in a new browser context, which is disposed afterwards.
The browser endpoint, timeouts and proxy settings are read from the config
file and the XK6_CDP_* environment variables, and can be overridden by
the flags below.`,
		Example: exampleText,
		Args:    exactArgsWithMsg(1, "arg should either be a URL or a path relative to --base-url"),
		RunE:    c.run,
	}
	cmd.Flags().AddFlagSet(c.flagSet())
	return cmd
}
