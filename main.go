// Package main is the entry point of the xk6-cdp command line tool.
package main

import "github.com/grafana/xk6-cdp/cmd"

func main() {
	cmd.Execute()
}
