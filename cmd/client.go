//go:build unix

package cmd

import (
	"github.com/fatih/color"

	"github.com/gurisko/scopectl/internal/apiclient"
	"github.com/gurisko/scopectl/internal/resource"
)

func newClient() *apiclient.Client {
	return apiclient.New(cfg.Daemon.SocketPath)
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func scopeLabel(s resource.Scope) string {
	switch s {
	case resource.ScopeUser:
		return cyan(string(s))
	case resource.ScopeProject:
		return green(string(s))
	default:
		return gray(string(s))
	}
}

func activeLabel(active bool) string {
	if active {
		return green("active")
	}
	return yellow("inactive")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
