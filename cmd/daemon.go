//go:build unix

package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/scopectl/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the scopectl daemon",
	Long: `Control the scopectl background daemon.

The daemon serves an HTTP API over a unix socket and provides:
- streaming and cached discovery
- assignment with change history
- cache invalidation when watched roots change`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start the scopectl daemon in foreground mode.

For background operation, use:
  nohup scopectl daemon start > /tmp/scopectl-daemon.log 2>&1 &`,
	RunE: startDaemon,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	RunE:  stopDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	RunE:  statusDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
}

func newDaemon() (*daemon.Daemon, error) {
	d, err := daemon.New(cfg, cfg.NewLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}
	return d, nil
}

func startDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	return d.Start()
}

func stopDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}
	if err := d.Stop(); err != nil {
		return err
	}
	fmt.Println("scopectl daemon stopped")
	return nil
}

func statusDaemon(cmd *cobra.Command, args []string) error {
	d, err := newDaemon()
	if err != nil {
		return err
	}

	status, err := d.GetStatus()
	if err != nil {
		return err
	}

	switch {
	case status.Running:
		fmt.Printf("scopectl daemon %s (PID: %d)\n", green("running"), status.PID)
		fmt.Printf("  Socket: %s\n", status.SocketPath)
		fmt.Printf("  Uptime: %s\n", status.Uptime.Round(time.Second))
		fmt.Printf("  Roots:  %d\n", status.Roots)
	case status.PID > 0 && status.ErrorMessage != "":
		fmt.Printf("scopectl daemon process exists (PID: %d) but %s\n", status.PID, red("not responding"))
		fmt.Printf("  Socket: %s\n", status.SocketPath)
		fmt.Printf("  Error: %v\n", status.ErrorMessage)
	case status.PID > 0:
		fmt.Printf("scopectl daemon is %s (stale pidfile)\n", yellow("not running"))
		fmt.Printf("  Socket: %s\n", status.SocketPath)
	default:
		fmt.Printf("scopectl daemon is %s\n", yellow("not running"))
		fmt.Printf("  Socket: %s\n", status.SocketPath)
	}

	return nil
}
