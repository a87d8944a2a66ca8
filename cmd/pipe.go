//go:build unix

package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/gurisko/scopectl/internal/discovery"
)

var pipeCmd = &cobra.Command{
	Use:   "pipe",
	Short: "Print raw discovery events as NDJSON for piping",
	Long: `Print the daemon's discovery stream unchanged, one JSON event per line.

Examples:
  scopectl pipe | jq -r 'select(.type=="item_found") | .resource.id'
  scopectl pipe | jq 'select(.type=="item_error")'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(os.Stdout)
		return newClient().Stream(cmd.Context(), func(ev discovery.Event) error {
			return enc.Encode(ev)
		})
	},
}

func init() {
	rootCmd.AddCommand(pipeCmd)
}
