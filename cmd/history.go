//go:build unix

package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var historyJSON bool

var historyCmd = &cobra.Command{
	Use:   "history <resource-id>",
	Short: "Show the change history of a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := strings.TrimSpace(args[0])
		changes, err := newClient().History(cmd.Context(), id)
		if err != nil {
			return err
		}
		if historyJSON {
			return printJSON(changes)
		}
		if len(changes) == 0 {
			fmt.Printf("No changes recorded for %s\n", id)
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHANGE\tWHEN\tTYPE\tAUTHOR\tREASON\tFILE")
		for _, c := range changes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.Timestamp.Local().Format(time.DateTime), c.ChangeType, c.Author, dash(c.Reason), c.FilePath)
		}
		return w.Flush()
	},
}

var revertJSON bool

var revertCmd = &cobra.Command{
	Use:   "revert <resource-id> <change-id>",
	Short: "Restore a resource to its state before a change",
	Long: `Restore the files a change touched to their previous content.

The revert is itself recorded, so it shows up in 'scopectl history' and can be
reverted in turn.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		change, err := newClient().Revert(cmd.Context(), strings.TrimSpace(args[0]), strings.TrimSpace(args[1]))
		if err != nil {
			return err
		}
		if revertJSON {
			return printJSON(change)
		}
		fmt.Printf("%s %s %s\n", green("reverted"), args[1], gray("("+change.ID+")"))
		fmt.Printf("  %s\n", change.FilePath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd, revertCmd)
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output JSON")
	revertCmd.Flags().BoolVar(&revertJSON, "json", false, "output JSON")
}
