//go:build unix

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gurisko/scopectl/internal/discovery"
)

var (
	scanQuiet bool
	scanJSON  bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a live discovery scan",
	Long: `Stream a discovery scan from the daemon, printing resources as they are found.

If the stream cannot be opened or breaks, the full result is fetched from the
batch endpoint instead.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVarP(&scanQuiet, "quiet", "q", false, "hide traversal errors")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print the final resource list as JSON")
}

func runScan(cmd *cobra.Command, args []string) error {
	printed := map[string]bool{}
	onEvent := func(ev discovery.Event) error {
		if scanJSON {
			return nil
		}
		switch ev.Type {
		case discovery.EventScanStarted:
			fmt.Println(gray(ev.Message))
		case discovery.EventItemFound:
			r := ev.Resource
			printed[r.ID] = true
			fmt.Printf("%4d  %-10s %-8s %s\n", ev.Count, r.Type, scopeLabel(r.Scope), r.ID)
		case discovery.EventItemError:
			if !scanQuiet && !ev.Fatal {
				fmt.Fprintf(os.Stderr, "%s %s\n", yellow("skip"), ev.Error)
			}
		}
		return nil
	}

	res, err := newClient().Discover(cmd.Context(), onEvent)
	if err != nil {
		return err
	}
	if scanJSON {
		return printJSON(res.Resources)
	}
	if res.FellBack {
		fmt.Fprintf(os.Stderr, "%s stream failed (%v); showing batch result\n", yellow("warning:"), res.StreamErr)
		for _, r := range res.Resources {
			if !printed[r.ID] {
				fmt.Printf("      %-10s %-8s %s\n", r.Type, scopeLabel(r.Scope), r.ID)
			}
		}
	}
	fmt.Printf("%s %d resource(s)\n", green("done:"), len(res.Resources))
	return nil
}
