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

type listResp struct {
	Projects []struct {
		ID           string    `json:"id"`
		Name         string    `json:"name"`
		Path         string    `json:"path"`
		Position     int       `json:"position"`
		Exclude      []string  `json:"exclude,omitempty"`
		RegisteredAt time.Time `json:"registered_at"`
	} `json:"projects"`
}

var listJSON bool

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects in scan priority order",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out listResp
		if err := newClient().GetJSON(cmd.Context(), "/api/projects", &out); err != nil {
			return err
		}
		if listJSON {
			return printJSON(out)
		}
		if len(out.Projects) == 0 {
			fmt.Println("No projects registered")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPATH\tEXCLUDE\tREGISTERED")
		for _, p := range out.Projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Path, dash(strings.Join(p.Exclude, ",")), p.RegisteredAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	projectsCmd.AddCommand(projectsListCmd)
	projectsListCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")
}
