//go:build unix

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gurisko/scopectl/internal/parser"
)

var validateJSON bool

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Check resource files against their conventions",
	Long: `Validate reports every structural problem in the given files, including
files that discovery would silently skip.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		var reports []parser.Report
		invalid := 0
		for _, arg := range args {
			abs, err := filepath.Abs(arg)
			if err != nil {
				return err
			}
			rep, err := c.Validate(cmd.Context(), abs)
			if err != nil {
				return err
			}
			reports = append(reports, rep)
			if !rep.Valid {
				invalid++
			}
		}

		if validateJSON {
			if err := printJSON(reports); err != nil {
				return err
			}
		} else {
			for _, rep := range reports {
				printReport(rep)
			}
		}
		if invalid > 0 {
			return errors.New(plural(invalid, "file") + " failed validation")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "output JSON")
}

func printReport(rep parser.Report) {
	status := green("ok")
	if !rep.Valid {
		status = red("invalid")
	}
	kind := string(rep.Type)
	if kind == "" {
		kind = "unknown"
	}
	fmt.Printf("%s  %s %s\n", status, rep.Path, gray("("+kind+")"))
	for _, is := range rep.Issues {
		label := yellow(string(is.Severity))
		if is.Severity == parser.SeverityError {
			label = red(string(is.Severity))
		}
		if is.Field != "" {
			fmt.Printf("    %s %s: %s\n", label, is.Field, is.Message)
		} else {
			fmt.Printf("    %s %s\n", label, is.Message)
		}
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
