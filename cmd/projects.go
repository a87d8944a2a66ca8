//go:build unix

package cmd

import "github.com/spf13/cobra"

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage the project roots scanned alongside the user root",
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}
