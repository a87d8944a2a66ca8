//go:build unix

package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gurisko/scopectl/internal/apiclient"
	"github.com/gurisko/scopectl/internal/resource"
)

var resourcesCmd = &cobra.Command{
	Use:     "resources",
	Aliases: []string{"res"},
	Short:   "Inspect discovered resources",
}

var (
	resScope   string
	resType    string
	resRefresh bool
	resJSON    bool
)

var resourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources (served from the daemon cache when fresh)",
	Long: `List every unique resource across the user root and project roots.

Examples:
  scopectl resources list
  scopectl resources list --type agent --scope project
  scopectl resources list --refresh --json`,
	RunE: runResourcesList,
}

var resourcesShowCmd = &cobra.Command{
	Use:   "show <resource-id>",
	Short: "Show one resource",
	Args:  cobra.ExactArgs(1),
	RunE:  runResourcesShow,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop the daemon's cached scans",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().ClearCache(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Cache cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resourcesCmd)
	resourcesCmd.AddCommand(resourcesListCmd, resourcesShowCmd, cacheClearCmd)

	resourcesListCmd.Flags().StringVar(&resScope, "scope", "", "filter by scope (user, project, builtin)")
	resourcesListCmd.Flags().StringVar(&resType, "type", "", "filter by type (agent, command, hook, settings, descriptor)")
	resourcesListCmd.Flags().BoolVar(&resRefresh, "refresh", false, "rescan instead of using the cache")
	resourcesListCmd.Flags().BoolVar(&resJSON, "json", false, "output JSON")

	resourcesShowCmd.Flags().BoolVar(&resRefresh, "refresh", false, "rescan instead of using the cache")
	resourcesShowCmd.Flags().BoolVar(&resJSON, "json", false, "output JSON")
}

func runResourcesList(cmd *cobra.Command, args []string) error {
	opts := apiclient.ListOptions{
		Scope:   resource.Scope(resScope),
		Type:    resource.Type(resType),
		Refresh: resRefresh,
	}
	if opts.Scope != "" && !opts.Scope.Valid() {
		return fmt.Errorf("unknown scope %q", resScope)
	}
	if opts.Type != "" && !opts.Type.Valid() {
		return fmt.Errorf("unknown type %q", resType)
	}

	all, err := newClient().ListResources(cmd.Context(), opts)
	if err != nil {
		return err
	}
	if resJSON {
		return printJSON(all)
	}
	if len(all) == 0 {
		fmt.Println("No resources found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tSCOPE\tNAME\tACTIVE\tDESCRIPTION")
	for _, r := range all {
		active := "yes"
		if !r.IsActive {
			active = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Type, r.Scope, r.Name, active, truncate(r.Description, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func runResourcesShow(cmd *cobra.Command, args []string) error {
	r, err := newClient().FindResource(cmd.Context(), strings.TrimSpace(args[0]), resRefresh)
	if err != nil {
		return err
	}
	if resJSON {
		return printJSON(r)
	}

	fmt.Printf("# %s\n\n", cyan(r.ID))
	fmt.Printf("Type:     %s\n", r.Type)
	fmt.Printf("Scope:    %s\n", scopeLabel(r.Scope))
	if r.ProjectPath != "" {
		fmt.Printf("Project:  %s\n", r.ProjectPath)
	}
	fmt.Printf("State:    %s\n", activeLabel(r.IsActive))
	fmt.Printf("File:     %s\n", r.FilePath)
	fmt.Printf("Modified: %s\n", r.LastModified.Format(time.RFC3339))
	if r.Description != "" {
		fmt.Printf("\n%s\n", r.Description)
	}
	printMetadata(&r)
	return nil
}

func printMetadata(r *resource.Resource) {
	switch {
	case r.Agent() != nil:
		a := r.Agent()
		if len(a.Tools) > 0 {
			fmt.Printf("\nTools: %s\n", strings.Join(a.Tools, ", "))
		}
		if a.Model != "" {
			fmt.Printf("Model: %s\n", a.Model)
		}
	case r.Command() != nil:
		c := r.Command()
		if c.ArgumentHint != "" {
			fmt.Printf("\nArguments: %s\n", c.ArgumentHint)
		}
		if len(c.AllowedTools) > 0 {
			fmt.Printf("Allowed tools: %s\n", strings.Join(c.AllowedTools, ", "))
		}
	case r.Settings() != nil:
		s := r.Settings()
		fmt.Printf("\nKeys:  %s\n", dash(strings.Join(s.Keys, ", ")))
		fmt.Printf("Hooks: %d\n", s.HookCount)
	case r.Hook() != nil:
		h := r.Hook()
		fmt.Printf("\nEvent:   %s\n", dash(h.Event))
		fmt.Printf("Matcher: %s\n", dash(h.Matcher))
		for _, c := range h.Commands {
			fmt.Printf("  - %s\n", c.Command)
		}
	case r.Descriptor() != nil:
		d := r.Descriptor()
		if len(d.Imports) > 0 {
			fmt.Printf("\nImports: %s\n", strings.Join(d.Imports, ", "))
		}
	}
}
