//go:build unix

package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gurisko/scopectl/internal/assign"
	"github.com/gurisko/scopectl/internal/resource"
)

var (
	assignTo        string
	assignProject   string
	assignType      string
	assignOverwrite bool
	assignReason    string
	assignJSON      bool
)

var assignCmd = &cobra.Command{
	Use:   "assign <copy|move|activate|deactivate> <resource-id>",
	Short: "Copy, move or toggle a resource between scopes",
	Long: `Copy or move a resource into another scope, or activate/deactivate it in place.

Every successful assignment is recorded and can be undone with 'scopectl revert'.

Examples:
  scopectl assign copy agent:reviewer --to project --project .
  scopectl assign move command:git:commit --to user
  scopectl assign deactivate hook:PreToolUse:Bash --to user`,
	Args: cobra.ExactArgs(2),
	RunE: runAssign,
}

func init() {
	rootCmd.AddCommand(assignCmd)
	assignCmd.Flags().StringVar(&assignTo, "to", "", "target scope: user or project (default: the resource's own scope for toggles)")
	assignCmd.Flags().StringVarP(&assignProject, "project", "p", "", "target project path for project scope")
	assignCmd.Flags().StringVar(&assignType, "type", "", "expected resource type")
	assignCmd.Flags().BoolVar(&assignOverwrite, "overwrite", false, "replace an existing target")
	assignCmd.Flags().StringVar(&assignReason, "reason", "", "note stored with the change")
	assignCmd.Flags().BoolVar(&assignJSON, "json", false, "output JSON")
}

func runAssign(cmd *cobra.Command, args []string) error {
	op := assign.Operation(strings.ToLower(args[0]))
	if !op.Valid() {
		return fmt.Errorf("unknown operation %q", args[0])
	}
	id := strings.TrimSpace(args[1])
	c := newClient()

	req := assign.Request{
		ResourceID:   id,
		ResourceType: resource.Type(assignType),
		TargetScope:  resource.Scope(assignTo),
		Operation:    op,
		Overwrite:    assignOverwrite,
		Reason:       assignReason,
	}
	if assignProject != "" {
		abs, err := filepath.Abs(assignProject)
		if err != nil {
			return err
		}
		req.TargetProjectPath = abs
		if req.TargetScope == "" {
			req.TargetScope = resource.ScopeProject
		}
	}
	// toggles default to where the resource already lives
	if req.TargetScope == "" {
		if op == assign.OpCopy || op == assign.OpMove {
			return errors.New("--to is required for copy and move")
		}
		parts, err := resource.ParseID(id)
		if err != nil {
			return err
		}
		req.TargetScope, req.TargetProjectPath = parts.Scope, parts.ProjectPath
	}

	res, err := c.Assign(cmd.Context(), req)
	if err != nil {
		return err
	}
	if assignJSON {
		if err := printJSON(res); err != nil {
			return err
		}
	} else if res.Success {
		switch {
		case res.Unchanged:
			fmt.Printf("%s %s is already %sd\n", yellow("unchanged:"), id, op)
		default:
			fmt.Printf("%s %s %s -> %s\n", green(string(op)), id, gray("("+res.ChangeID+")"), res.TargetPath)
			if res.TargetID != "" && res.TargetID != id {
				fmt.Printf("  now %s\n", cyan(res.TargetID))
			}
		}
	}
	if !res.Success {
		return fmt.Errorf("%s: %s", res.Code, res.Error)
	}
	return nil
}
