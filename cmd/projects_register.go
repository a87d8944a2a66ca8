//go:build unix

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

type registerReq struct {
	Name    string   `json:"name,omitempty"`
	Path    string   `json:"path"`
	Exclude []string `json:"exclude,omitempty"`
}
type registerResp struct {
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Path string `json:"path"`
	} `json:"project"`
}

var regName, regPath string
var regExclude []string
var regJSON bool

var projectsRegisterCmd = &cobra.Command{
	Use:   "register [path]",
	Short: "Register a project directory (default: current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			regPath = args[0]
		}
		regName = strings.TrimSpace(regName)
		regPath = strings.TrimSpace(regPath)
		if regPath == "" {
			wd, err := os.Getwd()
			if err != nil {
				return errors.New("--path is required")
			}
			regPath = wd
		}
		// client-side friendliness: expand ~ and make absolute (daemon also validates)
		if strings.HasPrefix(regPath, "~") {
			if home, _ := os.UserHomeDir(); home != "" {
				regPath = filepath.Join(home, strings.TrimPrefix(regPath, "~"))
			}
		}
		if abs, err := filepath.Abs(regPath); err == nil {
			regPath = abs
		}

		var out registerResp
		req := registerReq{Name: regName, Path: regPath, Exclude: regExclude}
		if err := newClient().PostJSON(cmd.Context(), "/api/projects", req, &out); err != nil {
			return err
		}
		if regJSON {
			return printJSON(out)
		}
		fmt.Printf("Registered %q at %s (id=%s)\n", out.Project.Name, out.Project.Path, out.Project.ID)
		return nil
	},
}

func init() {
	projectsCmd.AddCommand(projectsRegisterCmd)
	projectsRegisterCmd.Flags().StringVarP(&regName, "name", "n", "", "project name (default: directory name)")
	projectsRegisterCmd.Flags().StringVarP(&regPath, "path", "p", "", "project path")
	projectsRegisterCmd.Flags().StringSliceVar(&regExclude, "exclude", nil, "extra scan exclusions relative to the project")
	projectsRegisterCmd.Flags().BoolVar(&regJSON, "json", false, "print JSON")
}
