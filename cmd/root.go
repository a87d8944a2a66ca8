package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/gurisko/scopectl/internal/config"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "scopectl",
	Short: "scopectl - discover and redistribute agent configuration across scopes",
	Long: `scopectl finds agents, commands, hooks, settings and project descriptors under
the user root and every registered project, and copies, moves or toggles them
between scopes with a revertable change history.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $XDG_CONFIG_HOME/scopectl/config.yaml)")
}

func Execute() error {
	// Silence usage and errors to avoid cluttering output with Cobra defaults
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	// Interrupt cancels in-flight requests such as a running scan
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
