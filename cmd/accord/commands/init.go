package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/accord/internal/scaffold"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter connector configuration",
	Long: `Create accord.yml and app.env in the current directory.

Creates:
  • accord.yml - Participant identity, engine tuning and catalog
  • app.env    - Runtime settings, including the shared JWT secret

Use --force to overwrite existing files.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite existing accord.yml and app.env")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if !forceInit {
		if err := scaffold.CheckExisting(); err != nil {
			return err
		}
	}

	if err := scaffold.Initialize(forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess()
	return nil
}
