package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	instanceFlag string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "accord",
	Short: "accord - contract negotiation connector",
	Long: `accord negotiates data usage contracts between participants.

A connector plays both roles: as requester it asks counterparties for
contracts on their offers, and as offerer it answers requests against its
own catalog. Negotiation state lives in Redis (or PostgreSQL), protocol
messages travel over NATS, and a management API drives it all.`,
	Version: version,
	// Unknown flags on the root command are an error, not a silent no-op
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	// Errors are printed with color by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&instanceFlag, "instance", "n", "", "Instance name (overrides ACCORD_INSTANCE)")
}
