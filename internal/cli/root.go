// Package cli defines the companiond command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// Exit codes of the control commands.
const (
	ExitOK            = 0
	ExitPolicyInvalid = 2
	ExitAdapterDown   = 3
)

var rootCmd = &cobra.Command{
	Use:   "companiond",
	Short: "Elderly-companion guard and orchestration core",
	Long: `companiond runs the guard-and-orchestration core of the elderly
companion: the rules-first safety guard, the emergency bypass path, the
policy engine, and the adapter dispatch layer.`,
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(reloadPolicyCmd)
	rootCmd.AddCommand(dumpSnapshotCmd)
	rootCmd.AddCommand(testEmergencyCmd)
	rootCmd.AddCommand(drainCmd)
}
