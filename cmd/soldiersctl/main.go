package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "soldiersctl",
		Short:         "Operate Soldiers entitlements",
		Long:          `Operator tooling for the Soldiers entitlement store: manual grants, revocations, reconciliation and sweeps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("actor", defaultActor(), "actor recorded in the audit log")

	rootCmd.AddCommand(
		newGrantCmd(),
		newRevokeCmd(),
		newCancelCmd(),
		newReconcileCmd(),
		newShowCmd(),
		newSweepCmd(),
		newOwnersCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "soldiersctl %s (built %s)\n", Version, BuildTime)
		},
	}
}

func defaultActor() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
