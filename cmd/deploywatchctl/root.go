// Package main provides deploywatchctl, the operator CLI for the
// deploywatch server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	outputFmt string
	asUser    string
	asRole    string
)

var rootCmd = &cobra.Command{
	Use:   "deploywatchctl",
	Short: "CLI for the deploywatch four-eyes audit server",
	Long: `deploywatchctl drives the deploywatch server: register applications,
inspect deployment verdicts, resolve repository alerts, trigger syncs and
export yearly audit reports.

Mutating commands need the operator role; pass it with --role or the
DEPLOYWATCH_ROLE environment variable.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Deploywatch server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().StringVar(&asUser, "user", "", "Username sent to the server (default: from DEPLOYWATCH_USER env)")
	rootCmd.PersistentFlags().StringVar(&asRole, "role", "", "Role sent to the server: viewer or operator (default: from DEPLOYWATCH_ROLE env)")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(deploymentsCmd)
	rootCmd.AddCommand(alertsCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(reportCmd)
}

// resolvedUser returns the effective username.
// Priority: --user flag > DEPLOYWATCH_USER env var.
func resolvedUser() string {
	if asUser != "" {
		return asUser
	}
	return os.Getenv("DEPLOYWATCH_USER")
}

// resolvedRole returns the effective role.
// Priority: --role flag > DEPLOYWATCH_ROLE env var.
func resolvedRole() string {
	if asRole != "" {
		return asRole
	}
	return os.Getenv("DEPLOYWATCH_ROLE")
}
