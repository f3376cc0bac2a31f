package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health and readiness",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()

		var live map[string]string
		liveStatus := "ok"
		if err := client.getJSON("/healthz", &live); err != nil {
			liveStatus = fmt.Sprintf("unreachable: %v", err)
		}

		var ready map[string]string
		readyStatus := "ready"
		if err := client.getJSON("/readyz", &ready); err != nil {
			readyStatus = fmt.Sprintf("not ready: %v", err)
		}

		result := map[string]string{
			"server":  serverURL,
			"healthz": liveStatus,
			"readyz":  readyStatus,
		}
		return printOutput(result,
			[]string{"server", "healthz", "readyz"},
			[][]string{{serverURL, liveStatus, readyStatus}})
	},
}
