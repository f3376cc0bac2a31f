package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type alert struct {
	ID            string `json:"id"`
	ApplicationID string `json:"applicationId"`
	DeploymentID  string `json:"deploymentId"`
	DetectedRepo  string `json:"detectedRepo"`
	ApprovedRepo  string `json:"approvedRepo,omitempty"`
	Status        string `json:"status"`
	Note          string `json:"note,omitempty"`
	ResolvedBy    string `json:"resolvedBy,omitempty"`
	ResolvedAt    string `json:"resolvedAt,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

var (
	alertsAppID string
	resolveNote string
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Manage repository mismatch alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/alerts"
		if alertsAppID != "" {
			path += "?applicationId=" + url.QueryEscape(alertsAppID)
		}
		var resp struct {
			Alerts []alert `json:"alerts"`
		}
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		rows := make([][]string, len(resp.Alerts))
		for i, a := range resp.Alerts {
			rows[i] = []string{a.ID, a.ApplicationID, a.DetectedRepo, a.ApprovedRepo, a.CreatedAt}
		}
		return printOutput(resp.Alerts,
			[]string{"id", "application", "detected repo", "approved repo", "created"}, rows)
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Resolve an alert with a note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"note": resolveNote}
		path := "/api/v1/alerts/" + url.PathEscape(args[0]) + "/resolve"
		var a alert
		if err := newClient().postJSON(path, body, &a); err != nil {
			return err
		}
		fmt.Printf("alert %s resolved by %s\n", a.ID, a.ResolvedBy)
		return nil
	},
}

func init() {
	alertsListCmd.Flags().StringVar(&alertsAppID, "application", "", "filter by application id")

	alertsResolveCmd.Flags().StringVar(&resolveNote, "note", "", "resolution note (required)")
	_ = alertsResolveCmd.MarkFlagRequired("note")

	alertsCmd.AddCommand(alertsListCmd, alertsResolveCmd)
}
