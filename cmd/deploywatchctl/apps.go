package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type application struct {
	ID                   string `json:"id"`
	Team                 string `json:"team"`
	Environment          string `json:"environment"`
	Name                 string `json:"name"`
	AuditStartYear       int    `json:"auditStartYear,omitempty"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
	NotifyChannel        string `json:"notifyChannel,omitempty"`
	ImplicitApprovalMode string `json:"implicitApprovalMode,omitempty"`
	LastSyncedAt         string `json:"lastSyncedAt,omitempty"`
	CreatedAt            string `json:"createdAt"`
}

type association struct {
	ID            string `json:"id"`
	ApplicationID string `json:"applicationId"`
	Repository    string `json:"repository"`
	Status        string `json:"status"`
	ApprovedBy    string `json:"approvedBy,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

var (
	registerTeam        string
	registerEnvironment string
	registerName        string
	registerStartYear   int
	registerMode        string

	notifyEnable  bool
	notifyChannel string

	syncBatchLimit int
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage audited applications",
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Applications []application `json:"applications"`
		}
		if err := newClient().getJSON("/api/v1/applications", &resp); err != nil {
			return err
		}
		rows := make([][]string, len(resp.Applications))
		for i, a := range resp.Applications {
			rows[i] = []string{a.ID, a.Team, a.Environment, a.Name, a.LastSyncedAt}
		}
		return printOutput(resp.Applications,
			[]string{"id", "team", "environment", "name", "last synced"}, rows)
	},
}

var appsGetCmd = &cobra.Command{
	Use:   "get <application-id>",
	Short: "Show one application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var app application
		if err := newClient().getJSON("/api/v1/applications/"+url.PathEscape(args[0]), &app); err != nil {
			return err
		}
		return printOutput(app,
			[]string{"id", "team", "environment", "name", "implicit mode", "last synced"},
			[][]string{{app.ID, app.Team, app.Environment, app.Name, app.ImplicitApprovalMode, app.LastSyncedAt}})
	},
}

var appsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register an application for auditing",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"team":        registerTeam,
			"environment": registerEnvironment,
			"name":        registerName,
		}
		if registerStartYear != 0 {
			body["auditStartYear"] = registerStartYear
		}
		if registerMode != "" {
			body["implicitApprovalMode"] = registerMode
		}
		var app application
		if err := newClient().postJSON("/api/v1/applications", body, &app); err != nil {
			return err
		}
		fmt.Printf("registered application %s (%s/%s/%s)\n", app.ID, app.Team, app.Environment, app.Name)
		return nil
	},
}

var appsSyncCmd = &cobra.Command{
	Use:   "sync <application-id>",
	Short: "Trigger a sync for an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/applications/" + url.PathEscape(args[0]) + "/sync"
		if syncBatchLimit > 0 {
			path += fmt.Sprintf("?batchLimit=%d", syncBatchLimit)
		}
		var resp struct {
			ApplicationID string `json:"applicationId"`
			Fetched       int    `json:"fetched"`
			Verified      int    `json:"verified"`
			Failed        int    `json:"failed"`
		}
		if err := newClient().postJSON(path, nil, &resp); err != nil {
			return err
		}
		fmt.Printf("synced %s: fetched=%d verified=%d failed=%d\n",
			resp.ApplicationID, resp.Fetched, resp.Verified, resp.Failed)
		return nil
	},
}

var appsNotificationsCmd = &cobra.Command{
	Use:   "notifications <application-id>",
	Short: "Configure deployment notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"enabled": notifyEnable, "channel": notifyChannel}
		path := "/api/v1/applications/" + url.PathEscape(args[0]) + "/notifications"
		if err := newClient().putJSON(path, body, nil); err != nil {
			return err
		}
		if notifyEnable {
			fmt.Printf("notifications enabled on channel %s\n", notifyChannel)
		} else {
			fmt.Println("notifications disabled")
		}
		return nil
	},
}

var appsAssociationsCmd = &cobra.Command{
	Use:   "associations <application-id>",
	Short: "List repository associations for an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Associations []association `json:"associations"`
		}
		path := "/api/v1/applications/" + url.PathEscape(args[0]) + "/associations"
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		rows := make([][]string, len(resp.Associations))
		for i, a := range resp.Associations {
			rows[i] = []string{a.ID, a.Repository, a.Status, a.ApprovedBy}
		}
		return printOutput(resp.Associations,
			[]string{"id", "repository", "status", "approved by"}, rows)
	},
}

var appsApproveCmd = &cobra.Command{
	Use:   "approve <association-id>",
	Short: "Approve a pending repository association",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var a association
		path := "/api/v1/associations/" + url.PathEscape(args[0]) + "/approve"
		if err := newClient().postJSON(path, nil, &a); err != nil {
			return err
		}
		fmt.Printf("approved association %s (%s)\n", a.ID, a.Repository)
		return nil
	},
}

func init() {
	appsRegisterCmd.Flags().StringVar(&registerTeam, "team", "", "owning team (required)")
	appsRegisterCmd.Flags().StringVar(&registerEnvironment, "environment", "", "deployment environment (required)")
	appsRegisterCmd.Flags().StringVar(&registerName, "name", "", "application name (required)")
	appsRegisterCmd.Flags().IntVar(&registerStartYear, "start-year", 0, "first audited year")
	appsRegisterCmd.Flags().StringVar(&registerMode, "implicit-mode", "", "implicit approval mode (strict or lenient)")
	_ = appsRegisterCmd.MarkFlagRequired("team")
	_ = appsRegisterCmd.MarkFlagRequired("environment")
	_ = appsRegisterCmd.MarkFlagRequired("name")

	appsSyncCmd.Flags().IntVar(&syncBatchLimit, "batch-limit", 0, "cap the number of platform events fetched")

	appsNotificationsCmd.Flags().BoolVar(&notifyEnable, "enable", false, "enable notifications")
	appsNotificationsCmd.Flags().StringVar(&notifyChannel, "channel", "", "notification channel")

	appsCmd.AddCommand(appsListCmd, appsGetCmd, appsRegisterCmd, appsSyncCmd,
		appsNotificationsCmd, appsAssociationsCmd, appsApproveCmd)
}
