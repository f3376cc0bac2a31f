package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type deployment struct {
	ID            string `json:"id"`
	PlatformID    string `json:"platformId"`
	ApplicationID string `json:"applicationId"`
	CreatedAt     string `json:"createdAt"`
	Deployer      string `json:"deployer,omitempty"`
	CommitSHA     string `json:"commitSha,omitempty"`
	Repository    string `json:"repository,omitempty"`
	Status        string `json:"status"`
	HasFourEyes   bool   `json:"hasFourEyes"`
	StatusDetail  string `json:"statusDetail,omitempty"`
	PRNumber      *int   `json:"prNumber,omitempty"`
	PRURL         string `json:"prUrl,omitempty"`
}

type transition struct {
	ID         string         `json:"id"`
	FromStatus string         `json:"fromStatus"`
	ToStatus   string         `json:"toStatus"`
	Source     string         `json:"source"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  string         `json:"createdAt"`
}

var (
	deployListStatus   string
	deployListYear     int
	deployListDeployer string
	deployListPageSize int
	deployListToken    string

	queryFilter string
	queryLimit  int

	verifyForce   bool
	justification string
)

var deploymentsCmd = &cobra.Command{
	Use:     "deployments",
	Aliases: []string{"deploys"},
	Short:   "Inspect and verify deployments",
}

func deploymentRows(records []deployment) [][]string {
	rows := make([][]string, len(records))
	for i, d := range records {
		sha := d.CommitSHA
		if len(sha) > 10 {
			sha = sha[:10]
		}
		rows[i] = []string{d.ID, d.CreatedAt, d.Deployer, sha, d.Status,
			fmt.Sprintf("%t", d.HasFourEyes)}
	}
	return rows
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list <application-id>",
	Short: "List deployments of an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		if deployListStatus != "" {
			params.Set("status", deployListStatus)
		}
		if deployListYear != 0 {
			params.Set("year", fmt.Sprintf("%d", deployListYear))
		}
		if deployListDeployer != "" {
			params.Set("deployer", deployListDeployer)
		}
		if deployListPageSize > 0 {
			params.Set("pageSize", fmt.Sprintf("%d", deployListPageSize))
		}
		if deployListToken != "" {
			params.Set("pageToken", deployListToken)
		}
		path := "/api/v1/applications/" + url.PathEscape(args[0]) + "/deployments"
		if len(params) > 0 {
			path += "?" + params.Encode()
		}

		var resp struct {
			Deployments   []deployment `json:"deployments"`
			NextPageToken string       `json:"nextPageToken"`
		}
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		if err := printOutput(resp.Deployments,
			[]string{"id", "created", "deployer", "commit", "status", "four eyes"},
			deploymentRows(resp.Deployments)); err != nil {
			return err
		}
		if outputFmt == "table" && resp.NextPageToken != "" {
			fmt.Printf("\nnext page: --page-token %s\n", resp.NextPageToken)
		}
		return nil
	},
}

var deploymentsQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query deployments across applications with a filter expression",
	Long: `Query deployments with a filter expression, for example:

  deploywatchctl deployments query --filter 'status = missing and year = 2026'
  deploywatchctl deployments query --filter 'team = "payments" and hasFourEyes = false'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		params.Set("filter", queryFilter)
		if queryLimit > 0 {
			params.Set("limit", fmt.Sprintf("%d", queryLimit))
		}

		var resp struct {
			Deployments []deployment `json:"deployments"`
		}
		if err := newClient().getJSON("/api/v1/deployments?"+params.Encode(), &resp); err != nil {
			return err
		}
		return printOutput(resp.Deployments,
			[]string{"id", "created", "deployer", "commit", "status", "four eyes"},
			deploymentRows(resp.Deployments))
	},
}

var deploymentsGetCmd = &cobra.Command{
	Use:   "get <deployment-id>",
	Short: "Show one deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var d deployment
		if err := newClient().getJSON("/api/v1/deployments/"+url.PathEscape(args[0]), &d); err != nil {
			return err
		}
		return printOutput(d,
			[]string{"id", "application", "created", "status", "detail"},
			[][]string{{d.ID, d.ApplicationID, d.CreatedAt, d.Status, truncate(d.StatusDetail, 60)}})
	},
}

var deploymentsTransitionsCmd = &cobra.Command{
	Use:   "transitions <deployment-id>",
	Short: "Show the status history of a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Transitions []transition `json:"transitions"`
		}
		path := "/api/v1/deployments/" + url.PathEscape(args[0]) + "/transitions"
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		rows := make([][]string, len(resp.Transitions))
		for i, t := range resp.Transitions {
			rows[i] = []string{t.CreatedAt, t.FromStatus, t.ToStatus, t.Source}
		}
		return printOutput(resp.Transitions,
			[]string{"created", "from", "to", "source"}, rows)
	},
}

var deploymentsVerifyCmd = &cobra.Command{
	Use:   "verify <deployment-id>",
	Short: "Re-run four-eyes verification for a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/v1/deployments/" + url.PathEscape(args[0]) + "/verify"
		if verifyForce {
			path += "?force=true"
		}
		var resp struct {
			Deployment deployment `json:"deployment"`
			Rule       string     `json:"rule"`
			Reason     string     `json:"reason"`
		}
		if err := newClient().postJSON(path, nil, &resp); err != nil {
			return err
		}
		fmt.Printf("deployment %s: %s (rule %s)\n", resp.Deployment.ID, resp.Deployment.Status, resp.Rule)
		if resp.Reason != "" {
			fmt.Println(resp.Reason)
		}
		return nil
	},
}

var deploymentsApproveCmd = &cobra.Command{
	Use:   "approve <deployment-id>",
	Short: "Manually approve a deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"justification": justification}
		path := "/api/v1/deployments/" + url.PathEscape(args[0]) + "/manual-approval"
		var d deployment
		if err := newClient().postJSON(path, body, &d); err != nil {
			return err
		}
		fmt.Printf("deployment %s manually approved\n", d.ID)
		return nil
	},
}

func init() {
	deploymentsListCmd.Flags().StringVar(&deployListStatus, "status", "", "filter by verification status")
	deploymentsListCmd.Flags().IntVar(&deployListYear, "year", 0, "filter by audit year")
	deploymentsListCmd.Flags().StringVar(&deployListDeployer, "deployer", "", "filter by deployer")
	deploymentsListCmd.Flags().IntVar(&deployListPageSize, "page-size", 0, "page size")
	deploymentsListCmd.Flags().StringVar(&deployListToken, "page-token", "", "page token from a previous call")

	deploymentsQueryCmd.Flags().StringVar(&queryFilter, "filter", "", "filter expression (required)")
	deploymentsQueryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum results")
	_ = deploymentsQueryCmd.MarkFlagRequired("filter")

	deploymentsVerifyCmd.Flags().BoolVar(&verifyForce, "force", false, "recompute even over a manual approval")

	deploymentsApproveCmd.Flags().StringVar(&justification, "justification", "", "reason for the manual approval (required)")
	_ = deploymentsApproveCmd.MarkFlagRequired("justification")

	deploymentsCmd.AddCommand(deploymentsListCmd, deploymentsQueryCmd, deploymentsGetCmd,
		deploymentsTransitionsCmd, deploymentsVerifyCmd, deploymentsApproveCmd)
}
