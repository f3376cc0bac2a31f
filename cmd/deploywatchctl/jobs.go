package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

type job struct {
	ID                 string `json:"id"`
	ApplicationID      string `json:"applicationId"`
	Kind               string `json:"kind"`
	Status             string `json:"status"`
	WorkerID           string `json:"workerId,omitempty"`
	StartedAt          string `json:"startedAt"`
	FinishedAt         string `json:"finishedAt,omitempty"`
	EventsFetched      int    `json:"eventsFetched"`
	DeploymentsChecked int    `json:"deploymentsChecked"`
	LastError          string `json:"lastError,omitempty"`
}

var (
	jobsAppID  string
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List sync jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		if jobsAppID != "" {
			params.Set("applicationId", jobsAppID)
		}
		if jobsStatus != "" {
			params.Set("status", jobsStatus)
		}
		if jobsLimit > 0 {
			params.Set("limit", fmt.Sprintf("%d", jobsLimit))
		}
		path := "/api/v1/jobs"
		if len(params) > 0 {
			path += "?" + params.Encode()
		}

		var resp struct {
			Jobs []job `json:"jobs"`
		}
		if err := newClient().getJSON(path, &resp); err != nil {
			return err
		}
		rows := make([][]string, len(resp.Jobs))
		for i, j := range resp.Jobs {
			rows[i] = []string{j.ID, j.ApplicationID, j.Kind, j.Status,
				j.StartedAt, truncate(j.LastError, 40)}
		}
		return printOutput(resp.Jobs,
			[]string{"id", "application", "kind", "status", "started", "error"}, rows)
	},
}

func init() {
	jobsCmd.Flags().StringVar(&jobsAppID, "application", "", "filter by application id")
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by job status")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 0, "maximum results")
}
