package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/wskish/discobot-sub010/internal/store"
)

var (
	jobsStatus string
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job queue",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		list, err := st.ListJobs(cmd.Context(), store.JobStatus(jobsStatus), jobsLimit)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tRESOURCE\tSTATUS\tATTEMPTS\tERROR")
		for _, j := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%d/%d\t%s\n",
				j.ID, j.Type, j.ResourceType, j.ResourceID, j.Status, j.Attempts, j.MaxAttempts, j.Error)
		}
		return tw.Flush()
	},
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		job, err := st.GetJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), job)
	},
}

var jobsLeaderCmd = &cobra.Command{
	Use:   "leader",
	Short: "Show which server holds the dispatcher lease",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		leader, err := st.GetLeader(cmd.Context())
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "no leader")
			return nil
		}
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), leader)
	},
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "only jobs in this status (pending, running, succeeded, failed)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs")
	jobsCmd.AddCommand(jobsListCmd, jobsGetCmd, jobsLeaderCmd)
	rootCmd.AddCommand(jobsCmd)
}
