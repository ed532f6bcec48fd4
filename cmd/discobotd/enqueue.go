package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/wskish/discobot-sub010/internal/events"
	"github.com/wskish/discobot-sub010/internal/jobs"
	"github.com/wskish/discobot-sub010/internal/store"
)

type jobFlags struct {
	project   string
	session   string
	workspace string
	agent     string
	message   string
	wait      time.Duration
}

var enqueueFlags jobFlags

// buildPayload maps a job type and flags onto its payload.
func buildPayload(typ string, f jobFlags) (jobs.Payload, error) {
	if f.project == "" {
		return nil, errors.New("--project is required")
	}
	switch jobs.JobType(typ) {
	case jobs.JobTypeSessionInit:
		if f.session == "" || f.workspace == "" {
			return nil, errors.New("session_init needs --session and --workspace")
		}
		return jobs.SessionInitPayload{ProjectID: f.project, SessionID: f.session, WorkspaceID: f.workspace, AgentID: f.agent}, nil
	case jobs.JobTypeSessionDelete:
		if f.session == "" {
			return nil, errors.New("session_delete needs --session")
		}
		return jobs.SessionDeletePayload{ProjectID: f.project, SessionID: f.session}, nil
	case jobs.JobTypeSessionCommit:
		if f.session == "" || f.workspace == "" {
			return nil, errors.New("session_commit needs --session and --workspace")
		}
		return jobs.SessionCommitPayload{ProjectID: f.project, SessionID: f.session, WorkspaceID: f.workspace, Message: f.message}, nil
	case jobs.JobTypeWorkspaceInit:
		if f.workspace == "" {
			return nil, errors.New("workspace_init needs --workspace")
		}
		return jobs.WorkspaceInitPayload{ProjectID: f.project, WorkspaceID: f.workspace}, nil
	}
	return nil, fmt.Errorf("unknown job type %q", typ)
}

// submit enqueues payload and, when wait is positive, blocks until the job
// for its resource reaches a terminal status.
func submit(ctx context.Context, cmd *cobra.Command, st *store.Store, payload jobs.Payload, projectID string, wait time.Duration) error {
	logger := slog.Default()

	var poller *events.Poller
	if wait > 0 {
		// Prime before enqueueing so the completion event is not missed.
		poller = events.NewPoller(st, pollerConfig(), logger)
		if err := poller.Prime(ctx); err != nil {
			return err
		}
	}

	q := jobs.NewQueue(st, cfg.Dispatcher.MaxAttempts)
	job, err := q.Enqueue(ctx, payload)
	if errors.Is(err, jobs.ErrJobAlreadyExists) {
		resType, resID := payload.ResourceKey()
		fmt.Fprintf(cmd.OutOrStdout(), "job already exists for %s %s\n", resType, resID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), job.ID)
	if wait <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	go poller.Run(ctx)

	broker := events.NewBroker(st, poller, logger)
	resType, resID := payload.ResourceKey()
	status, msg, err := events.WaitForJobCompletion(ctx, broker, st, projectID, resType, resID)
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w", job.ID, err)
	}
	if status == store.JobFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, msg)
	}
	fmt.Fprintln(cmd.OutOrStdout(), status)
	return nil
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <session_init|session_delete|session_commit|workspace_init>",
	Short: "Submit a lifecycle job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := buildPayload(args[0], enqueueFlags)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return submit(cmd.Context(), cmd, st, payload, enqueueFlags.project, enqueueFlags.wait)
	},
}

func addJobFlags(cmd *cobra.Command, f *jobFlags) {
	cmd.Flags().StringVar(&f.project, "project", "", "project id")
	cmd.Flags().StringVar(&f.session, "session", "", "session id")
	cmd.Flags().StringVar(&f.workspace, "workspace", "", "workspace id")
	cmd.Flags().StringVar(&f.agent, "agent", "", "agent id")
	cmd.Flags().DurationVar(&f.wait, "wait", 0, "wait up to this long for the job to finish")
}

func init() {
	addJobFlags(enqueueCmd, &enqueueFlags)
	enqueueCmd.Flags().StringVar(&enqueueFlags.message, "message", "", "commit message for session_commit")
	rootCmd.AddCommand(enqueueCmd)
}
