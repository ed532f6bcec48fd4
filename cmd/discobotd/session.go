package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/wskish/discobot-sub010/internal/events"
	"github.com/wskish/discobot-sub010/internal/jobs"
	"github.com/wskish/discobot-sub010/internal/store"
)

var (
	sessionFlags  jobFlags
	workspacePath string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create and delete sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record a new session and enqueue its initialization",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := sessionFlags
		if f.project == "" || f.workspace == "" {
			return errors.New("--project and --workspace are required")
		}
		if f.session == "" {
			f.session = uuid.NewString()
		}
		ctx := cmd.Context()

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		broker := events.NewBroker(st, events.NewPoller(st, pollerConfig(), slog.Default()), slog.Default())

		if _, err := st.GetWorkspace(ctx, f.workspace); errors.Is(err, store.ErrNotFound) {
			ws := &store.Workspace{ID: f.workspace, ProjectID: f.project, Path: workspacePath}
			if err := st.CreateWorkspace(ctx, ws); err != nil {
				return err
			}
			if _, err := jobs.NewQueue(st, cfg.Dispatcher.MaxAttempts).Enqueue(ctx, jobs.WorkspaceInitPayload{
				ProjectID: f.project, WorkspaceID: f.workspace,
			}); err != nil && !errors.Is(err, jobs.ErrJobAlreadyExists) {
				return err
			}
		} else if err != nil {
			return err
		}

		sess := &store.Session{ID: f.session, ProjectID: f.project, WorkspaceID: f.workspace, AgentID: f.agent}
		if err := newManager(cfg, st, nil, broker, slog.Default()).Create(ctx, sess); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "session", sess.ID)

		return submit(ctx, cmd, st, jobs.SessionInitPayload{
			ProjectID: f.project, SessionID: f.session, WorkspaceID: f.workspace, AgentID: f.agent,
		}, f.project, f.wait)
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Mark a session for removal and enqueue its deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		broker := events.NewBroker(st, events.NewPoller(st, pollerConfig(), slog.Default()), slog.Default())
		sess, err := newManager(cfg, st, nil, broker, slog.Default()).MarkRemoving(ctx, args[0])
		if err != nil {
			return err
		}

		return submit(ctx, cmd, st, jobs.SessionDeletePayload{
			ProjectID: sess.ProjectID, SessionID: sess.ID,
		}, sess.ProjectID, sessionFlags.wait)
	},
}

var sessionListStatus []string

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions and their desired status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var list []*store.Session
		if len(sessionListStatus) > 0 {
			statuses := make([]store.SessionStatus, len(sessionListStatus))
			for i, s := range sessionListStatus {
				statuses[i] = store.SessionStatus(s)
			}
			list, err = st.ListSessionsByStatus(cmd.Context(), statuses...)
		} else {
			list, err = st.ListSessions(cmd.Context())
		}
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, sess := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sess.ID, sess.ProjectID, sess.Status, sess.Error)
		}
		return nil
	},
}

var sessionTouchCmd = &cobra.Command{
	Use:   "touch <session-id>",
	Short: "Record activity so the idle reaper keeps the session running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		return newManager(cfg, st, nil, nil, slog.Default()).Touch(cmd.Context(), args[0])
	},
}

func init() {
	addJobFlags(sessionCreateCmd, &sessionFlags)
	sessionCreateCmd.Flags().StringVar(&workspacePath, "workspace-path", "", "directory for a new workspace (default under sandbox.workspace_root)")
	sessionDeleteCmd.Flags().DurationVar(&sessionFlags.wait, "wait", 0, "wait up to this long for the deletion to finish")
	sessionListCmd.Flags().StringSliceVar(&sessionListStatus, "status", nil, "only sessions in these statuses")
	sessionCmd.AddCommand(sessionCreateCmd, sessionDeleteCmd, sessionListCmd, sessionTouchCmd)
	rootCmd.AddCommand(sessionCmd)
}
