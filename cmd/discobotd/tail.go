package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/wskish/discobot-sub010/internal/events"
)

var tailSince int64

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read project events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail <project-id>",
	Short: "Print a project's events as JSON lines until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()
		projectID := args[0]

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		poller := events.NewPoller(st, pollerConfig(), slog.Default())
		if err := poller.Prime(ctx); err != nil {
			return err
		}
		broker := events.NewBroker(st, poller, slog.Default())
		sub := broker.Subscribe(projectID)
		defer broker.Unsubscribe(sub)

		enc := json.NewEncoder(cmd.OutOrStdout())
		if cmd.Flags().Changed("since") {
			backlog, err := broker.EventsAfter(ctx, projectID, tailSince)
			if err != nil {
				return err
			}
			for _, ev := range backlog {
				if ev.Seq > poller.LastSeq() {
					break
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
		}

		go poller.Run(ctx)
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub.Events:
				if !ok {
					return nil
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
		}
	},
}

func init() {
	eventsTailCmd.Flags().Int64Var(&tailSince, "since", 0, "first print stored events after this sequence number")
	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}
