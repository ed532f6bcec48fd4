package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect sandboxes",
}

var sandboxGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Print a session's sandbox state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()
		rt, err := newRuntime(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer rt.Close()

		sb, err := newManager(cfg, st, rt, nil, slog.Default()).Sandbox(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), sb)
	},
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes managed by the configured backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer rt.Close()

		list, err := rt.List(cmd.Context())
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s  %-8s  %s\n", "SESSION", "STATUS", "IMAGE")
		for _, sb := range list {
			fmt.Fprintf(w, "%-36s  %-8s  %s\n", sb.SessionID, sb.Status, sb.Image)
		}
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	sandboxCmd.AddCommand(sandboxGetCmd, sandboxListCmd)
	rootCmd.AddCommand(sandboxCmd)
}
