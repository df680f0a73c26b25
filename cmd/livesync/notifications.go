package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	notificationsListLimit  int
	notificationsListOffset int
	notificationsListJSON   bool
)

// ============================================================================
// notifications
// ============================================================================

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"n"},
	Short:   "Inspect and acknowledge notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the latest notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.client.Notifications.Refresh(ctx, notificationsListLimit, notificationsListOffset); err != nil {
			return fmt.Errorf("failed to load notifications: %w", err)
		}
		st := s.client.Store.Snapshot()

		if notificationsListJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode notifications: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		printState(cmd.OutOrStdout(), st)
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Mark one notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.client.Notifications.Refresh(ctx, 0, 0); err != nil {
			return fmt.Errorf("failed to load notifications: %w", err)
		}
		if err := s.client.Notifications.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read (%d unread)\n", args[0], s.client.Store.Snapshot().UnreadCount)
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(false)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.client.Notifications.Refresh(ctx, 0, 0); err != nil {
			return fmt.Errorf("failed to load notifications: %w", err)
		}
		if err := s.client.Notifications.MarkAllRead(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "All notifications marked as read")
		return nil
	},
}

func printState(out io.Writer, st livesync.State) {
	fmt.Fprintf(out, "Unread: %d\n", st.UnreadCount)
	if len(st.Items) == 0 {
		fmt.Fprintln(out, "No notifications.")
		return
	}
	fmt.Fprintln(out)
	for _, item := range st.Items {
		mark := " "
		if !item.Read {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %-12s %-20s %s\n", mark, item.ID, item.Timestamp, item.Title)
		if item.Message != "" {
			fmt.Fprintf(out, "  %s\n", item.Message)
		}
	}
}

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsListCmd)
	notificationsCmd.AddCommand(notificationsReadCmd)
	notificationsCmd.AddCommand(notificationsReadAllCmd)

	notificationsListCmd.Flags().IntVarP(&notificationsListLimit, "limit", "n", livesync.DefaultPageSize, "Maximum number of notifications to return")
	notificationsListCmd.Flags().IntVar(&notificationsListOffset, "offset", 0, "Number of notifications to skip")
	notificationsListCmd.Flags().BoolVar(&notificationsListJSON, "json", false, "Output JSON")
}
