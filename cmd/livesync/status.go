package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, credential, and unread status",
	Long:  "Display the current configuration, decode the stored credential, and fetch the live unread count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.WSURL != "" {
			fmt.Fprintf(out, "  WS URL:      %s\n", cfg.Default.WSURL)
		}
		fmt.Fprintf(out, "  Sticky:      %t\n", cfg.Realtime.Sticky)

		creds, err := openCredentials(cfg)
		if err != nil {
			return err
		}
		defer creds.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		key := credentialKey(cfg)
		token, _ := creds.Get(ctx, key)
		version, err := creds.Version(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read credential version: %w", err)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Credential:")
		if token == "" {
			fmt.Fprintln(out, "  Token:       (none)")
			return nil
		}
		fmt.Fprintf(out, "  Token:       %s\n", maskToken(token))
		fmt.Fprintf(out, "  Version:     %d (written by %s)\n", version.Version, valueOrDefault(version.Source, "unknown"))

		claims := livesync.ParseClaims(token)
		fmt.Fprintf(out, "  Role:        %s\n", valueOrDefault(claims.Role(), "(none)"))
		fmt.Fprintf(out, "  Expiry:      %s\n", expiryStatus(claims.ExpiresAt(), time.Now()))
		if rooms := livesync.RoomsFor(claims); len(rooms) > 0 {
			fmt.Fprintf(out, "  Rooms:       %s\n", strings.Join(rooms, ", "))
		}
		fmt.Fprintf(out, "  Auto-connect: %t\n", livesync.AutoConnectAllowed(claims))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		api := livesync.NewHTTPNotificationAPI(cfg.Default.BaseURL, livesync.NewTokenResolver(creds, key, newLogger(cfg, cmd.ErrOrStderr())))
		unread, err := api.UnreadCount(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching unread count: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Unread:      %d\n", unread)
		return nil
	},
}

func expiryStatus(exp, now time.Time) string {
	if exp.IsZero() {
		return "no expiry"
	}
	if now.Before(exp) {
		return fmt.Sprintf("valid (expires %s)", exp.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", exp.UTC().Format(time.RFC3339))
}
