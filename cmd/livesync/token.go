package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenSetCmd)
	tokenCmd.AddCommand(tokenClearCmd)
	tokenCmd.AddCommand(tokenClaimsCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the shared credential",
	Long:  "Write, remove, or inspect the credential shared by every livesync process on this machine.\nRunning watchers pick up changes within a second.",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set <token>",
	Short: "Store a new credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := strings.TrimSpace(args[0])
		if token == "" {
			return errors.New("token must not be empty")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		creds, err := openCredentials(cfg)
		if err != nil {
			return err
		}
		defer creds.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := creds.Set(ctx, credentialKey(cfg), token); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}

		claims := livesync.ParseClaims(token)
		fmt.Fprintf(cmd.OutOrStdout(), "Token stored (role: %s)\n", valueOrDefault(claims.Role(), "unknown"))
		return nil
	},
}

var tokenClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the credential and disconnect running watchers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		creds, err := openCredentials(cfg)
		if err != nil {
			return err
		}
		defer creds.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := creds.Delete(ctx, credentialKey(cfg)); err != nil {
			return fmt.Errorf("failed to clear token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Token cleared")
		return nil
	},
}

var tokenClaimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Decode the stored credential's claims (no verification)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		creds, err := openCredentials(cfg)
		if err != nil {
			return err
		}
		defer creds.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		token, err := creds.Get(ctx, credentialKey(cfg))
		if errors.Is(err, livesync.ErrCredentialNotFound) {
			return errors.New("no token stored. Run 'livesync token set <token>' first")
		}
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}

		claims := livesync.ParseClaims(token)
		if claims == nil {
			return errors.New("stored token has no readable claims")
		}
		data, err := json.MarshalIndent(claims, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode claims: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}
