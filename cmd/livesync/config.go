package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Keys
// ============================================================================

// configKey describes one settable entry of config.toml. fallback, when
// set, reports what the client uses while the entry is empty.
type configKey struct {
	name     string
	help     string
	get      func(*Config) string
	set      func(*Config, string) error
	fallback func(*Config) string
}

func stringKey(name, help string, field func(*Config) *string) configKey {
	return configKey{
		name: name,
		help: help,
		get:  func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			*field(c) = v
			return nil
		},
	}
}

func boolKey(name, help string, field func(*Config) *bool) configKey {
	return configKey{
		name: name,
		help: help,
		get:  func(c *Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*field(c) = b
			return nil
		},
	}
}

func delayKey(name, help string, def time.Duration, field func(*Config) *string) configKey {
	k := stringKey(name, help, field)
	k.set = func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive", name)
		}
		*field(c) = v
		return nil
	}
	k.fallback = func(*Config) string { return def.String() }
	return k
}

func withFallback(k configKey, fn func(*Config) string) configKey {
	k.fallback = fn
	return k
}

var configKeys = []configKey{
	stringKey("default.base_url", "REST API base URL, set by 'livesync init'",
		func(c *Config) *string { return &c.Default.BaseURL }),
	withFallback(stringKey("default.ws_url", "Realtime endpoint; http(s) is rewritten to ws(s)",
		func(c *Config) *string { return &c.Default.WSURL }),
		func(c *Config) string {
			if c.Default.BaseURL == "" {
				return ""
			}
			return strings.TrimRight(c.Default.BaseURL, "/") + "/ws"
		}),
	{
		name: "default.log_level",
		help: "One of debug, info, warn, error",
		get:  func(c *Config) string { return c.Default.LogLevel },
		set: func(c *Config, v string) error {
			switch v {
			case "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", v)
			}
			c.Default.LogLevel = v
			return nil
		},
		fallback: func(*Config) string { return "info" },
	},
	boolKey("default.log_json", "Log JSON lines instead of console output",
		func(c *Config) *bool { return &c.Default.LogJSON }),
	stringKey("default.metrics_addr", "Address 'livesync watch' serves /metrics on",
		func(c *Config) *string { return &c.Default.MetricsAddr }),
	boolKey("realtime.sticky", "Keep the connection open when a screen asks to disconnect",
		func(c *Config) *bool { return &c.Realtime.Sticky }),
	delayKey("realtime.min_reconnect_delay", "First reconnect delay", time.Second,
		func(c *Config) *string { return &c.Realtime.MinReconnectDelay }),
	delayKey("realtime.max_reconnect_delay", "Reconnect delay ceiling", 5*time.Second,
		func(c *Config) *string { return &c.Realtime.MaxReconnectDelay }),
	boolKey("realtime.open_center_on_alert", "Open the notification center when an alert arrives",
		func(c *Config) *bool { return &c.Realtime.OpenCenterOnAlert }),
	withFallback(stringKey("auth.credential_key", "Credential store key holding the access token",
		func(c *Config) *string { return &c.Auth.CredentialKey }),
		func(*Config) string { return livesync.DefaultCredentialKey }),
	withFallback(stringKey("auth.db_path", "SQLite file shared by every process using the credential",
		func(c *Config) *string { return &c.Auth.DBPath }),
		func(c *Config) string {
			path, err := credentialDBPath(c)
			if err != nil {
				return ""
			}
			return path
		}),
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	k, ok := lookupConfigKey(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (run 'livesync config keys')", key)
	}
	return k.set(cfg, value)
}

// printEffectiveConfig writes one "key = value" line per key. Empty entries
// show the value the client falls back to.
func printEffectiveConfig(out io.Writer, cfg *Config) {
	for _, k := range configKeys {
		v := k.get(cfg)
		if v == "" && k.fallback != nil {
			if def := k.fallback(cfg); def != "" {
				fmt.Fprintf(out, "%s = %s  (default)\n", k.name, def)
				continue
			}
		}
		if v == "" {
			v = "(unset)"
		}
		fmt.Fprintf(out, "%s = %s\n", k.name, v)
	}
}

// ============================================================================
// Commands
// ============================================================================

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage livesync configuration",
	Long:  "View or modify the livesync CLI configuration stored in ~/.livesync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every key with the value the client will use. Unset keys show their default.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(out, "No configuration file found. Run 'livesync init <base-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		printEffectiveConfig(out, cfg)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the configuration keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range configKeys {
			fmt.Fprintf(cmd.OutOrStdout(), "%-30s %s\n", k.name, k.help)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value using dot notation.\n" +
		"Example: livesync config set realtime.sticky true\n" +
		"Run 'livesync config keys' for the list of keys.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
