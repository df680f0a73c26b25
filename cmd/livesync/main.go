package main

import (
	"fmt"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.livesync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
	Auth     ConfigAuth     `toml:"auth"`
}

// ConfigDefault holds endpoint and logging settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	WSURL       string `toml:"ws_url"`
	LogLevel    string `toml:"log_level"`
	LogJSON     bool   `toml:"log_json"`
	MetricsAddr string `toml:"metrics_addr"`
}

// ConfigRealtime tunes the realtime connection. Delays use Go duration
// syntax ("1s", "500ms").
type ConfigRealtime struct {
	Sticky            bool   `toml:"sticky"`
	MinReconnectDelay string `toml:"min_reconnect_delay"`
	MaxReconnectDelay string `toml:"max_reconnect_delay"`
	OpenCenterOnAlert bool   `toml:"open_center_on_alert"`
}

// ConfigAuth locates the shared credential.
type ConfigAuth struct {
	CredentialKey string `toml:"credential_key"`
	DBPath        string `toml:"db_path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDirEnv overrides the configuration directory.
const configDirEnv = "LIVESYNC_HOME"

// configDir returns the path to ~/.livesync, creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv(configDirEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".livesync")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "livesync",
	Short:        "Realtime notification sync CLI",
	Long:         "Command-line interface for livesync.\nManage the shared credential, inspect notifications, and watch realtime events.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
