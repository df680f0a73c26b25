package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/LuminPulse-AI/livesync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// newLogger builds the CLI logger from [default] log_level and log_json.
func newLogger(cfg *Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Default.LogLevel)
	if err != nil || cfg.Default.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Default.LogJSON {
		logger = zerolog.New(out)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// credentialDBPath returns [auth] db_path or the default inside the config
// directory.
func credentialDBPath(cfg *Config) (string, error) {
	if cfg.Auth.DBPath != "" {
		return cfg.Auth.DBPath, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.db"), nil
}

// openCredentials opens the shared credential store.
func openCredentials(cfg *Config) (*livesync.SQLiteCredentialStore, error) {
	path, err := credentialDBPath(cfg)
	if err != nil {
		return nil, err
	}
	creds, err := livesync.OpenSQLiteCredentialStore(path, livesync.NewSourceID())
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return creds, nil
}

func parseDelay(name, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("realtime.%s: %w", name, err)
	}
	return d, nil
}

// clientConfig translates the CLI configuration into a livesync.Config.
func clientConfig(cfg *Config) (livesync.Config, error) {
	if cfg.Default.BaseURL == "" {
		return livesync.Config{}, fmt.Errorf("no base URL configured. Run 'livesync init <base-url>' first")
	}
	minDelay, err := parseDelay("min_reconnect_delay", cfg.Realtime.MinReconnectDelay)
	if err != nil {
		return livesync.Config{}, err
	}
	maxDelay, err := parseDelay("max_reconnect_delay", cfg.Realtime.MaxReconnectDelay)
	if err != nil {
		return livesync.Config{}, err
	}
	return livesync.Config{
		BaseURL:           cfg.Default.BaseURL,
		WSURL:             cfg.Default.WSURL,
		CredentialKey:     cfg.Auth.CredentialKey,
		Sticky:            cfg.Realtime.Sticky,
		MinReconnectDelay: minDelay,
		MaxReconnectDelay: maxDelay,
		OpenCenterOnAlert: cfg.Realtime.OpenCenterOnAlert,
	}, nil
}

// session bundles a client with the resources it owns.
type session struct {
	cfg      *Config
	client   *livesync.Client
	creds    *livesync.SQLiteCredentialStore
	registry *prometheus.Registry
	logger   zerolog.Logger
}

func (s *session) Close() {
	s.client.Close()
	if err := s.creds.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("closing credential store")
	}
}

// openSession loads the config and builds a client on top of the shared
// credential store.
func openSession(autoConnect bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	ccfg, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}
	ccfg.AutoConnect = autoConnect

	creds, err := openCredentials(cfg)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg, os.Stderr)
	registry := prometheus.NewRegistry()
	client := livesync.NewClient(creds, ccfg,
		livesync.WithLogger(logger),
		livesync.WithMetrics(livesync.NewMetrics(registry)),
	)
	return &session{
		cfg:      cfg,
		client:   client,
		creds:    creds,
		registry: registry,
		logger:   logger,
	}, nil
}

func credentialKey(cfg *Config) string {
	if cfg.Auth.CredentialKey != "" {
		return cfg.Auth.CredentialKey
	}
	return livesync.DefaultCredentialKey
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
