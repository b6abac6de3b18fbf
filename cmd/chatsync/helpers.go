package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/sqlitestore"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app bundles what a command needs to talk to the sync engine.
type app struct {
	cfg      *Config
	logger   *zap.Logger
	client   *chatsync.Client
	store    *sqlitestore.Store
	session  *chatsync.Session
	registry *prometheus.Registry
}

// openApp loads the config, opens the local store and wires a session.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id configured; run 'chatsync init <token> <user-id>' first")
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Default.DataDir
	if dataDir == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		dataDir = filepath.Join(dir, "data")
	}
	store, dbPath, err := sqlitestore.Open(dataDir)
	if err != nil {
		return nil, err
	}
	logger.Debug("store_opened", zap.String("path", dbPath))

	var clientOpts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		clientOpts = append(clientOpts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	client := chatsync.NewClient(cfg.Auth.Token, clientOpts...)

	registry := prometheus.NewRegistry()
	opts := []chatsync.Option{
		chatsync.WithCurrentUser(chatsync.User{ID: cfg.Auth.UserID, Name: cfg.Auth.UserName}),
		chatsync.WithChannelAPI(client),
		chatsync.WithMessageAPI(client),
		chatsync.WithUploader(client),
		chatsync.WithLogger(logger),
		chatsync.WithMetrics(chatsync.NewMetrics(registry)),
		chatsync.WithEnforceUniqueReactions(cfg.Sync.EnforceUniqueReactions),
	}
	if cfg.Sync.TypingTimeoutMS > 0 {
		opts = append(opts, chatsync.WithTypingTimeout(time.Duration(cfg.Sync.TypingTimeoutMS)*time.Millisecond))
	}
	if cfg.Sync.ChannelLimit > 0 {
		opts = append(opts, chatsync.WithChannelLimit(cfg.Sync.ChannelLimit))
	}
	if cfg.Sync.MessageLimit > 0 {
		opts = append(opts, chatsync.WithMessageLimit(cfg.Sync.MessageLimit))
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		store:    store,
		session:  chatsync.NewSession(store, opts...),
		registry: registry,
	}, nil
}

// Close releases the session and the store.
func (a *app) Close() {
	a.session.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store_close_failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// parseCID splits "type:id", defaulting the type to "messaging".
func parseCID(s string) (string, string, error) {
	if !strings.Contains(s, ":") {
		if s == "" {
			return "", "", fmt.Errorf("channel id is required")
		}
		return "messaging", s, nil
	}
	channelType, channelID, ok := chatsync.SplitCID(s)
	if !ok {
		return "", "", fmt.Errorf("invalid channel id %q, expected type:id", s)
	}
	return channelType, channelID, nil
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}
