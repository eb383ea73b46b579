package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/scheduler"
	"mqtt-go-home/internal/store"
	"mqtt-go-home/internal/transport"
	"mqtt-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		AdminPassword  string   `yaml:"admin_password"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	// MQTT seeds the broker settings on first start. Once stored they are
	// managed through the settings API and the file values are ignored.
	MQTT struct {
		Protocol     string `yaml:"protocol"`
		Broker       string `yaml:"broker"`
		Port         int    `yaml:"port"`
		Path         string `yaml:"path"`
		ClientID     string `yaml:"client_id"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		TopicControl string `yaml:"topic_control"`
		TopicStatus  string `yaml:"topic_status"`
	} `yaml:"mqtt"`
	System struct {
		RestoreState  string `yaml:"restore_state"`
		AutoConnect   string `yaml:"auto_connect"`
		AutoReconnect string `yaml:"auto_reconnect"`
	} `yaml:"system"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.MQTT.Broker != "" {
		switch c.MQTT.Protocol {
		case "ws", "wss", "tcp", "ssl":
		default:
			return fmt.Errorf("mqtt.protocol must be ws, wss, tcp or ssl, got %q", c.MQTT.Protocol)
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port)
		}
	}
	for name, v := range map[string]string{
		"system.restore_state":  c.System.RestoreState,
		"system.auto_connect":   c.System.AutoConnect,
		"system.auto_reconnect": c.System.AutoReconnect,
	} {
		if v != store.FlagYes && v != store.FlagNo {
			return fmt.Errorf("%s must be %q or %q, got %q", name, store.FlagYes, store.FlagNo, v)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("mqtt-go-home starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	sysCfg := seedConfigs(db, cfg, logger)

	events := event.NewBus(logger)

	reg := registry.New(db, events, logger)
	reg.SetRestoreEnabled(sysCfg.RestoreEnabled())
	reg.Load()
	reg.LoadStates()

	tr := transport.New(reg, events, logger)
	tr.SetAutoReconnect(sysCfg.AutoReconnectEnabled())

	sched := scheduler.New(db, reg, tr, events, logger)
	sched.Load()
	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched.Start(schedCtx, scheduler.DefaultPollInterval)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(reg, tr, events, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.AdminPassword != "" {
		webOpts = append(webOpts, web.WithAdminPassword(cfg.Web.AdminPassword))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(reg, sched, tr, db, events, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	if sysCfg.AutoConnectEnabled() {
		if mqttCfg, err := db.GetMQTTConfig(); err == nil {
			go func() {
				if err := tr.Connect(*mqttCfg); err != nil {
					logger.Error("initial broker connect", "err", err)
				}
			}()
		} else {
			logger.Warn("auto connect enabled but no broker configured")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	schedCancel()
	auto.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	tr.Disconnect()

	logger.Info("goodbye")
}

// seedConfigs writes the file-supplied settings into the store on first
// start and returns the effective system config.
func seedConfigs(db *store.BoltStore, cfg *Config, logger *slog.Logger) store.SystemConfig {
	sys, err := db.GetSystemConfig()
	if errors.Is(err, store.ErrNotFound) {
		sys = &store.SystemConfig{
			RestoreState:  cfg.System.RestoreState,
			AutoConnect:   cfg.System.AutoConnect,
			AutoReconnect: cfg.System.AutoReconnect,
		}
		if err := db.SaveSystemConfig(sys); err != nil {
			logger.Error("seed system config", "err", err)
		}
	} else if err != nil {
		logger.Error("load system config", "err", err)
		sys = &store.SystemConfig{
			RestoreState:  cfg.System.RestoreState,
			AutoConnect:   cfg.System.AutoConnect,
			AutoReconnect: cfg.System.AutoReconnect,
		}
	}

	if _, err := db.GetMQTTConfig(); errors.Is(err, store.ErrNotFound) && cfg.MQTT.Broker != "" {
		seed := &store.MQTTConfig{
			Protocol:     cfg.MQTT.Protocol,
			Broker:       cfg.MQTT.Broker,
			Port:         cfg.MQTT.Port,
			Path:         cfg.MQTT.Path,
			ClientID:     cfg.MQTT.ClientID,
			Username:     cfg.MQTT.Username,
			Password:     cfg.MQTT.Password,
			TopicControl: cfg.MQTT.TopicControl,
			TopicStatus:  cfg.MQTT.TopicStatus,
		}
		if err := db.SaveMQTTConfig(seed); err != nil {
			logger.Error("seed mqtt config", "err", err)
		} else {
			logger.Info("seeded broker settings from config file", "broker", cfg.MQTT.Broker)
		}
	}

	return *sys
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "mqtt-home.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.Protocol == "" {
		cfg.MQTT.Protocol = "wss"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 8081
	}
	if cfg.MQTT.Path == "" {
		cfg.MQTT.Path = "/mqtt"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "mqtt-home"
	}
	if cfg.MQTT.TopicControl == "" {
		cfg.MQTT.TopicControl = "home/light/control"
	}
	if cfg.MQTT.TopicStatus == "" {
		cfg.MQTT.TopicStatus = "home/light/status"
	}
	if cfg.System.RestoreState == "" {
		cfg.System.RestoreState = store.FlagYes
	}
	if cfg.System.AutoConnect == "" {
		cfg.System.AutoConnect = store.FlagNo
	}
	if cfg.System.AutoReconnect == "" {
		cfg.System.AutoReconnect = store.FlagYes
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
