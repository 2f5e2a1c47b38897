package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgate/internal/browser"
	"agentgate/internal/config"
	"agentgate/internal/confirm"
	"agentgate/internal/domain"
	"agentgate/internal/metrics"
	"agentgate/internal/notify"
	"agentgate/internal/research"
	"agentgate/internal/runtime"
	"agentgate/internal/server"
	"agentgate/internal/store"
	"agentgate/internal/stream"
	"agentgate/internal/tool"
	"agentgate/internal/trust"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "agentgate",
		Short: "agentgate: human-in-the-loop execution gate for agent tool calls",
		Long:  "agentgate runs agent sessions behind a trust policy: risky tool calls block on human confirmation and every decision is audited.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.agentgate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(auditCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the execution gate server",
		Long:  "Starts the HTTP API, session runtime, confirmation broker and optional Telegram notifier. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
		cfg.General.Workspace = config.ExpandPath(cfg.General.Workspace)
		cfg.Storage.DBPath = config.ExpandPath(cfg.Storage.DBPath)
	}

	logger, err = buildLogger(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	table := trust.DefaultTable()
	if cfg.Trust.TablePath != "" {
		table, err = trust.LoadTable(cfg.Trust.TablePath)
		if err != nil {
			return fmt.Errorf("load classification table: %w", err)
		}
	}

	grants := trust.NewGrants()
	engine := trust.NewEngine(table, st, grants, trustDefaults(cfg), logger)
	broker := confirm.NewBroker(st, engine, grants, logger)
	events := stream.NewBroker(logger)
	m := metrics.New()

	if cfg.Notify.Telegram.Enabled {
		tg := notify.NewTelegram(notify.Config{
			Token:     cfg.Notify.Telegram.Token,
			ChatID:    cfg.Notify.Telegram.ChatID,
			AllowFrom: cfg.Notify.Telegram.AllowFrom,
			Logger:    logger,
		}, broker)
		broker.AddNotifier(tg)
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram notifier error", "err", err)
			}
		}()
		logger.Info("telegram notifier enabled")
	}

	manager := runtime.NewManager(runtime.Deps{
		Store:    st,
		Engine:   engine,
		Confirms: broker,
		Registry: buildRegistry(cfg),
		Events:   events,
		Grants:   grants,
		Metrics:  m,
		Logger:   logger,
	}, runtime.Config{
		ConfirmTTL:  time.Duration(cfg.Confirm.TTLSeconds) * time.Second,
		ToolTimeout: time.Duration(cfg.Tools.TimeoutSeconds) * time.Second,
		QueueSize:   cfg.Tools.QueueSize,
	})

	tracker := research.NewTracker(domain.DepthConfig{
		SimilarityThreshold: cfg.Research.SimilarityThreshold,
		Window:              cfg.Research.Window,
		BatchSize:           cfg.Research.BatchSize,
		MaxDepth:            cfg.Research.MaxDepth,
	}, logger)

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Version:         version,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
	}, server.Deps{
		Sessions: manager,
		Confirms: broker,
		Engine:   engine,
		Store:    st,
		SSE:      stream.NewSSE(events, logger),
		Research: tracker,
		Metrics:  m,
		Logger:   logger,
	})

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "err", err)
	}
	logger.Info("shutdown complete")
	return serveErr
}

// buildRegistry creates and registers all tools.
func buildRegistry(cfg *config.Config) *tool.Registry {
	reg := tool.NewRegistry(logger)
	reg.Register(tool.NewShellTool(tool.ShellConfig{
		WorkingDir:     cfg.General.Workspace,
		TimeoutSeconds: cfg.Tools.Shell.Timeout,
		MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
	}))
	reg.Register(tool.NewReadFileTool(cfg.General.Workspace))
	reg.Register(tool.NewWriteFileTool(cfg.General.Workspace))
	reg.Register(tool.NewDeleteFileTool(cfg.General.Workspace))
	reg.Register(tool.NewListDirTool(cfg.General.Workspace))
	reg.Register(tool.NewWebSearchTool())
	reg.Register(tool.NewHTTPFetchTool())

	if cfg.Tools.Browser.Enabled {
		bridge := browser.NewBridge(browser.BridgeConfig{
			ProfileDir: cfg.Tools.Browser.ProfileDir,
			Headless:   cfg.Tools.Browser.Headless,
			Logger:     logger,
		})
		reg.Register(tool.NewBrowserReadTool(bridge))
	}
	return reg
}

// trustDefaults maps the config trust section onto the workspace defaults
// applied to workspaces that were never customized.
func trustDefaults(cfg *config.Config) domain.TrustConfig {
	d := domain.TrustConfig{
		Enabled:          cfg.Trust.Enabled,
		AutoApproveLevel: domain.RiskLevel(cfg.Trust.AutoApproveLevel),
	}
	for _, c := range cfg.Trust.PreAuthorized {
		d.PreAuthorized = append(d.PreAuthorized, domain.OperationCategory(c))
	}
	for _, c := range cfg.Trust.Blacklist {
		d.Blacklist = append(d.Blacklist, domain.OperationCategory(c))
	}
	for _, c := range cfg.Trust.ApproveOnTimeout {
		d.ApproveOnTimeout = append(d.ApproveOnTimeout, domain.OperationCategory(c))
	}
	return d
}

func buildLogger(cfg *config.Config) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("server", "host", cfg.Server.Host, "port", cfg.Server.Port)
			logger.Info("trust", "enabled", cfg.Trust.Enabled, "autoApproveLevel", cfg.Trust.AutoApproveLevel)

			if _, err := os.Stat(cfg.Storage.DBPath); err == nil {
				logger.Info("storage", "db", cfg.Storage.DBPath, "exists", true)
			} else {
				logger.Info("storage", "db", cfg.Storage.DBPath, "exists", false)
			}
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	var workspace string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit log entries for a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			st, err := store.NewSQLiteStore(cfg.Storage.DBPath, logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			entries, err := st.ListAudit(cmd.Context(), workspace, limit, offset)
			if err != nil {
				return err
			}
			for _, e := range entries {
				line, _ := json.Marshal(e)
				fmt.Println(string(line))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "default", "workspace id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. trust.autoApproveLevel)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. trust.autoApproveLevel medium)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
