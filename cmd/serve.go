package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/loom/internal/agent"
	"github.com/nextlevelbuilder/loom/internal/blob"
	"github.com/nextlevelbuilder/loom/internal/config"
	"github.com/nextlevelbuilder/loom/internal/httpapi"
	"github.com/nextlevelbuilder/loom/internal/janitor"
	"github.com/nextlevelbuilder/loom/internal/mcp"
	"github.com/nextlevelbuilder/loom/internal/providers"
	"github.com/nextlevelbuilder/loom/internal/sandbox"
	"github.com/nextlevelbuilder/loom/internal/sse"
	"github.com/nextlevelbuilder/loom/internal/store/sqlite"
	"github.com/nextlevelbuilder/loom/internal/tools"
	"github.com/nextlevelbuilder/loom/internal/tracing"
)

var useTailscale bool

func serveCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the loom server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	c.Flags().BoolVar(&useTailscale, "tailscale", false, "serve over a tailnet via tsnet instead of a TCP address")
	return c
}

func runServe() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if useTailscale {
		cfg.Server.Tailscale.Enabled = true
	}

	level := new(slog.LevelVar)
	level.Set(parseLogLevel(cfg.Log.Level))
	if verbose {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		logger.Warn("tracing init failed, continuing without export", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(shutdownCtx)
		}()
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		logger.Error("create data dir", "dir", cfg.Data.Dir, "error", err)
		os.Exit(1)
	}
	db, err := sqlite.Open(cfg.Data.DBPath())
	if err != nil {
		logger.Error("open database", "path", cfg.Data.DBPath(), "error", err)
		os.Exit(1)
	}
	defer db.Close()
	stores := db.Stores()

	blobs, err := blob.Open(cfg.Data.BlobDir())
	if err != nil {
		logger.Error("open blob store", "dir", cfg.Data.BlobDir(), "error", err)
		os.Exit(1)
	}

	registry := providers.NewRegistry(stores.Accounts, cfg.Gemini.ClientID, cfg.Gemini.ClientSecret, logger)
	toolReg := tools.NewRegistry(logger)
	registerTools(toolReg, cfg, logger)

	hub := sse.NewHub(logger)
	sandboxes := sandbox.NewManager(cfg.Data.SessionsDir())

	engine := agent.NewEngine(agent.Config{
		Stores:            stores,
		Hub:               hub,
		Tools:             toolReg,
		LLM:               registry,
		Registry:          registry,
		Sandboxes:         sandboxes,
		Blobs:             blobs,
		Logger:            logger,
		DefaultModel:      cfg.Models.Default,
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		HistoryLimit:      cfg.Agent.HistoryLimit,
	})

	mcpMgr := mcp.NewManager(toolReg, stores.MCP, logger)
	if err := mcpMgr.Start(ctx); err != nil {
		logger.Warn("mcp startup failed", "error", err)
	}
	defer mcpMgr.Stop()

	ttl, err := time.ParseDuration(cfg.Janitor.TempSessionTTL)
	if err != nil {
		logger.Warn("invalid temp session ttl, using 24h", "value", cfg.Janitor.TempSessionTTL)
		ttl = 24 * time.Hour
	}
	jan := janitor.New(janitor.Config{
		Schedule:       cfg.Janitor.Schedule,
		TempSessionTTL: ttl,
	}, stores, blobs, sandboxes, logger)
	go jan.Run(ctx)

	// Live config reload covers the log level; structural settings
	// need a restart.
	err = config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
		level.Set(parseLogLevel(next.Log.Level))
	})
	if err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	api := httpapi.NewServer(httpapi.Config{
		Engine:         engine,
		Stores:         stores,
		Hub:            hub,
		Blobs:          blobs,
		MCP:            mcpMgr,
		Models:         cfg.Models,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{Handler: api.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	var ln net.Listener
	if cfg.Server.Tailscale.Enabled {
		ts := &tsnet.Server{Hostname: cfg.Server.Tailscale.Hostname}
		defer ts.Close()
		ln, err = ts.Listen("tcp", ":80")
		if err != nil {
			logger.Error("tailscale listen failed", "error", err)
			os.Exit(1)
		}
		logger.Info("serving over tailnet", "hostname", cfg.Server.Tailscale.Hostname)
	} else {
		ln, err = net.Listen("tcp", cfg.Server.Addr())
		if err != nil {
			logger.Error("listen failed", "addr", cfg.Server.Addr(), "error", err)
			os.Exit(1)
		}
		logger.Info("serving", "addr", cfg.Server.Addr())
	}

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// registerTools wires the builtin tool set. MCP tools come and go with
// the manager; these are always present.
func registerTools(reg *tools.Registry, cfg *config.Config, logger *slog.Logger) {
	jobs := tools.NewJobManager(logger)
	builtin := []tools.Tool{
		&tools.ListDirectoryTool{},
		&tools.ReadFileTool{},
		&tools.WriteFileTool{},
		tools.NewRunShellCommandTool(jobs),
		&tools.PollShellCommandTool{},
		tools.NewKillShellCommandTool(jobs),
		tools.NewWebFetchTool(),
		tools.NewWriteTodoTool(),
		&tools.SubagentTool{},
	}
	if cfg.Image.APIKey != "" {
		builtin = append(builtin, tools.NewGenerateImageTool(tools.ImageBackend{
			APIBase: cfg.Image.APIBase,
			APIKey:  cfg.Image.APIKey,
			Model:   cfg.Image.Model,
		}))
	}
	for _, t := range builtin {
		if err := reg.Register(t); err != nil {
			logger.Warn("tool registration failed", "tool", t.Name(), "error", err)
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
