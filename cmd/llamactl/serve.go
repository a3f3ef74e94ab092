package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/llamactl/internal/api"
	"github.com/kalambet/llamactl/internal/artifact"
	"github.com/kalambet/llamactl/internal/catalog"
	"github.com/kalambet/llamactl/internal/config"
	"github.com/kalambet/llamactl/internal/download"
	"github.com/kalambet/llamactl/internal/engine"
	"github.com/kalambet/llamactl/internal/session"
	"github.com/kalambet/llamactl/internal/storage"
	"github.com/kalambet/llamactl/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the llamactl daemon (foreground)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		load, _ := cmd.Flags().GetString("load")
		autoLoad := cmd.Flags().Changed("load")
		return runServer(autoLoad, load)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running llamactl daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	serveCmd.Flags().String("load", "", "load an artifact on start (empty: the configured default)")
	serveCmd.Flags().Lookup("load").NoOptDefVal = " "
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "llamactl.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// autoLoadKey picks the artifact for serve --load: the flag value, then the
// configured default, then the first catalog entry.
func autoLoadKey(flag, configured string, cat *catalog.Catalog) (string, bool) {
	if k := strings.TrimSpace(flag); k != "" {
		return k, true
	}
	if configured != "" {
		return configured, true
	}
	if d, ok := cat.Default(); ok {
		return d.Filename, true
	}
	return "", false
}

func runServer(autoLoad bool, load string) error {
	fmt.Fprintf(os.Stderr, "llamactl version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("llamactl is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("llamactl is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, err := engine.Detect(engine.DetectConfig{
		Backend:     cfg.Engine.Backend,
		BaseURL:     cfg.Engine.BaseURL,
		TokenBudget: cfg.Engine.TokenBudget,
	})
	if err != nil {
		return fmt.Errorf("detecting inference engine: %w", err)
	}
	if err := engine.EnsureReady(ctx, loader, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	artifacts, err := artifact.Open(cfg.Storage.ModelsDir)
	if err != nil {
		return fmt.Errorf("opening model directory: %w", err)
	}
	cat := catalog.New(catalog.Defaults())
	orch := session.New(session.Config{
		Catalog: cat,
		Store:   artifacts,
		Fetcher: download.New(artifacts, download.WithPresenceMarker(cat)),
		Loader:  loader,
	})

	metrics := telemetry.NewMetrics()
	recorder := telemetry.NewRecorder(orch, store, metrics)

	handler := api.NewHandler(api.Deps{
		Session: orch,
		Ledger:  store,
		Metrics: metrics.Handler(),
		Token:   apiToken,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return recorder.Run(gctx)
	})
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "llamactl listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Session: orch, Ledger: store, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		// Not part of the group: a blocked stdin read must not hold up shutdown.
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	if autoLoad {
		if key, ok := autoLoadKey(load, cfg.Download.DefaultArtifact, cat); ok {
			if err := orch.RequestLoad(key); err != nil {
				slog.Warn("auto-load failed", "artifact", key, "error", err)
			} else {
				slog.Info("auto-load requested", "artifact", key)
			}
		}
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("llamactl is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop llamactl (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to llamactl (PID %d)", pid)
	return nil
}
