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

	"github.com/kalambet/shortsd/internal/api"
	"github.com/kalambet/shortsd/internal/config"
	"github.com/kalambet/shortsd/internal/pipeline"
	"github.com/kalambet/shortsd/internal/render"
	"github.com/kalambet/shortsd/internal/source"
	"github.com/kalambet/shortsd/internal/storage"
	"github.com/kalambet/shortsd/internal/sweep"
	"github.com/kalambet/shortsd/internal/youtube"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shortsd daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running shortsd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "shortsd.pid")
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
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// scheduleFromConfig builds the initial schedule from file and env config.
func scheduleFromConfig(cfg config.Config) (pipeline.ScheduleConfig, error) {
	s := pipeline.DefaultSchedule()
	if cfg.Schedule.TimeOfDay != "" {
		s.TimeOfDay = cfg.Schedule.TimeOfDay
	}
	if cfg.Schedule.Timezone != "" {
		s.Timezone = cfg.Schedule.Timezone
	}
	if cfg.Schedule.Privacy != "" {
		s.Privacy = youtube.Privacy(cfg.Schedule.Privacy)
	}
	s.Enabled = cfg.Schedule.Enabled
	if err := s.Validate(); err != nil {
		return pipeline.ScheduleConfig{}, fmt.Errorf("invalid schedule config: %w", err)
	}
	return s, nil
}

// buildProvider wires the configured feeds and fallback pool.
func buildProvider(cfg config.Config, client *http.Client) (*source.Provider, error) {
	feeds, err := source.ParseFeeds(cfg.FeedList(), client)
	if err != nil {
		return nil, fmt.Errorf("parsing source.feeds: %w", err)
	}
	pool := source.DefaultPool()
	if cfg.Source.PoolPath != "" {
		pool, err = source.LoadPool(cfg.Source.PoolPath)
		if err != nil {
			return nil, fmt.Errorf("loading fallback pool: %w", err)
		}
	}
	return source.NewProvider(feeds, pool), nil
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "shortsd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if err := cfg.RequireYouTube(); err != nil {
		return err
	}
	schedule, err := scheduleFromConfig(cfg)
	if err != nil {
		return err
	}

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
			printWarning("shortsd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("shortsd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	store.SetCleanupGrace(cfg.SweepGrace())

	httpClient := &http.Client{Timeout: 30 * time.Second}
	provider, err := buildProvider(cfg, httpClient)
	if err != nil {
		return err
	}
	renderer := render.New(render.Config{
		Dir:    cfg.ArtifactDir(),
		FFmpeg: cfg.Render.FFmpeg,
		Font:   cfg.Render.Font,
	}, render.ExecRunner{})
	tokens := youtube.NewTokenSource(youtube.OAuthConfig{
		TokenURL:     cfg.YouTube.TokenURL,
		ClientID:     cfg.YouTube.ClientID,
		ClientSecret: cfg.YouTube.ClientSecret,
	}, store, httpClient)
	publisher := youtube.NewClient(cfg.YouTube.UploadURL, tokens, nil)
	publisher.SetUploadTimeout(cfg.UploadTimeout())

	orch := pipeline.New(pipeline.Deps{
		Source:    provider,
		Renderer:  renderer,
		Auth:      tokens,
		Publisher: publisher,
		Ledger:    store,
	}, schedule)
	sweeper := sweep.New(store, cfg.ArtifactDir(), cfg.SweepInterval())

	handler := api.NewControlHandler(api.ControlDeps{
		Controller:  orch,
		Credentials: tokens,
		Token:       apiToken,
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
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		// Commands are only served once interrupted runs are reconciled.
		select {
		case <-orch.Ready():
		case <-gctx.Done():
			return nil
		}
		fmt.Fprintf(os.Stderr, "shortsd listening on %s\n", addr)
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

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Controller: orch, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
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
		printError("shortsd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop shortsd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to shortsd (PID %d)", pid)
	return nil
}
