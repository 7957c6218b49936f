// Command voicesearch is a terminal voice search client: press Enter to
// start speaking, Enter again to search, q to quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/voicesearch/internal/history"
	"github.com/vango-go/voicesearch/pkg/config"
	"github.com/vango-go/voicesearch/pkg/metrics"
)

type cliDeps struct {
	loadConfig  func(path string) (*config.Config, error)
	openHistory func(ctx context.Context, dsn string) (*pgxpool.Pool, error)
	newApp      func(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (controller, error)
}

func defaultDeps() cliDeps {
	return cliDeps{
		loadConfig:  config.Load,
		openHistory: history.Open,
		newApp:      buildController,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps cliDeps) int {
	flags := flag.NewFlagSet("voicesearch", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "Path to config file (yaml/json); also reads VOICESEARCH_CONFIG")
	envFile := flags.String("env-file", ".env", "Dotenv file loaded before configuration (missing file is ignored)")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(stderr, "voicesearch: %v\n", err)
		return 1
	}

	cfg, err := deps.loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "voicesearch: %v\n", err)
		return 1
	}
	logger := setupLogger(cfg, stderr)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger, stdin, stdout, deps); err != nil {
		fmt.Fprintf(stderr, "voicesearch: %v\n", err)
		return 1
	}
	return 0
}

// loadEnvFile loads KEY=VALUE pairs without overriding variables that are
// already set.
func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdin io.Reader, stdout io.Writer, deps cliDeps) error {
	m := metrics.New("")
	ctrl, err := deps.newApp(cfg, logger, m)
	if err != nil {
		return err
	}

	var recorder *history.Recorder
	if cfg.DatabaseURL != "" {
		pool, err := deps.openHistory(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		recorder = history.NewRecorder(history.NewStore(pool), cfg.HistoryPartial, logger)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.MetricsAddr != "" {
		srv := buildMetricsServer(cfg.MetricsAddr, m.Handler())
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	stopRender := make(chan struct{})
	g.Go(func() error {
		renderLoop(stopRender, ctrl.Events(), stdout, recorder, logger)
		return nil
	})
	g.Go(func() error {
		defer close(stopRender)
		defer cancel()
		err := commandLoop(gctx, readLines(gctx, stdin), ctrl, stdout)
		if cerr := ctrl.Close(); cerr != nil {
			logger.Warn("close session failed", "error", cerr)
		}
		return err
	})

	return g.Wait()
}

// readLines feeds stdin lines to a channel so the command loop can also
// watch for cancellation. The reader goroutine ends at EOF; a read blocked
// on a terminal outlives ctx until the process exits.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func buildMetricsServer(addr string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
