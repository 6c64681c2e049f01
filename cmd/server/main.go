package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	havinciweb "github.com/havinci/havinci-web"
	"github.com/havinci/havinci-web/internal/handlers"
	"github.com/havinci/havinci-web/internal/services"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const errLoggerKey = "err"

var (
	version = "0.1.0"

	cfgFilePath string
	debugMode   bool
)

var rootCmd = &cobra.Command{
	Use:           "havinci-web",
	Short:         "Web chat client for the Havinci email assistant",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.Flags().StringVarP(&cfgFilePath, "config", "c", "", "Path to the YAML config file (default <user config dir>/havinci/config.yaml)")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	// A .env file is optional.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgDir = filepath.Join(cfgDir, "havinci")
	if cfgFilePath == "" {
		cfgFilePath = filepath.Join(cfgDir, "config.yaml")
	}

	cfg, err := loadConfig(cfgFilePath, cfgDir)
	if err != nil {
		return err
	}

	logger, logCloser, err := newLogger(cfg.Log, debugMode)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	secret := []byte(cfg.View.Secret)
	if len(secret) == 0 {
		logger.Warn("No view secret configured, generating one; views will not survive a restart")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("error generating view secret: %w", err)
		}
	}

	backend, err := services.NewHavinci(cfg.havinci(), logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0755); err != nil {
		return fmt.Errorf("error creating store directory: %w", err)
	}
	boltDB, err := services.NewBoltDB(cfg.StorePath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	m, err := handlers.NewMain(backend, boltDB, cfg.handlers(secret), logger)
	if err != nil {
		return err
	}

	staticFS, err := fs.Sub(havinciweb.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	r.Handle("/static/*", http.StripPrefix("/static/", fileServer))
	r.Get("/", m.HandleHome)
	r.Get("/login", m.HandleLogin)
	r.HandleFunc("/logout", m.HandleLogout)
	r.HandleFunc("/chat", m.HandleChat)
	r.Get("/transcript", m.HandleTranscript)
	r.Get("/sse", m.HandleSSE)

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	m.StartSweeper(sweepCtx, cfg.View.SweepInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		sweepCancel()
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown handlers", slog.String(errLoggerKey, err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("backend", cfg.Backend.BaseURL),
			slog.String("version", version))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
	return nil
}
