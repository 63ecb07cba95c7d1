package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/taskmail/taskmail/internal/api"
	"github.com/taskmail/taskmail/internal/config"
	"github.com/taskmail/taskmail/internal/db"
	"github.com/taskmail/taskmail/internal/logging"
	"github.com/taskmail/taskmail/internal/mail"
	ws "github.com/taskmail/taskmail/internal/websocket"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer closeStore()

	handler, err := NewServer(cfg, store)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	address := ":" + cfg.Port
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(log.Fields{
		"address":     address,
		"environment": cfg.Environment,
		"db_driver":   cfg.DBDriver,
		"smtp_host":   cfg.SMTPAddr(),
		"imap_addr":   cfg.IMAPAddr,
		"pop3_addr":   cfg.POP3Addr,
	}).Info("server_starting")

	if err := Run(ctx, server); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Info("server_stopped")
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func Run(ctx context.Context, server *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return <-errCh
}

// OpenStore opens the task store selected by cfg.DBDriver and applies migrations.
// The returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config) (api.TaskStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		store, err := db.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("path", cfg.SQLitePath).Info("sqlite_store_opened")
		return store, closeQuietly(store), nil

	case config.DriverPostgres:
		pool, err := db.NewConnection(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			db.CloseConnection(pool)
			return nil, nil, err
		}
		log.WithField("host", cfg.DBHost).Info("postgres_store_opened")
		return db.NewPostgresStore(pool), func() { db.CloseConnection(pool) }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
}

func closeQuietly(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warn("store_close_failed")
		}
	}
}

// NewServer creates and returns a new HTTP handler for the task API server.
func NewServer(cfg *config.Config, store api.TaskStore) (http.Handler, error) {
	components, err := mail.NewComponents(cfg)
	if err != nil {
		return nil, err
	}

	eventsHandler := api.NewEventsHandler(ws.NewHub(cfg.EventsMaxClients))
	tasksHandler := api.NewTasksHandler(store, components.Notifier, eventsHandler, cfg.RedactErrors)
	inboxHandler := api.NewInboxHandler(components.IMAP, components.POP3, cfg.RedactErrors)

	return api.NewRouter(tasksHandler, inboxHandler, eventsHandler), nil
}
