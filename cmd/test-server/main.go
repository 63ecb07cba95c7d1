package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/taskmail/taskmail/internal/api"
	"github.com/taskmail/taskmail/internal/config"
	"github.com/taskmail/taskmail/internal/db"
	"github.com/taskmail/taskmail/internal/logging"
	"github.com/taskmail/taskmail/internal/mail"
	"github.com/taskmail/taskmail/internal/models"
	"github.com/taskmail/taskmail/internal/testutil"
	ws "github.com/taskmail/taskmail/internal/websocket"
)

const (
	testUser     = "tasks@example.com"
	testPassword = "test-password"
)

type mailServers struct {
	smtp *testutil.TestSMTPServer
	imap *testutil.TestIMAPServer
	pop3 *testutil.TestPOP3Server
}

func (s *mailServers) Close() {
	s.smtp.Close()
	s.imap.Close()
	s.pop3.Close()
}

func main() {
	logging.Setup("debug", "text", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers, err := startMailServers()
	if err != nil {
		log.Fatalf("Failed to start mail servers: %v", err)
	}
	defer servers.Close()

	if err := seedTestData(servers); err != nil {
		log.Fatalf("Failed to seed test data: %v", err)
	}

	dir, err := os.MkdirTemp("", "taskmail-test-server")
	if err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	cfg, err := testConfig(servers, filepath.Join(dir, "tasks.db"))
	if err != nil {
		log.Fatalf("Failed to build config: %v", err)
	}

	store, err := db.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := seedTasks(ctx, store); err != nil {
		log.Fatalf("Failed to seed tasks: %v", err)
	}

	handler, err := newHandler(cfg, store)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}

	if err := serve(ctx, ":"+cfg.Port, handler); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// startMailServers starts the SMTP, IMAP and POP3 test servers on fixed local
// ports so the frontend and E2E suite can point at them.
func startMailServers() (*mailServers, error) {
	smtpServer, err := testutil.StartSMTPServer("127.0.0.1:2525", testUser, testPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}

	imapServer, err := testutil.StartIMAPServer("127.0.0.1:1143", testUser, testPassword)
	if err != nil {
		smtpServer.Close()
		return nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}

	pop3Server, err := testutil.StartPOP3Server("127.0.0.1:1110", testUser, testPassword)
	if err != nil {
		smtpServer.Close()
		imapServer.Close()
		return nil, fmt.Errorf("failed to start test POP3 server: %w", err)
	}

	log.WithFields(log.Fields{
		"smtp": smtpServer.Address,
		"imap": imapServer.Address,
		"pop3": pop3Server.Address,
		"user": testUser,
	}).Info("mail_servers_started")

	return &mailServers{smtp: smtpServer, imap: imapServer, pop3: pop3Server}, nil
}

func seedTestData(servers *mailServers) error {
	messages := []struct {
		subject string
		from    string
		sentAt  time.Time
	}{
		{"Welcome to the task tracker", "sender@example.com", time.Now().Add(-2 * time.Hour)},
		{"Meeting Tomorrow", "Colleague <colleague@example.com>", time.Now().Add(-1 * time.Hour)},
		{"Special Report Q3", "reports@example.com", time.Now()},
	}

	for _, msg := range messages {
		if err := servers.imap.Deliver(msg.subject, msg.from, msg.sentAt); err != nil {
			return fmt.Errorf("failed to add message %q: %w", msg.subject, err)
		}
		servers.pop3.Deliver(msg.subject, msg.from, msg.sentAt)
	}

	return nil
}

func seedTasks(ctx context.Context, store *db.SQLiteStore) error {
	for _, title := range []string{"Write release notes", "Review pull requests"} {
		if err := store.CreateTask(ctx, &models.Task{Title: title}); err != nil {
			return err
		}
	}
	return nil
}

func testConfig(servers *mailServers, sqlitePath string) (*config.Config, error) {
	host, portStr, err := net.SplitHostPort(servers.smtp.Address)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	listenPort := os.Getenv("PORT")
	if listenPort == "" {
		listenPort = "8090"
	}

	return &config.Config{
		Environment:        "test",
		Port:               listenPort,
		SMTPHost:           host,
		SMTPPort:           port,
		SMTPSecurity:       "none",
		SenderEmail:        testUser,
		SenderPassword:     testPassword,
		SenderName:         "Task Tracker",
		IMAPAddr:           servers.imap.Address,
		IMAPSecurity:       "none",
		POP3Addr:           servers.pop3.Address,
		POP3Security:       "none",
		ConnectTimeout:     5 * time.Second,
		AuthTimeout:        5 * time.Second,
		OperationTimeout:   10 * time.Second,
		MaxSessions:        4,
		MailboxWindowSize:  5,
		DefaultInboxFolder: "INBOX",
		EventsMaxClients:   10,
		DBDriver:           config.DriverSQLite,
		SQLitePath:         sqlitePath,
	}, nil
}

func newHandler(cfg *config.Config, store api.TaskStore) (http.Handler, error) {
	components, err := mail.NewComponents(cfg)
	if err != nil {
		return nil, err
	}

	events := api.NewEventsHandler(ws.NewHub(cfg.EventsMaxClients))
	return api.NewRouter(
		api.NewTasksHandler(store, components.Notifier, events, cfg.RedactErrors),
		api.NewInboxHandler(components.IMAP, components.POP3, cfg.RedactErrors),
		events,
	), nil
}

func serve(ctx context.Context, address string, handler http.Handler) error {
	server := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	log.WithField("address", address).Info("test_server_ready")

	select {
	case <-ctx.Done():
		log.Info("test_server_shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}
}
