package testutil

import (
	"crypto/tls"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
)

// The memory backend ships with a single user under these credentials.
const (
	memoryUsername = "username"
	memoryPassword = "password"
)

// credentialBackend maps the configured credentials onto the memory backend's
// built-in user so tests can log in with any sender identity.
type credentialBackend struct {
	*memory.Backend
	username string
	password string
}

func (b *credentialBackend) Login(connInfo *imap.ConnInfo, username, password string) (backend.User, error) {
	if username != b.username || password != b.password {
		return nil, backend.ErrInvalidCredentials
	}
	return b.Backend.Login(connInfo, memoryUsername, memoryPassword)
}

// TestIMAPServer represents a test IMAP server instance.
type TestIMAPServer struct {
	Server  *server.Server
	Address string
	Backend *memory.Backend
	cleanup func()
}

// StartIMAPServer starts an in-memory IMAP server on addr that accepts only
// username/password. The INBOX starts empty.
func StartIMAPServer(addr, username, password string) (*TestIMAPServer, error) {
	return startIMAPServer(addr, username, password, nil)
}

// StartIMAPServerTLS is StartIMAPServer with implicit TLS on the listener.
func StartIMAPServerTLS(addr, username, password string, tlsConfig *tls.Config) (*TestIMAPServer, error) {
	return startIMAPServer(addr, username, password, tlsConfig)
}

func startIMAPServer(addr, username, password string, tlsConfig *tls.Config) (*TestIMAPServer, error) {
	be := memory.New()

	s := server.New(&credentialBackend{Backend: be, username: username, password: password})
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	go func() {
		// Serve returns once the server is closed.
		_ = s.Serve(listener)
	}()

	srv := &TestIMAPServer{
		Server:  s,
		Address: listener.Addr().String(),
		Backend: be,
		cleanup: func() { _ = s.Close() },
	}

	inbox, err := srv.inbox()
	if err != nil {
		srv.Close()
		return nil, err
	}
	inbox.Messages = nil

	return srv, nil
}

// NewTestIMAPServer starts an IMAP server on a random port and stops it when
// the test finishes.
func NewTestIMAPServer(t *testing.T, username, password string) *TestIMAPServer {
	t.Helper()

	s, err := StartIMAPServer("127.0.0.1:0", username, password)
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// NewTestIMAPServerTLS starts an implicit-TLS IMAP server with a self-signed
// certificate on a random port.
func NewTestIMAPServerTLS(t *testing.T, username, password string) *TestIMAPServer {
	t.Helper()

	tlsConfig, err := SelfSignedTLSConfig()
	if err != nil {
		t.Fatalf("Failed to create TLS config: %v", err)
	}
	s, err := StartIMAPServerTLS("127.0.0.1:0", username, password, tlsConfig)
	if err != nil {
		t.Fatalf("Failed to start IMAP server: %v", err)
	}
	t.Cleanup(s.Close)

	return s
}

// Close shuts down the test IMAP server.
func (s *TestIMAPServer) Close() {
	if s.cleanup != nil {
		s.cleanup()
	}
}

func (s *TestIMAPServer) inbox() (*memory.Mailbox, error) {
	user, err := s.Backend.Login(nil, memoryUsername, memoryPassword)
	if err != nil {
		return nil, fmt.Errorf("failed to log in to memory backend: %w", err)
	}
	mbox, err := user.GetMailbox("INBOX")
	if err != nil {
		return nil, fmt.Errorf("failed to get INBOX: %w", err)
	}
	inbox, ok := mbox.(*memory.Mailbox)
	if !ok {
		return nil, fmt.Errorf("unexpected mailbox type %T", mbox)
	}
	return inbox, nil
}

// AddMessage appends a plain-text message to the INBOX. Must be called before
// clients connect.
func (s *TestIMAPServer) AddMessage(t *testing.T, subject, from string, sentAt time.Time) {
	t.Helper()

	if err := s.Deliver(subject, from, sentAt); err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}
}

// Deliver appends a plain-text message to the INBOX.
func (s *TestIMAPServer) Deliver(subject, from string, sentAt time.Time) error {
	inbox, err := s.inbox()
	if err != nil {
		return err
	}

	body := []byte(RawMessage(subject, from, "tasks@example.com", sentAt))
	uid := uint32(len(inbox.Messages) + 1)
	inbox.Messages = append(inbox.Messages, &memory.Message{
		Uid:   uid,
		Date:  sentAt,
		Size:  uint32(len(body)),
		Flags: []string{},
		Body:  body,
	})
	return nil
}

// RawMessage builds a minimal RFC 5322 message.
func RawMessage(subject, from, to string, sentAt time.Time) string {
	return fmt.Sprintf("Message-ID: <%d.%s>\r\n"+
		"Date: %s\r\n"+
		"From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"Test message body.\r\n",
		sentAt.UnixNano(), "test@localhost", sentAt.Format(time.RFC1123Z), from, to, subject)
}
