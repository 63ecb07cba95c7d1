package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Security selects how a connection is encrypted.
type Security string

const (
	// SecurityTLS negotiates TLS immediately after the TCP connect.
	SecurityTLS Security = "tls"
	// SecurityStartTLS connects in plaintext and upgrades before authenticating.
	SecurityStartTLS Security = "starttls"
	// SecurityNone leaves the connection unencrypted. Only meant for local test servers.
	SecurityNone Security = "none"
)

// ParseSecurity converts a configuration value into a Security mode.
func ParseSecurity(s string) (Security, error) {
	switch Security(strings.ToLower(strings.TrimSpace(s))) {
	case SecurityTLS:
		return SecurityTLS, nil
	case SecurityStartTLS:
		return SecurityStartTLS, nil
	case SecurityNone:
		return SecurityNone, nil
	default:
		return "", fmt.Errorf("unknown security mode %q", s)
	}
}

// Endpoint is a mail server address together with its security mode.
type Endpoint struct {
	Addr          string
	Security      Security
	TLSSkipVerify bool
}

// Host returns the host part of the endpoint address.
func (e Endpoint) Host() string {
	host, _, err := net.SplitHostPort(e.Addr)
	if err != nil {
		return e.Addr
	}
	return host
}

// Port returns the numeric port of the endpoint address.
func (e Endpoint) Port() (int, error) {
	_, port, err := net.SplitHostPort(e.Addr)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", e.Addr, err)
	}
	return strconv.Atoi(port)
}

func (e Endpoint) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         e.Host(),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: e.TLSSkipVerify, //nolint:gosec // opt-in for self-signed test servers
	}
}

// Credentials is the sender identity shared by all three roles.
type Credentials struct {
	Host           string
	Port           int
	SenderEmail    string
	SenderPassword string
	SenderName     string
}

// SubmissionEndpoint returns the SMTP endpoint described by the credentials.
func (c Credentials) SubmissionEndpoint(security Security, skipVerify bool) Endpoint {
	return Endpoint{
		Addr:          net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Security:      security,
		TLSSkipVerify: skipVerify,
	}
}

// Conn is a freshly connected, not yet authenticated mail session.
type Conn interface {
	Authenticate(username, password string) error
	Close() error
}

// aborter is implemented by sessions that can be torn down from another
// goroutine to unblock a hung read.
type aborter interface {
	Abort()
}

// Connector opens a connection for one role. It must not leave anything open
// when it returns an error.
type Connector[C Conn] func(ctx context.Context, ep Endpoint) (C, error)

// Target bundles everything needed to open a session for one role.
type Target[C Conn] struct {
	Role     Role
	Endpoint Endpoint
	Connect  Connector[C]
}

// SessionOptions bounds how long each session phase may take and how many
// sessions may be open at once.
type SessionOptions struct {
	ConnectTimeout   time.Duration
	AuthTimeout      time.Duration
	OperationTimeout time.Duration
	MaxSessions      int
}

// DefaultSessionOptions returns conservative limits for production use.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:   10 * time.Second,
		AuthTimeout:      10 * time.Second,
		OperationTimeout: 30 * time.Second,
		MaxSessions:      8,
	}
}

// SessionManager opens authenticated sessions and guarantees they are closed.
// It is safe for concurrent use; the only shared state is the session gate.
type SessionManager struct {
	opts  SessionOptions
	creds Credentials
	gate  *semaphore.Weighted
}

// NewSessionManager creates a manager that authenticates with creds.
func NewSessionManager(opts SessionOptions, creds Credentials) *SessionManager {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	return &SessionManager{
		opts:  opts,
		creds: creds,
		gate:  semaphore.NewWeighted(int64(opts.MaxSessions)),
	}
}

// Credentials returns the sender identity used by this manager.
func (m *SessionManager) Credentials() Credentials {
	return m.creds
}

// WithSession connects to target, authenticates and runs fn with the session.
// The session is closed exactly once on every path, including connect and
// authentication failures that happen after the connection was opened.
// All failures are returned as *TransportError.
func WithSession[C Conn](ctx context.Context, m *SessionManager, target Target[C], op string, fn func(ctx context.Context, s C) error) error {
	host := target.Endpoint.Addr
	logger := log.WithFields(log.Fields{
		"role": target.Role,
		"host": host,
		"op":   op,
	})

	fail := func(stage string, err error) error {
		logger.WithError(err).WithField("stage", stage).Warn("session_failed")
		var te *TransportError
		if errors.As(err, &te) {
			return te
		}
		return &TransportError{Role: target.Role, Host: host, Op: stage, Err: err}
	}

	if err := m.gate.Acquire(ctx, 1); err != nil {
		return fail("acquire", err)
	}
	defer m.gate.Release(1)

	connectCtx, cancelConnect := withTimeout(ctx, m.opts.ConnectTimeout)
	session, err := target.Connect(connectCtx, target.Endpoint)
	cancelConnect()
	if err != nil {
		return fail("connect", err)
	}
	logger.Info("session_connected")

	defer func() {
		// A server that stalls on QUIT/LOGOUT must not hold the gate.
		if a, ok := any(session).(aborter); ok && m.opts.ConnectTimeout > 0 {
			timer := time.AfterFunc(m.opts.ConnectTimeout, a.Abort)
			defer timer.Stop()
		}
		if err := session.Close(); err != nil {
			logger.WithError(err).Debug("session_close_failed")
		}
		logger.Info("session_closed")
	}()

	err = guard(ctx, m.opts.AuthTimeout, session, func(context.Context) error {
		return session.Authenticate(m.creds.SenderEmail, m.creds.SenderPassword)
	})
	if err != nil {
		return fail("authenticate", err)
	}
	logger.Info("session_authenticated")

	if err := guard(ctx, m.opts.OperationTimeout, session, func(opCtx context.Context) error {
		return fn(opCtx, session)
	}); err != nil {
		return fail(op, err)
	}

	return nil
}

// guard runs fn under a timeout. When the deadline passes or ctx is cancelled
// the session is aborted so that a blocked network read returns.
func guard(ctx context.Context, timeout time.Duration, session Conn, fn func(context.Context) error) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	if a, ok := session.(aborter); ok {
		stop := context.AfterFunc(ctx, a.Abort)
		defer stop()
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// dialContext opens a TCP connection and, for SecurityTLS, completes the TLS
// handshake. The connection carries ctx's deadline until the caller clears it.
func dialContext(ctx context.Context, ep Endpoint) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if ep.Security != SecurityTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, ep.tlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to dial with TLS: %w", err)
	}
	return tlsConn, nil
}
