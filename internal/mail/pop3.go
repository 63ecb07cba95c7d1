package mail

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-message"
	"github.com/knadh/go-pop3"
)

// IndexSession is a POP3 session: count the maildrop, then retrieve messages by index.
type IndexSession interface {
	Conn
	Count() (int, error)
	// Retrieve downloads the full message at the zero-based index.
	Retrieve(index int) (*message.Entity, error)
}

type pop3Session struct {
	conn *pop3.Conn
	raw  net.Conn
}

// endpointDialer lets go-pop3 dial through dialContext, so the TLS handshake
// and the greeting read are bounded by the connect deadline.
type endpointDialer struct {
	ctx  context.Context
	ep   Endpoint
	conn net.Conn
}

func (d *endpointDialer) Dial(_, _ string) (net.Conn, error) {
	conn, err := dialContext(d.ctx, d.ep)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	return conn, nil
}

// NewPOP3Connector returns a connector for the POP3 retrieval role.
func NewPOP3Connector() Connector[IndexSession] {
	return func(ctx context.Context, ep Endpoint) (IndexSession, error) {
		if ep.Security == SecurityStartTLS {
			return nil, fmt.Errorf("STARTTLS is not supported for POP3, use tls")
		}

		port, err := ep.Port()
		if err != nil {
			return nil, err
		}

		dialer := &endpointDialer{ctx: ctx, ep: ep}
		conn, err := pop3.New(pop3.Opt{
			Host:   ep.Host(),
			Port:   port,
			Dialer: dialer,
		}).NewConn()
		if err != nil {
			// NewConn does not close the connection when the greeting fails.
			if dialer.conn != nil {
				_ = dialer.conn.Close()
			}
			return nil, fmt.Errorf("failed to connect: %w", err)
		}

		_ = dialer.conn.SetDeadline(time.Time{})
		return &pop3Session{conn: conn, raw: dialer.conn}, nil
	}
}

func (s *pop3Session) Authenticate(username, password string) error {
	if err := s.conn.User(username); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := s.conn.Pass(password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

func (s *pop3Session) Count() (int, error) {
	count, _, err := s.conn.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat maildrop: %w", err)
	}
	return count, nil
}

func (s *pop3Session) Retrieve(index int) (*message.Entity, error) {
	// POP3 message numbers start at 1.
	raw, err := s.conn.RetrRaw(index + 1)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve message %d: %w", index+1, err)
	}

	entity, err := message.Read(raw)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message %d: %w", index+1, err)
	}
	return entity, nil
}

// Close sends QUIT and always releases the connection.
func (s *pop3Session) Close() error {
	err := s.conn.Quit()
	_ = s.raw.Close()
	return err
}

func (s *pop3Session) Abort() {
	_ = s.raw.Close()
}
