package mail

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SubmissionSession is an SMTP session able to transmit one message.
type SubmissionSession interface {
	Conn
	Send(from string, to []string, r io.Reader) error
}

type smtpSession struct {
	client *smtp.Client
	conn   net.Conn
}

// NewSMTPConnector returns a connector for the submission role.
// localName is sent in EHLO. STARTTLS connections always introduce
// themselves as localhost, since go-smtp sends that EHLO itself.
func NewSMTPConnector(localName string) Connector[SubmissionSession] {
	return func(ctx context.Context, ep Endpoint) (SubmissionSession, error) {
		conn, err := dialContext(ctx, ep)
		if err != nil {
			return nil, err
		}

		var c *smtp.Client
		if ep.Security == SecurityStartTLS {
			c, err = smtp.NewClientStartTLS(conn, ep.tlsConfig())
			if err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("failed to negotiate STARTTLS: %w", err)
			}
		} else {
			c = smtp.NewClient(conn)
			if err := c.Hello(localName); err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("failed to greet server: %w", err)
			}
		}

		_ = conn.SetDeadline(time.Time{})
		return &smtpSession{client: c, conn: conn}, nil
	}
}

func (s *smtpSession) Authenticate(username, password string) error {
	if err := s.client.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

func (s *smtpSession) Send(from string, to []string, r io.Reader) error {
	if err := s.client.SendMail(from, to, r); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close sends QUIT and falls back to dropping the connection if the server
// does not answer.
func (s *smtpSession) Close() error {
	if err := s.client.Quit(); err != nil {
		_ = s.client.Close()
		return err
	}
	return nil
}

func (s *smtpSession) Abort() {
	_ = s.conn.Close()
}
