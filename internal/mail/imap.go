package mail

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// FolderSession is an IMAP session: open a folder, then fetch envelopes from it.
type FolderSession interface {
	Conn
	// SelectReadOnly opens the folder without modifying flags and returns the
	// number of messages it holds.
	SelectReadOnly(folder string) (uint32, error)
	// FetchEnvelopes streams the envelopes of seqSet to fn in server order.
	FetchEnvelopes(seqSet *imap.SeqSet, fn func(*imap.Envelope)) error
}

type imapSession struct {
	client *client.Client
	conn   net.Conn
}

// NewIMAPConnector returns a connector for the IMAP retrieval role.
// commandTimeout bounds every individual IMAP command once connected.
func NewIMAPConnector(commandTimeout time.Duration) Connector[FolderSession] {
	return func(ctx context.Context, ep Endpoint) (FolderSession, error) {
		conn, err := dialContext(ctx, ep)
		if err != nil {
			return nil, err
		}

		c, err := client.New(conn)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to read greeting: %w", err)
		}

		if ep.Security == SecurityStartTLS {
			if err := c.StartTLS(ep.tlsConfig()); err != nil {
				_ = c.Terminate()
				return nil, fmt.Errorf("failed to negotiate STARTTLS: %w", err)
			}
		}

		_ = conn.SetDeadline(time.Time{})
		c.Timeout = commandTimeout
		return &imapSession{client: c, conn: conn}, nil
	}
}

func (s *imapSession) Authenticate(username, password string) error {
	if err := s.client.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

func (s *imapSession) SelectReadOnly(folder string) (uint32, error) {
	status, err := s.client.Select(folder, true)
	if err != nil {
		return 0, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	return status.Messages, nil
}

func (s *imapSession) FetchEnvelopes(seqSet *imap.SeqSet, fn func(*imap.Envelope)) error {
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)

	go func() {
		done <- s.client.Fetch(seqSet, []imap.FetchItem{imap.FetchEnvelope}, messages)
	}()

	// The channel must be drained completely or Fetch never returns.
	for msg := range messages {
		if msg.Envelope != nil {
			fn(msg.Envelope)
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	return s.client.Logout()
}

func (s *imapSession) Abort() {
	_ = s.client.Terminate()
}
