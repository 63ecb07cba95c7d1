package mail

import (
	"fmt"

	"github.com/taskmail/taskmail/internal/config"
)

// Components holds the notifier and pollers built from one configuration.
// They share a single session manager and therefore one session gate.
type Components struct {
	Sessions *SessionManager
	Notifier *Notifier
	IMAP     *IMAPPoller
	POP3     *POP3Poller
}

// NewComponents builds the mail core from cfg.
func NewComponents(cfg *config.Config) (*Components, error) {
	smtpSecurity, err := ParseSecurity(cfg.SMTPSecurity)
	if err != nil {
		return nil, fmt.Errorf("smtp security: %w", err)
	}
	imapSecurity, err := ParseSecurity(cfg.IMAPSecurity)
	if err != nil {
		return nil, fmt.Errorf("imap security: %w", err)
	}
	pop3Security, err := ParseSecurity(cfg.POP3Security)
	if err != nil {
		return nil, fmt.Errorf("pop3 security: %w", err)
	}

	creds := Credentials{
		Host:           cfg.SMTPHost,
		Port:           cfg.SMTPPort,
		SenderEmail:    cfg.SenderEmail,
		SenderPassword: cfg.SenderPassword,
		SenderName:     cfg.SenderName,
	}

	opts := SessionOptions{
		ConnectTimeout:   cfg.ConnectTimeout,
		AuthTimeout:      cfg.AuthTimeout,
		OperationTimeout: cfg.OperationTimeout,
		MaxSessions:      cfg.MaxSessions,
	}
	sessions := NewSessionManager(opts, creds)

	imapEndpoint := Endpoint{Addr: cfg.IMAPAddr, Security: imapSecurity, TLSSkipVerify: cfg.TLSSkipVerify}
	pop3Endpoint := Endpoint{Addr: cfg.POP3Addr, Security: pop3Security, TLSSkipVerify: cfg.TLSSkipVerify}

	return &Components{
		Sessions: sessions,
		Notifier: NewNotifier(sessions, creds.SubmissionEndpoint(smtpSecurity, cfg.TLSSkipVerify), NewSMTPConnector("localhost")),
		IMAP:     NewIMAPPoller(sessions, imapEndpoint, NewIMAPConnector(cfg.OperationTimeout), cfg.DefaultInboxFolder, cfg.MailboxWindowSize),
		POP3:     NewPOP3Poller(sessions, pop3Endpoint, NewPOP3Connector(), cfg.MailboxWindowSize),
	}, nil
}
