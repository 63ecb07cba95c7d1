package mail

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/taskmail/taskmail/internal/models"
)

// Notifier delivers task notifications over SMTP, one session per call.
type Notifier struct {
	sessions *SessionManager
	target   Target[SubmissionSession]
	now      func() time.Time
	newID    func() string
}

// NewNotifier creates a notifier that submits through endpoint.
func NewNotifier(sessions *SessionManager, endpoint Endpoint, connect Connector[SubmissionSession]) *Notifier {
	return &Notifier{
		sessions: sessions,
		target: Target[SubmissionSession]{
			Role:     RoleSubmission,
			Endpoint: endpoint,
			Connect:  connect,
		},
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Notify composes and sends one notification. It blocks until the server has
// accepted the message or the attempt failed; there is no retry.
// Callers must not pass an empty recipient.
func (n *Notifier) Notify(ctx context.Context, req models.NotificationRequest) error {
	creds := n.sessions.Credentials()
	logger := log.WithFields(log.Fields{
		"reason":    req.Reason,
		"recipient": req.RecipientAddress,
		"host":      n.target.Endpoint.Addr,
	})
	logger.Info("notify_started")

	msg := Compose(req, creds, n.now())
	raw, err := Render(msg, n.newID()+"@"+senderDomain(creds.SenderEmail))
	if err != nil {
		logger.WithError(err).Error("notify_failed")
		return &TransportError{Role: RoleSubmission, Host: n.target.Endpoint.Addr, Op: "compose", Err: err}
	}

	err = WithSession(ctx, n.sessions, n.target, "send", func(_ context.Context, s SubmissionSession) error {
		if err := s.Send(msg.FromAddress, []string{msg.ToAddress}, bytes.NewReader(raw)); err != nil {
			return err
		}
		logger.Info("notify_message_accepted")
		return nil
	})
	if err != nil {
		logger.WithError(err).Error("notify_failed")
		return err
	}

	logger.WithField("subject", msg.Subject).Info("notify_succeeded")
	return nil
}

func senderDomain(address string) string {
	if i := strings.LastIndex(address, "@"); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}
