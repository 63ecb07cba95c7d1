package mail

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/taskmail/taskmail/internal/models"
)

// DefaultWindow is the number of summaries returned by a poll. Smaller
// windows are allowed, larger ones are clamped to it.
const DefaultWindow = 5

// IMAPPoller lists recent messages using the IMAP folder model.
type IMAPPoller struct {
	sessions *SessionManager
	target   Target[FolderSession]
	folder   string
	window   int
}

// NewIMAPPoller creates a poller that reads folder (usually INBOX) on endpoint.
func NewIMAPPoller(sessions *SessionManager, endpoint Endpoint, connect Connector[FolderSession], folder string, window int) *IMAPPoller {
	if folder == "" {
		folder = "INBOX"
	}
	if window <= 0 || window > DefaultWindow {
		window = DefaultWindow
	}
	return &IMAPPoller{
		sessions: sessions,
		target: Target[FolderSession]{
			Role:     RoleIMAP,
			Endpoint: endpoint,
			Connect:  connect,
		},
		folder: folder,
		window: window,
	}
}

// Poll returns at most window summaries in the order the server reports
// them. No sorting is applied, so the newest messages are not guaranteed.
// Either every summary is returned or an error is.
func (p *IMAPPoller) Poll(ctx context.Context) ([]models.MessageSummary, error) {
	summaries := make([]models.MessageSummary, 0, p.window)

	err := WithSession(ctx, p.sessions, p.target, "fetch", func(_ context.Context, s FolderSession) error {
		count, err := s.SelectReadOnly(p.folder)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddRange(1, count)

		return s.FetchEnvelopes(seqSet, func(env *imap.Envelope) {
			if len(summaries) >= p.window {
				return
			}
			summaries = append(summaries, envelopeSummary(env))
		})
	})
	if err != nil {
		return nil, err
	}

	return summaries, nil
}

func envelopeSummary(env *imap.Envelope) models.MessageSummary {
	summary := models.MessageSummary{
		Subject: env.Subject,
		Date:    env.Date,
	}
	if len(env.From) > 0 {
		summary.From = formatIMAPAddress(env.From[0])
	}
	return summary
}

func formatIMAPAddress(address *imap.Address) string {
	if address == nil {
		return ""
	}

	if address.MailboxName == "" && address.HostName == "" {
		return address.PersonalName
	}

	if address.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", address.PersonalName, address.MailboxName, address.HostName)
	}

	return fmt.Sprintf("%s@%s", address.MailboxName, address.HostName)
}
