package mail

import (
	"context"
	"fmt"

	"github.com/emersion/go-message"
	// Registers decoders for non-UTF-8 header charsets.
	_ "github.com/emersion/go-message/charset"
	msgmail "github.com/emersion/go-message/mail"
	"github.com/taskmail/taskmail/internal/models"
)

// POP3Poller lists recent messages using the POP3 count/index model.
// POP3 has no envelope-only fetch, so every listed message is downloaded in full.
type POP3Poller struct {
	sessions *SessionManager
	target   Target[IndexSession]
	window   int
}

// NewPOP3Poller creates a poller for the maildrop on endpoint.
func NewPOP3Poller(sessions *SessionManager, endpoint Endpoint, connect Connector[IndexSession], window int) *POP3Poller {
	if window <= 0 || window > DefaultWindow {
		window = DefaultWindow
	}
	return &POP3Poller{
		sessions: sessions,
		target: Target[IndexSession]{
			Role:     RolePOP3,
			Endpoint: endpoint,
			Connect:  connect,
		},
		window: window,
	}
}

// Poll returns summaries for the first min(window, count) messages of the
// maildrop. A failure on any message discards the whole result.
func (p *POP3Poller) Poll(ctx context.Context) ([]models.MessageSummary, error) {
	var summaries []models.MessageSummary

	err := WithSession(ctx, p.sessions, p.target, "fetch", func(ctx context.Context, s IndexSession) error {
		count, err := s.Count()
		if err != nil {
			return err
		}

		n := min(p.window, count)
		summaries = make([]models.MessageSummary, 0, n)
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			entity, err := s.Retrieve(i)
			if err != nil {
				return err
			}
			summaries = append(summaries, entitySummary(entity))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return summaries, nil
}

func entitySummary(entity *message.Entity) models.MessageSummary {
	header := msgmail.Header{Header: entity.Header}

	var summary models.MessageSummary
	if subject, err := header.Subject(); err == nil {
		summary.Subject = subject
	} else {
		summary.Subject = header.Get("Subject")
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		summary.From = formatMailAddress(from[0])
	} else {
		summary.From = header.Get("From")
	}

	// An unparseable date is reported as the zero time rather than failing the poll.
	if date, err := header.Date(); err == nil {
		summary.Date = date
	}

	return summary
}

func formatMailAddress(address *msgmail.Address) string {
	if address.Name != "" {
		return fmt.Sprintf("%s <%s>", address.Name, address.Address)
	}
	return address.Address
}
