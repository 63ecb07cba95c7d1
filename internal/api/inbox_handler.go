package api

import (
	"context"
	"net/http"

	"github.com/taskmail/taskmail/internal/models"
)

// InboxPoller lists recent message summaries from a remote mailbox.
type InboxPoller interface {
	Poll(ctx context.Context) ([]models.MessageSummary, error)
}

// InboxHandler exposes the two mailbox pollers.
type InboxHandler struct {
	imap   InboxPoller
	pop3   InboxPoller
	redact bool
}

// NewInboxHandler creates a new InboxHandler instance.
func NewInboxHandler(imapPoller, pop3Poller InboxPoller, redactErrors bool) *InboxHandler {
	return &InboxHandler{
		imap:   imapPoller,
		pop3:   pop3Poller,
		redact: redactErrors,
	}
}

// CheckIMAP returns recent INBOX summaries read over IMAP.
func (h *InboxHandler) CheckIMAP(w http.ResponseWriter, r *http.Request) {
	h.poll(w, r, h.imap)
}

// CheckPOP3 returns recent maildrop summaries read over POP3.
func (h *InboxHandler) CheckPOP3(w http.ResponseWriter, r *http.Request) {
	h.poll(w, r, h.pop3)
}

func (h *InboxHandler) poll(w http.ResponseWriter, r *http.Request, poller InboxPoller) {
	summaries, err := poller.Poll(r.Context())
	if err != nil {
		writeMailError(w, err, h.redact)
		return
	}
	if summaries == nil {
		summaries = []models.MessageSummary{}
	}

	WriteJSONResponse(w, http.StatusOK, summaries)
}
