package mail

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/taskmail/taskmail/internal/models"
)

const (
	// creationMarker decides the status line: any reason containing it is a new task.
	creationMarker = "created"

	StatusNew     = "New"
	StatusUpdated = "Updated"

	// TimestampLayout is the format of the "Sent at" line.
	TimestampLayout = "2006-01-02 15:04:05 MST"
)

// Compose builds the notification for req. It performs no I/O and, for equal
// inputs, always returns an equal message.
func Compose(req models.NotificationRequest, creds Credentials, sentAt time.Time) models.OutboundMessage {
	var body strings.Builder
	fmt.Fprintf(&body, "Task: %s\n", req.TaskTitle)
	fmt.Fprintf(&body, "Status: %s\n", StatusFor(req.Reason))
	fmt.Fprintf(&body, "Sent at: %s\n", sentAt.Format(TimestampLayout))

	return models.OutboundMessage{
		FromName:    creds.SenderName,
		FromAddress: creds.SenderEmail,
		ToAddress:   req.RecipientAddress,
		Subject:     fmt.Sprintf("%s: %s", req.Reason, req.TaskTitle),
		BodyText:    body.String(),
		SentAt:      sentAt,
	}
}

// StatusFor returns the status line value for a reason label.
func StatusFor(reason models.Reason) string {
	if strings.Contains(string(reason), creationMarker) {
		return StatusNew
	}
	return StatusUpdated
}

// Render encodes msg as an RFC 5322 plain-text message.
func Render(msg models.OutboundMessage, messageID string) ([]byte, error) {
	part, err := enmime.Builder().
		From(msg.FromName, msg.FromAddress).
		To("", msg.ToAddress).
		Subject(msg.Subject).
		Date(msg.SentAt).
		Header("Message-ID", "<"+messageID+">").
		Text([]byte(msg.BodyText)).
		Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	var buf bytes.Buffer
	if err := part.Encode(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return buf.Bytes(), nil
}
