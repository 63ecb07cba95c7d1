package models

import "time"

// Reason labels the event that triggered a notification.
type Reason string

const (
	ReasonCreated  Reason = "created"
	ReasonUpdated  Reason = "updated"
	ReasonReminder Reason = "reminder"
)

// NotificationRequest describes one notification to deliver.
// It is built per call and never persisted.
type NotificationRequest struct {
	TaskTitle        string
	RecipientAddress string
	Reason           Reason
}

// OutboundMessage is a composed notification, ready to be rendered and sent.
type OutboundMessage struct {
	FromName    string
	FromAddress string
	ToAddress   string
	Subject     string
	BodyText    string
	SentAt      time.Time
}

// MessageSummary is the metadata returned by the inbox endpoints.
// Field names are serialized as-is to keep the response shape stable.
type MessageSummary struct {
	Subject string    `json:"Subject"`
	From    string    `json:"From"`
	Date    time.Time `json:"Date"`
}
