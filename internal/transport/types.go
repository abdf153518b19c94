package transport

import (
	"context"
	"time"
)

// Event is one inbound message from a monitored conversation, normalized
// away from the platform SDK. It is ephemeral: it exists only in transit
// through the pipeline.
type Event struct {
	ChatID     int64
	MessageID  int
	SenderID   int64
	SenderName string
	Text       string
	At         time.Time
}

// SendRequest is a platform send: a reply in a chat.
type SendRequest struct {
	ChatID  int64
	ReplyTo int // source message id to reply to; 0 for a plain message
	Text    string
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Source yields inbound events for all monitored conversations.
// At-least-once delivery is assumed; the listener's dedup handles redelivery.
type Source interface {
	Start(ctx context.Context, out chan<- Event) error
	Stop(ctx context.Context) error
}

// Sender performs the platform send call.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (MessageRef, error)
}
