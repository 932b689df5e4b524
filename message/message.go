// Package message implements the outbound message pipeline for the chat
// client: local message construction, the pending/sent/failed lifecycle,
// and local-to-server identifier reconciliation.
//
// Example:
//
//	factory := message.NewFactory()
//	msg := factory.NewText(conversationID, "Hello!", sender)
//	controller.Track(msg)
//	controller.Send(msg.LocalID)
package message

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of message content.
type Type string

const (
	// TypeText is a plain text message.
	TypeText Type = "text"
	// TypeMedia is a message carrying uploaded media.
	TypeMedia Type = "media"
	// TypeSystem is a system-generated notice.
	TypeSystem Type = "system"
)

// Status represents the delivery status of a message. A message holds exactly
// one status at a time.
type Status string

const (
	// StatusPending means the message is displayed locally but not yet persisted.
	StatusPending Status = "pending"
	// StatusSent means the server has persisted the message.
	StatusSent Status = "sent"
	// StatusFailed means persistence failed; the error is attached to the message.
	StatusFailed Status = "failed"
)

// ErrorKind classifies a persistence failure so the UI can choose between
// offering retry, prompting re-authentication, or reporting a rejected input.
type ErrorKind string

const (
	// ErrorKindNone means the message has no failure attached.
	ErrorKindNone ErrorKind = ""
	// ErrorKindValidation is a pre-network rejection of the input.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindTransport is a network failure; retry may succeed.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindServer is a non-2xx server response.
	ErrorKindServer ErrorKind = "server"
	// ErrorKindAuth is a rejected credential. Never retryable: the UI must
	// prompt for re-authentication instead.
	ErrorKindAuth ErrorKind = "auth"
)

// MediaInfo describes an uploaded (or uploading) media attachment.
type MediaInfo struct {
	URL       string            `json:"url"`
	Name      string            `json:"name"`
	MimeType  string            `json:"mime_type"`
	SizeBytes int64             `json:"size_bytes"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Content is the type-discriminated message payload. Text messages populate
// Text; media messages populate MediaInfo and may carry an optional caption
// in Text.
type Content struct {
	Text      string     `json:"text,omitempty"`
	MediaInfo *MediaInfo `json:"media_info,omitempty"`
}

// Sender identifies the message author.
type Sender struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Message is a chat message as held by the client. Until the server assigns
// a canonical ID, ID equals LocalID. LocalID is cleared when the server ID is
// adopted; the ReconciliationStore keeps the mapping so UI list keys remain
// stable across the swap.
type Message struct {
	ID             string    `json:"id"`
	LocalID        string    `json:"local_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	Type           Type      `json:"type"`
	Content        Content   `json:"content"`
	Sender         Sender    `json:"sender"`
	Timestamp      time.Time `json:"timestamp"`
	CreatedAt      time.Time `json:"created_at"`
	Status         Status    `json:"status"`
	CanRetry       bool      `json:"can_retry"`
	CanDelete      bool      `json:"can_delete"`
	CanRecall      bool      `json:"can_recall"`
	Error          string    `json:"error,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`

	// retryable marks whether a persistence failure of this message may be
	// retried by the user. Text messages are retryable; a media message is
	// not retryable while its upload is still in flight.
	retryable bool

	// sentAt records when the message entered StatusSent, for the recall window.
	sentAt time.Time
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Factory constructs ephemeral local messages. Construction is pure: no
// network I/O, and repeated calls never produce duplicate identifiers.
type Factory struct {
	timeProvider TimeProvider
}

// NewFactory creates a message factory.
func NewFactory() *Factory {
	return &Factory{timeProvider: DefaultTimeProvider{}}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (f *Factory) SetTimeProvider(tp TimeProvider) {
	f.timeProvider = tp
}

// NewText creates a pending text message with a fresh local identifier.
// Text messages are retryable on persistence failure.
func (f *Factory) NewText(conversationID, text string, sender Sender) *Message {
	msg := f.newPending(conversationID, TypeText, sender)
	msg.Content = Content{Text: text}
	msg.retryable = true
	return msg
}

// NewMedia creates a pending media message with a fresh local identifier.
// The caller supplies placeholder or final media info. Media messages are not
// retryable while the upload is in flight; retry applies to the save step
// after the upload succeeds (see SetRetryable).
func (f *Factory) NewMedia(conversationID, caption string, info MediaInfo, sender Sender) *Message {
	msg := f.newPending(conversationID, TypeMedia, sender)
	msg.Content = Content{Text: caption, MediaInfo: &info}
	msg.retryable = false
	return msg
}

// NewSystem creates a pending system notice.
func (f *Factory) NewSystem(conversationID, text string) *Message {
	msg := f.newPending(conversationID, TypeSystem, Sender{ID: "system", Type: "system", Name: "system"})
	msg.Content = Content{Text: text}
	return msg
}

func (f *Factory) newPending(conversationID string, t Type, sender Sender) *Message {
	now := f.timeProvider.Now()
	localID := uuid.NewString()
	return &Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: conversationID,
		Type:           t,
		Sender:         sender,
		Timestamp:      now,
		CreatedAt:      now,
		Status:         StatusPending,
	}
}

// SetRetryable overrides the retryable flag, used once a media upload has
// completed and only the save step remains.
func (m *Message) SetRetryable(retryable bool) {
	m.retryable = retryable
}
