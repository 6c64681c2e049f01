package models

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an individual entry of the transcript. It contains the participant's role, the
// text content, an opaque identifier used as a rendering key and the time when the message was created.
// A message is never modified once it has been appended to a transcript.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the remote assistant, or by the client itself for
	// the welcome and fallback messages.
	RoleAssistant Role = "assistant"
)

const (
	// WelcomeMessage seeds the transcript once a user becomes authenticated.
	WelcomeMessage = "Hello! I'm Havinci, your email intelligence assistant. Ask me anything about your emails, " +
		"and I'll help you find the information you need."
	// FallbackMessage replaces the assistant reply when a chat request fails for any reason.
	FallbackMessage = "Sorry, I encountered an error processing your request. Please try again."
)

// NewMessage creates a message with a fresh identifier and the current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}
