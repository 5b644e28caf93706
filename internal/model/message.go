package model

import "time"

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one exchange line kept in the per-user conversation history.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Prompt is the provider-neutral input for a single LLM completion.
type Prompt struct {
	Model   string
	System  string
	History []Turn
	User    string
	// JSON asks the provider for a JSON object response.
	JSON bool
}

// DeadLetter is a reply that could not be delivered after all retries.
type DeadLetter struct {
	ID             string
	IdempotencyKey string
	Recipient      string
	Body           string
	Attempts       int
	Reason         string
	LastError      string
	CreatedAt      time.Time
}

// IdempotencyRecord is the stored state of an outbound idempotency key.
type IdempotencyRecord struct {
	State     string `json:"state"` // "pending" or "done"
	MessageID string `json:"message_id,omitempty"`
}

// Idempotency record states.
const (
	IdempotencyPending = "pending"
	IdempotencyDone    = "done"
)
