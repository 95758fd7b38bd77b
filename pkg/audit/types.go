package audit

import "time"

// EventType identifies what happened
type EventType string

const (
	// Token lifecycle events
	EventTokenCreated EventType = "token.created"
	EventTokenRevoked EventType = "token.revoked"

	// Verification events
	EventTokenUsed        EventType = "token.used"
	EventTokenRejected    EventType = "token.rejected"
	EventTokenRateLimited EventType = "token.rate_limited"
)

// EventStatus represents the outcome of the audited action
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is one audit log entry. Events are append-only; nothing in the
// engine updates or deletes them.
type Event struct {
	ID        int64       `json:"id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	OwnerID string `json:"owner_id,omitempty"`
	TokenID string `json:"token_id,omitempty"`

	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	Message  string                 `json:"message,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
