package store

import "time"

// Project is a tenant-scoped namespace owning agents, keys, mail, chat
// sessions, and reservations.
type Project struct {
	ProjectID string
	Slug      string
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Agent access modes gate who may initiate mail/chat toward it.
const (
	AccessModeOpen         = "open"
	AccessModeContactsOnly = "contacts_only"
)

// Agent lifecycle statuses.
const (
	AgentStatusActive       = "active"
	AgentStatusRetired      = "retired"
	AgentStatusDeregistered = "deregistered"
)

// Agent is a named actor within a project.
type Agent struct {
	AgentID    string
	ProjectID  string
	Alias      string
	HumanName  string
	AgentType  string
	AccessMode string
	Status     string
	CreatedAt  time.Time
	DeletedAt  *time.Time
}

// APIKey authenticates a project, or a project+agent pair.
type APIKey struct {
	APIKeyID   string
	ProjectID  string
	AgentID    *string
	KeyHash    string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Contact allows a contacts_only agent to accept mail/chat from the
// named address.
type Contact struct {
	ProjectID      string
	AgentID        string
	ContactAddress string
	CreatedAt      time.Time
}

// Mail priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Message is a single directed mail item.
type Message struct {
	MessageID   string
	ProjectID   string
	FromAgentID string
	ToAgentID   string
	FromAlias   string
	Subject     string
	Body        string
	Priority    string
	ThreadID    *string
	CreatedAt   time.Time
	ReadAt      *time.Time
}

// ChatSession is a persistent multi-party conversation.
type ChatSession struct {
	SessionID       string
	ProjectID       string
	ParticipantHash string
	CreatedAt       time.Time
}

// ChatParticipant is a member of a chat session.
type ChatParticipant struct {
	SessionID string
	AgentID   string
	Alias     string
	JoinedAt  time.Time
}

// ChatMessage is a single message within a chat session.
type ChatMessage struct {
	MessageID     string
	SessionID     string
	FromAgentID   string
	FromAlias     string
	Body          string
	SenderLeaving bool
	HangOn        bool
	CreatedAt     time.Time
}

// ChatReadReceipt tracks how far an agent has read a session.
type ChatReadReceipt struct {
	SessionID         string
	AgentID           string
	LastReadMessageID *string
	LastReadAt        *time.Time
}

// Reservation is a named, leased, per-project lock.
type Reservation struct {
	ProjectID     string
	ResourceKey   string
	HolderAgentID string
	HolderAlias   string
	AcquiredAt    time.Time
	ExpiresAt     time.Time
	MetadataJSON  string
}

// IsHeld reports whether the reservation has not yet expired as of now.
func (r Reservation) IsHeld(now time.Time) bool {
	return r.ExpiresAt.After(now)
}
