package store

import "time"

// Conversation is a per-user chat thread.
type Conversation struct {
	ID          string
	UserID      string
	Title       string
	TurnCount   int
	IsArchived  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastMessage string // preview of the newest user message, populated on list
}

// FindConversation specifies the conditions for finding conversations.
type FindConversation struct {
	ID              *string
	UserID          *string
	IncludeArchived bool
	WithPreview     bool
	Limit           int
	Offset          int
}

// UpdateConversation specifies the fields to update for a conversation.
type UpdateConversation struct {
	ID         string
	UserID     string
	Title      *string
	IsArchived *bool
}

// DeleteConversation specifies the conditions for deleting conversations.
type DeleteConversation struct {
	ID     *string
	UserID *string
}

// ConversationTurn is one user/assistant exchange, the unit of short-term memory.
type ConversationTurn struct {
	ID                int64
	ConversationID    string
	UserID            string
	TurnNumber        int
	UserMessage       string
	AssistantMessage  string
	MemoriesRetrieved []string // memory IDs injected into this turn's prompt
	MemoriesCreated   []string // memory IDs extracted from this turn
	LatencyMs         int64
	CreatedAt         time.Time
}

// FindConversationTurn specifies the conditions for finding turns.
type FindConversationTurn struct {
	ConversationID *string
	UserID         *string
	BeforeTurn     *int // exclusive upper bound on turn number
	Desc           bool // newest first when set
	Limit          int
}
