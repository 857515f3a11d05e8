package store

import (
	"context"
	"time"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() any
	Close() error

	IsInitialized(ctx context.Context) (bool, error)
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Memory rows (authoritative).
	CreateMemory(ctx context.Context, create *Memory) (*Memory, error)
	GetMemory(ctx context.Context, id, userID string) (*Memory, error)
	ListMemories(ctx context.Context, find *FindMemory) ([]*Memory, error)
	UpdateMemory(ctx context.Context, update *UpdateMemory) (*Memory, error)
	DeleteMemory(ctx context.Context, delete *DeleteMemory) error
	GetMemoryStats(ctx context.Context, userID string) (*MemoryStats, error)

	// TouchMemories bumps access count and last-used turn for the given
	// memories after they were injected into a prompt.
	TouchMemories(ctx context.Context, userID string, ids []string, turn int) error

	// Memory embeddings (derived).
	UpsertMemoryEmbedding(ctx context.Context, embedding *MemoryEmbedding) error
	DeleteMemoryEmbedding(ctx context.Context, memoryID string) error
	MemoryVectorSearch(ctx context.Context, opts *MemoryVectorSearchOptions) ([]*MemoryWithScore, error)
	ListRecentEmbeddings(ctx context.Context, find *FindRecentEmbeddings) ([]*MemoryEmbedding, error)

	// ListMemoriesMissingEmbedding returns memories without a vector under
	// the given model, newest first, so the lifecycle worker can backfill.
	ListMemoriesMissingEmbedding(ctx context.Context, userID, model string, limit int) ([]*Memory, error)

	// Conversations and turns (short-term log).
	CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error)
	GetConversation(ctx context.Context, id, userID string) (*Conversation, error)
	ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error)
	DeleteConversation(ctx context.Context, delete *DeleteConversation) error
	IncrementTurnCount(ctx context.Context, conversationID string) error

	CreateConversationTurn(ctx context.Context, create *ConversationTurn) (*ConversationTurn, error)
	ListConversationTurns(ctx context.Context, find *FindConversationTurn) ([]*ConversationTurn, error)

	// UpdateConversationTurnMemories records which memories the detached
	// write path extracted from a turn, after the turn row already exists.
	UpdateConversationTurnMemories(ctx context.Context, turnID int64, memoriesCreated []string) error

	// ListActiveUserIDs returns users with memories created since cutoff,
	// used by the lifecycle worker sweep.
	ListActiveUserIDs(ctx context.Context, cutoff time.Time) ([]string, error)
}
