package store

import (
	"context"
	"time"

	"github.com/hrygo/longmem/ai/cache"
	"github.com/hrygo/longmem/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// Conversation metadata is read on every turn; cache it briefly.
	conversationCache *cache.LRUCache[string, *Conversation]
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:            driver,
		profile:           profile,
		conversationCache: cache.NewLRUCache[string, *Conversation](1000, 10*time.Minute),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.driver.Ping(ctx)
}

func (s *Store) CreateMemory(ctx context.Context, create *Memory) (*Memory, error) {
	if create.ContentHash == "" {
		create.ContentHash = HashContent(create.Content)
	}
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now().UTC()
	}
	if create.LastAccessed.IsZero() {
		create.LastAccessed = create.CreatedAt
	}
	return s.driver.CreateMemory(ctx, create)
}

func (s *Store) GetMemory(ctx context.Context, id, userID string) (*Memory, error) {
	return s.driver.GetMemory(ctx, id, userID)
}

func (s *Store) ListMemories(ctx context.Context, find *FindMemory) ([]*Memory, error) {
	return s.driver.ListMemories(ctx, find)
}

func (s *Store) UpdateMemory(ctx context.Context, update *UpdateMemory) (*Memory, error) {
	return s.driver.UpdateMemory(ctx, update)
}

func (s *Store) DeleteMemory(ctx context.Context, delete *DeleteMemory) error {
	return s.driver.DeleteMemory(ctx, delete)
}

func (s *Store) GetMemoryStats(ctx context.Context, userID string) (*MemoryStats, error) {
	return s.driver.GetMemoryStats(ctx, userID)
}

func (s *Store) TouchMemories(ctx context.Context, userID string, ids []string, turn int) error {
	return s.driver.TouchMemories(ctx, userID, ids, turn)
}

func (s *Store) UpsertMemoryEmbedding(ctx context.Context, embedding *MemoryEmbedding) error {
	return s.driver.UpsertMemoryEmbedding(ctx, embedding)
}

func (s *Store) DeleteMemoryEmbedding(ctx context.Context, memoryID string) error {
	return s.driver.DeleteMemoryEmbedding(ctx, memoryID)
}

func (s *Store) MemoryVectorSearch(ctx context.Context, opts *MemoryVectorSearchOptions) ([]*MemoryWithScore, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return s.driver.MemoryVectorSearch(ctx, opts)
}

func (s *Store) ListRecentEmbeddings(ctx context.Context, find *FindRecentEmbeddings) ([]*MemoryEmbedding, error) {
	return s.driver.ListRecentEmbeddings(ctx, find)
}

func (s *Store) ListMemoriesMissingEmbedding(ctx context.Context, userID, model string, limit int) ([]*Memory, error) {
	return s.driver.ListMemoriesMissingEmbedding(ctx, userID, model, limit)
}

func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	return s.driver.CreateConversation(ctx, create)
}

func (s *Store) GetConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	if c, ok := s.conversationCache.Get(id); ok && c.UserID == userID {
		return c, nil
	}
	c, err := s.driver.GetConversation(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if c != nil {
		s.conversationCache.SetWithDefaultTTL(id, c)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	s.conversationCache.Remove(update.ID)
	return s.driver.UpdateConversation(ctx, update)
}

func (s *Store) DeleteConversation(ctx context.Context, delete *DeleteConversation) error {
	if delete.ID != nil {
		s.conversationCache.Remove(*delete.ID)
	}
	return s.driver.DeleteConversation(ctx, delete)
}

func (s *Store) IncrementTurnCount(ctx context.Context, conversationID string) error {
	s.conversationCache.Remove(conversationID)
	return s.driver.IncrementTurnCount(ctx, conversationID)
}

func (s *Store) CreateConversationTurn(ctx context.Context, create *ConversationTurn) (*ConversationTurn, error) {
	return s.driver.CreateConversationTurn(ctx, create)
}

func (s *Store) ListConversationTurns(ctx context.Context, find *FindConversationTurn) ([]*ConversationTurn, error) {
	return s.driver.ListConversationTurns(ctx, find)
}

func (s *Store) UpdateConversationTurnMemories(ctx context.Context, turnID int64, memoriesCreated []string) error {
	return s.driver.UpdateConversationTurnMemories(ctx, turnID, memoriesCreated)
}

func (s *Store) ListActiveUserIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.driver.ListActiveUserIDs(ctx, cutoff)
}
