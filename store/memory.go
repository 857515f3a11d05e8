package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrDuplicateMemory is returned when a create collides with an existing
// memory on (user_id, content_hash). The extraction pipeline swallows it;
// explicit CRUD surfaces it as a conflict.
var ErrDuplicateMemory = errors.New("duplicate memory")

// HashContent computes the content hash used for exact-duplicate
// rejection: SHA-256 of the lowercase-trimmed content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])
}

// MemoryType classifies what kind of information a memory holds.
type MemoryType string

const (
	MemoryTypePreference  MemoryType = "preference"
	MemoryTypeFact        MemoryType = "fact"
	MemoryTypeCommitment  MemoryType = "commitment"
	MemoryTypeInstruction MemoryType = "instruction"
	MemoryTypeEntity      MemoryType = "entity"
)

// NormalizeMemoryType lowercases a raw type string and reports whether it is a
// known memory type. Extraction output is uppercase, storage is lowercase.
func NormalizeMemoryType(raw string) (MemoryType, bool) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case MemoryTypePreference, MemoryTypeFact, MemoryTypeCommitment, MemoryTypeInstruction, MemoryTypeEntity:
		return t, true
	}
	return "", false
}

// ImportanceLevel buckets memories by how fast they are allowed to decay.
type ImportanceLevel string

const (
	ImportanceCritical ImportanceLevel = "critical"
	ImportanceHigh     ImportanceLevel = "high"
	ImportanceMedium   ImportanceLevel = "medium"
	ImportanceLow      ImportanceLevel = "low"
)

// Memory is the authoritative row for a single long-term memory.
type Memory struct {
	ID              string
	UserID          string
	Type            MemoryType
	Content         string
	ContentHash     string
	Confidence      float64
	SourceTurn      int
	LastUsedTurn    int
	Version         int32
	AccessCount     int32
	DecayScore      float64
	ImportanceScore float64
	ImportanceLevel ImportanceLevel
	Tags            []string
	Entities        []string
	Context         map[string]any
	CreatedAt       time.Time
	LastAccessed    time.Time
}

// IsFulfilled reports whether a commitment memory has been marked done.
// Fulfillment is recorded in the context payload so the row schema stays flat.
func (m *Memory) IsFulfilled() bool {
	if m.Context == nil {
		return false
	}
	v, ok := m.Context["fulfilled"].(bool)
	return ok && v
}

// FulfilledAt returns when a commitment was marked done, if recorded.
func (m *Memory) FulfilledAt() (time.Time, bool) {
	if m.Context == nil {
		return time.Time{}, false
	}
	s, ok := m.Context["fulfilled_at"].(string)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// FindMemory specifies the conditions for finding memories.
type FindMemory struct {
	ID               *string
	UserID           *string
	Types            []MemoryType
	ContentLike      *string // case-insensitive pattern match
	MinConfidence    *float64
	CreatedBefore    *time.Time
	ImportanceLevels []ImportanceLevel
	OrderByCreated   bool // newest first when set
	Limit            int
	Offset           int
}

// UpdateMemory specifies the fields to update for a memory.
// Nil pointer fields are left untouched.
type UpdateMemory struct {
	ID              string
	UserID          string
	Content         *string
	Confidence      *float64
	SourceTurn      *int
	Tags            *[]string
	Entities        *[]string
	Context         *map[string]any
	DecayScore      *float64
	ImportanceScore *float64
	ImportanceLevel *ImportanceLevel
	LastAccessed    *time.Time
	BumpVersion     bool
}

// DeleteMemory specifies the conditions for deleting memories.
type DeleteMemory struct {
	ID     *string
	IDs    []string
	UserID *string
}

// MemoryStats aggregates a user's memory store.
type MemoryStats struct {
	UserID           string
	TotalMemories    int
	MemoriesByType   map[string]int
	AvgConfidence    float64
	OldestMemoryTurn int
	NewestMemoryTurn int
	TotalAccessCount int64
	HotMemories      int // accessed at least the hot threshold number of times
}
