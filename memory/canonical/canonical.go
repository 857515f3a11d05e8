// Package canonical compresses evolving preferences into a single
// versioned memory instead of accumulating near-duplicates.
//
// Without compression an evolving preference piles up:
//
//	turn 1:   "prefers morning calls"
//	turn 300: "prefers 10am calls"
//	turn 600: "prefers 11am calls"
//
// With canonical keys the newest statement updates the existing memory
// in place and bumps its version.
package canonical

import (
	"context"
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/longmem/store"
)

// canonicalKeys maps a canonical preference key to the content patterns
// that identify it.
var canonicalKeys = map[string][]string{
	// Communication preferences
	"call_time":          {"call", "phone", "meeting time"},
	"contact_preference": {"contact", "reach", "communicate"},
	"response_style":     {"response", "answer", "reply style"},
	"language":           {"language", "speak", "communicate in"},

	// Scheduling preferences
	"meeting_time": {"meeting", "schedule", "appointment time"},
	"timezone":     {"timezone", "time zone"},
	"availability": {"available", "free", "open"},

	// Food and dietary
	"diet":          {"diet", "eat", "food"},
	"favorite_food": {"favorite food", "likes to eat"},
	"allergies":     {"allergic", "allergy", "cannot eat"},

	// Work preferences
	"work_hours":              {"work hours", "working time"},
	"notification_preference": {"notification", "alert", "reminder"},

	// Personal style
	"formality": {"formal", "casual", "tone"},
	"brevity":   {"brief", "detailed", "length"},
}

// keyOrder fixes the detection order; map iteration order is random.
var keyOrder = []string{
	"call_time", "contact_preference", "response_style", "language",
	"meeting_time", "timezone", "availability",
	"diet", "favorite_food", "allergies",
	"work_hours", "notification_preference",
	"formality", "brevity",
}

// Resolver decides whether a new preference should update an existing
// canonical memory in place.
type Resolver struct {
	store *store.Store
}

// NewResolver creates a canonical memory resolver.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve checks whether candidate matches a canonical key held by an
// existing memory of the same user and type. If so, the existing memory
// is updated in place (content, confidence, source turn, version bump)
// and returned. Otherwise (nil, nil) signals the caller to create a new
// memory. Only preference and instruction memories are compressed.
func (r *Resolver) Resolve(ctx context.Context, candidate *store.Memory) (*store.Memory, error) {
	if candidate.Type != store.MemoryTypePreference && candidate.Type != store.MemoryTypeInstruction {
		return nil, nil
	}

	key := DetectKey(candidate.Content)
	if key == "" {
		return nil, nil
	}

	existing, err := r.findCanonicalMemory(ctx, candidate.UserID, key, candidate.Type)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		slog.Debug("canonical: new canonical memory", "key", key)
		return nil, nil
	}

	slog.Info("canonical: update detected",
		"key", key,
		"memory_id", existing.ID,
		"user_id", candidate.UserID,
	)

	updated, err := r.store.UpdateMemory(ctx, &store.UpdateMemory{
		ID:          existing.ID,
		UserID:      candidate.UserID,
		Content:     &candidate.Content,
		Confidence:  &candidate.Confidence,
		SourceTurn:  &candidate.SourceTurn,
		BumpVersion: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to update canonical memory")
	}
	return updated, nil
}

// DetectKey returns the canonical key matching content, or "" when the
// content is not a canonical preference.
func DetectKey(content string) string {
	contentLower := strings.ToLower(content)

	for _, key := range keyOrder {
		for _, pattern := range canonicalKeys[key] {
			if strings.Contains(contentLower, pattern) {
				return key
			}
		}
	}
	return ""
}

// findCanonicalMemory looks up the newest memory of the same type whose
// content matches one of the key's patterns.
func (r *Resolver) findCanonicalMemory(ctx context.Context, userID, key string, memoryType store.MemoryType) (*store.Memory, error) {
	for _, pattern := range canonicalKeys[key] {
		memories, err := r.store.ListMemories(ctx, &store.FindMemory{
			UserID:         &userID,
			Types:          []store.MemoryType{memoryType},
			ContentLike:    &pattern,
			OrderByCreated: true,
			Limit:          1,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to search canonical memories")
		}
		if len(memories) > 0 {
			return memories[0], nil
		}
	}
	return nil, nil
}
