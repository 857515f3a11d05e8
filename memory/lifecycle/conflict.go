package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/longmem/ai/core/llm"
	"github.com/hrygo/longmem/store"
)

// ConflictType labels why two memories disagree.
type ConflictType string

const (
	ConflictLocationChange   ConflictType = "location_change"
	ConflictStatusChange     ConflictType = "status_change"
	ConflictPreferenceChange ConflictType = "preference_change"
	ConflictFactual          ConflictType = "factual_contradiction"
)

// Resolution is the strategy applied to a detected conflict.
type Resolution string

const (
	ResolutionSuperseded Resolution = "superseded"
	ResolutionEvolution  Resolution = "evolution"
	ResolutionFlagged    Resolution = "flagged_for_review"
	ResolutionNone       Resolution = ""
)

// conflictPatterns gate the expensive LLM adjudication: both memories must
// mention the same category before the pair is sent to the model.
var conflictPatterns = map[string][]string{
	"location":     {"live in", "lives in", "based in", "located in", "moved to"},
	"job":          {"work at", "works at", "working at", "employed by", "job at", "position at"},
	"relationship": {"married to", "dating", "engaged to", "partner", "single"},
	"age":          {"years old", "age is"},
}

var conflictCategoryOrder = []string{"location", "job", "relationship", "age"}

var categoryConflictType = map[string]ConflictType{
	"location":     ConflictLocationChange,
	"job":          ConflictStatusChange,
	"relationship": ConflictStatusChange,
	"age":          ConflictFactual,
}

const conflictSystemPrompt = `You are a conflict detection system. Determine if two statements about a user contradict each other.`

const conflictUserPrompt = `Determine if these two statements about %CATEGORY% conflict:

Statement 1 (newer): %NEW%
Statement 2 (older): %OLD%

Return ONLY a JSON object: {"conflict": true or false, "reason": "brief explanation"}

Examples of conflicts:
- "Lives in Chennai" vs "Lives in Bangalore" = true
- "Works at Google" vs "Works at Microsoft" = true
- "Likes pizza" vs "Loves pizza" = false (same preference)`

// ConflictResolver detects contradicting memories and annotates both sides.
// It runs offline in the lifecycle worker, never on the request path.
type ConflictResolver struct {
	store *store.Store
	llm   llm.Service
}

// NewConflictResolver creates a resolver backed by the given LLM.
func NewConflictResolver(s *store.Store, llmService llm.Service) *ConflictResolver {
	return &ConflictResolver{store: s, llm: llmService}
}

// DetectAndResolve checks a newer memory against older candidates, resolving
// the first confirmed conflict. Detection is conservative: an LLM failure
// means no conflict.
func (r *ConflictResolver) DetectAndResolve(ctx context.Context, newer *store.Memory, candidates []*store.Memory) (Resolution, error) {
	newContent := strings.ToLower(newer.Content)

	for _, older := range candidates {
		if older.ID == newer.ID {
			continue
		}
		oldContent := strings.ToLower(older.Content)

		for _, category := range conflictCategoryOrder {
			patterns := conflictPatterns[category]
			if !containsAny(newContent, patterns) || !containsAny(oldContent, patterns) {
				continue
			}
			if !r.areConflicting(ctx, newer.Content, older.Content, category) {
				continue
			}
			return r.resolve(ctx, newer, older, categoryConflictType[category])
		}

		// Preference pairs skip the category gate; both sides being
		// preferences is enough to be worth checking.
		if newer.Type == store.MemoryTypePreference && older.Type == store.MemoryTypePreference {
			if r.areConflicting(ctx, newer.Content, older.Content, "preference") {
				return r.resolve(ctx, newer, older, ConflictPreferenceChange)
			}
		}
	}

	return ResolutionNone, nil
}

func (r *ConflictResolver) areConflicting(ctx context.Context, newContent, oldContent, category string) bool {
	prompt := strings.NewReplacer(
		"%CATEGORY%", category,
		"%NEW%", newContent,
		"%OLD%", oldContent,
	).Replace(conflictUserPrompt)

	raw, _, err := r.llm.ChatJSON(ctx, []llm.Message{
		llm.SystemPrompt(conflictSystemPrompt),
		llm.UserMessage(prompt),
	})
	if err != nil {
		slog.Warn("conflict detection failed, assuming no conflict", "error", err)
		return false
	}

	var verdict struct {
		Conflict bool   `json:"conflict"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		slog.Warn("conflict verdict parse failed", "error", err)
		return false
	}
	return verdict.Conflict
}

// resolve applies the strategy for a confirmed conflict. Status and location
// changes supersede the old memory and demote its importance; preference
// changes keep both linked; factual contradictions are flagged for review.
func (r *ConflictResolver) resolve(ctx context.Context, newer, older *store.Memory, conflictType ConflictType) (Resolution, error) {
	switch conflictType {
	case ConflictLocationChange, ConflictStatusChange:
		oldContext := cloneContext(older.Context)
		oldContext["superseded_by"] = newer.ID
		oldContext["superseded_at"] = time.Now().UTC().Format(time.RFC3339)
		oldContext["resolution"] = "outdated_information"

		outdatedScore := 0.3
		outdatedLevel := store.ImportanceLow
		if _, err := r.store.UpdateMemory(ctx, &store.UpdateMemory{
			ID:              older.ID,
			UserID:          older.UserID,
			Context:         &oldContext,
			ImportanceScore: &outdatedScore,
			ImportanceLevel: &outdatedLevel,
		}); err != nil {
			return ResolutionNone, err
		}

		newContext := cloneContext(newer.Context)
		newContext["supersedes"] = older.ID
		newContext["previous_value"] = older.Content
		if _, err := r.store.UpdateMemory(ctx, &store.UpdateMemory{
			ID:      newer.ID,
			UserID:  newer.UserID,
			Context: &newContext,
		}); err != nil {
			return ResolutionNone, err
		}

		slog.Info("memory conflict resolved", "type", conflictType, "superseded", older.ID, "by", newer.ID)
		return ResolutionSuperseded, nil

	case ConflictPreferenceChange:
		oldContext := cloneContext(older.Context)
		oldContext["evolved_to"] = newer.ID
		newContext := cloneContext(newer.Context)
		newContext["evolved_from"] = older.ID

		if _, err := r.store.UpdateMemory(ctx, &store.UpdateMemory{
			ID: older.ID, UserID: older.UserID, Context: &oldContext,
		}); err != nil {
			return ResolutionNone, err
		}
		if _, err := r.store.UpdateMemory(ctx, &store.UpdateMemory{
			ID: newer.ID, UserID: newer.UserID, Context: &newContext,
		}); err != nil {
			return ResolutionNone, err
		}

		slog.Info("preference evolution recorded", "from", older.ID, "to", newer.ID)
		return ResolutionEvolution, nil

	default:
		oldContext := cloneContext(older.Context)
		oldContext["conflict"] = true
		oldContext["potential_conflict"] = newer.ID
		newContext := cloneContext(newer.Context)
		newContext["conflict"] = true
		newContext["potential_conflict"] = older.ID

		if _, err := r.store.UpdateMemory(ctx, &store.UpdateMemory{
			ID: older.ID, UserID: older.UserID, Context: &oldContext,
		}); err != nil {
			return ResolutionNone, err
		}
		if _, err := r.store.UpdateMemory(ctx, &store.UpdateMemory{
			ID: newer.ID, UserID: newer.UserID, Context: &newContext,
		}); err != nil {
			return ResolutionNone, err
		}

		slog.Warn("factual contradiction flagged", "old", older.ID, "new", newer.ID)
		return ResolutionFlagged, nil
	}
}

func cloneContext(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+3)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
