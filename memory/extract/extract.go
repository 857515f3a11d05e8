// Package extract turns conversation turns into long-term memory
// candidates using an LLM.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/longmem/ai/core/llm"
	"github.com/hrygo/longmem/internal/strutil"
	"github.com/hrygo/longmem/memory/temporal"
	"github.com/hrygo/longmem/memory/weight"
	"github.com/hrygo/longmem/store"
)

const extractionSystemPrompt = `You are a memory extraction system. Your task is to analyze conversation turns and identify information worth remembering long-term.

Extract memories in these categories:
- PREFERENCE: User likes, dislikes, preferences
- FACT: Factual information about the user (name, location, job, etc.)
- COMMITMENT: Promises, reminders, tasks, deadlines
- INSTRUCTION: How the user wants to be addressed or assisted
- ENTITY: Important people, places, organizations mentioned

Only extract information that would be useful to recall in future conversations. Be concise and specific.

Confidence calibration:
- 1.0: explicit, unambiguous statements ("My name is John")
- 0.9: clear but context-dependent ("I work at Google")
- 0.8: strong inference ("prefers vegetarian food" from "I don't eat meat")
- 0.7: reasonable guess with some ambiguity
- below 0.7: don't extract, too uncertain

Be selective. Extract 0-3 memories per turn, not 10+.`

const extractionUserPrompt = `Analyze this conversation turn and extract important memories.

Turn #%d:
User: %s
Assistant: %s

Return a JSON object with this format:
{
    "memories": [
        {
            "type": "preference|fact|commitment|instruction|entity",
            "content": "brief, specific description of what to remember",
            "confidence": 0.0-1.0,
            "tags": ["relevant", "tags"],
            "entities": ["mentioned", "entities"]
        }
    ]
}

Only include information actually worth remembering. If nothing significant, return {"memories": []}.`

// contextSnippetLen bounds the conversation excerpts stored with each memory.
const contextSnippetLen = 200

// Extractor extracts memories from conversation turns using an LLM.
type Extractor struct {
	llm                 llm.Service
	confidenceThreshold float64
}

// NewExtractor creates a new Extractor. Candidates below
// confidenceThreshold are dropped.
func NewExtractor(service llm.Service, confidenceThreshold float64) *Extractor {
	return &Extractor{
		llm:                 service,
		confidenceThreshold: confidenceThreshold,
	}
}

type rawMemory struct {
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
	Entities   []string `json:"entities"`
}

// ExtractFromTurn extracts memory candidates from a conversation turn.
// The returned memories carry enhanced content (relative dates rewritten
// to absolute), initial importance weights, and provenance context.
func (e *Extractor) ExtractFromTurn(ctx context.Context, userID string, turnNumber int, userMessage, assistantMessage string) ([]*store.Memory, error) {
	messages := []llm.Message{
		llm.SystemPrompt(extractionSystemPrompt),
		llm.UserMessage(fmt.Sprintf(extractionUserPrompt, turnNumber, userMessage, assistantMessage)),
	}

	content, stats, err := e.llm.ChatJSON(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("extraction LLM call failed: %w", err)
	}

	rawMemories, err := parseExtractionResponse(content)
	if err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}

	now := time.Now().UTC()
	memories := make([]*store.Memory, 0, len(rawMemories))

	for _, raw := range rawMemories {
		memoryType, ok := store.NormalizeMemoryType(raw.Type)
		if !ok {
			slog.Warn("extractor: skipping memory with unknown type", "type", raw.Type)
			continue
		}
		if raw.Content == "" {
			continue
		}

		confidence := raw.Confidence
		if confidence == 0 {
			confidence = 0.7
		}
		if confidence < e.confidenceThreshold {
			continue
		}

		enhanced, scheduledDate := temporal.ParseReference(raw.Content, now)

		memoryContext := map[string]any{
			"user_message":      strutil.Truncate(userMessage, contextSnippetLen),
			"assistant_message": strutil.Truncate(assistantMessage, contextSnippetLen),
			"extraction_time":   now.Format(time.RFC3339),
		}
		if scheduledDate != nil {
			memoryContext["scheduled_date"] = scheduledDate.Format(time.RFC3339)
		}

		initial := weight.CalculateInitial(memoryType, enhanced, confidence, raw.Entities, scheduledDate != nil)

		tags := raw.Tags
		if tags == nil {
			tags = []string{}
		}
		entities := raw.Entities
		if entities == nil {
			entities = []string{}
		}

		memories = append(memories, &store.Memory{
			UserID:          userID,
			Type:            memoryType,
			Content:         enhanced,
			Confidence:      confidence,
			SourceTurn:      turnNumber,
			Version:         1,
			DecayScore:      initial.Score,
			ImportanceScore: initial.Score,
			ImportanceLevel: initial.Level,
			Tags:            tags,
			Entities:        entities,
			Context:         memoryContext,
		})
	}

	slog.Debug("extractor: turn processed",
		"user_id", userID,
		"turn", turnNumber,
		"candidates", len(rawMemories),
		"kept", len(memories),
		"tokens", stats.TotalTokens,
	)

	return memories, nil
}

// parseExtractionResponse handles the shapes models actually return: a
// bare JSON array, an object with a "memories" key, optionally wrapped
// in a markdown code fence.
func parseExtractionResponse(content string) ([]rawMemory, error) {
	content = stripCodeFence(content)

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	if strings.HasPrefix(trimmed, "[") {
		var memories []rawMemory
		if err := json.Unmarshal([]byte(trimmed), &memories); err != nil {
			return nil, err
		}
		return memories, nil
	}

	var wrapper struct {
		Memories []rawMemory `json:"memories"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Memories, nil
}

func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
