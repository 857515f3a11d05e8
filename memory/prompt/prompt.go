// Package prompt assembles the system prompt for a conversation turn:
// core rules, injected memory context, one optional additive directive, and
// the silence-mode behavior block.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/longmem/memory/retrieval"
	"github.com/hrygo/longmem/memory/temporal"
	"github.com/hrygo/longmem/store"
)

const corePromptTemplate = `You are a persistent conversational AI assistant.

## CORE RULES
1. Follow-up context: if the user says "summarize it", "continue", "that one", "why?" - apply it to the most recent topic from conversation history
2. Use recent conversation: short-term context from this thread takes priority over long-term memories
3. Respond naturally: do not explain your memory system or architecture
4. General knowledge: answer knowledge questions directly from your training data
5. Memory relevance: use long-term memories only when clearly relevant to the current topic

## CONTEXT
Session: Turn %d | User: %s | Memories: %d
Memory mode: %s

%s%s%s
Goal: be helpful and conversational. Understand context. Answer directly.`

const scheduleDirective = `## ADDITIONAL DIRECTIVE: SCHEDULE QUERY

The user is asking about their schedule, meetings, or appointments.
- Focus on scheduled meetings, appointments, and commitments
- Include the date and time for each item: "You have [event] on [date] at [time]"
- Do not include unrelated info (relationships, skills, preferences)
- If no schedule found, say: "I don't have any scheduled meetings or appointments in my memory."
`

const comprehensiveDirective = `## ADDITIONAL DIRECTIVE: COMPREHENSIVE INFORMATION REQUEST

The user asked for everything you know about them.
- List every memory from the context provided, do not summarize
- Organize by category: personal information, professional details, relationships,
  preferences, commitments, instructions, other facts
- For each category, list all relevant details
`

const knowledgeDirective = `## ADDITIONAL DIRECTIVE: KNOWLEDGE REQUEST

The user is asking for information, explanations, summaries, or general knowledge.
- Use your general knowledge to answer comprehensively
- Do not wait for memory context; provide value even if no relevant memories exist
- Do not say you lack information when it is general knowledge
`

const silenceActiveBlock = `## SILENCE MODE: ACTIVE

No long-term memory is relevant to this query. Do NOT reference or use
long-term memory in your response.
- Respond naturally using general knowledge
- Use short-term conversation context
- Do not mention stored memories or fabricate memory recall
`

const silenceDisabledBlock = `Silence mode: DISABLED - long-term memories are available and relevant. Use them wisely.
`

// Input is everything the builder needs for one turn.
type Input struct {
	TurnNumber    int
	UserID        string
	UserName      string // from an identity memory, may be empty
	MemoryContext string // preformatted block, empty when nothing retrieved
	MemoryCount   int
	SilenceMode   bool
	Traits        retrieval.QueryTraits
}

// BuildSystemPrompt renders the full system prompt. At most one additive
// directive is attached; comprehensive requests outrank knowledge requests,
// which outrank schedule queries, which outrank greetings.
func BuildSystemPrompt(in *Input) string {
	mode := "DISABLED"
	silenceBlock := silenceDisabledBlock
	if in.SilenceMode {
		mode = "ACTIVE"
		silenceBlock = silenceActiveBlock
	}

	memoryBlock := ""
	if in.MemoryContext != "" && !in.SilenceMode {
		memoryBlock = in.MemoryContext + "\n\n"
	}

	directive := directiveFor(in)
	if directive != "" {
		directive += "\n"
	}

	return fmt.Sprintf(corePromptTemplate,
		in.TurnNumber,
		in.UserID,
		in.MemoryCount,
		mode,
		memoryBlock,
		directive,
		silenceBlock,
	)
}

func directiveFor(in *Input) string {
	switch {
	case in.Traits.Comprehensive:
		return comprehensiveDirective
	case in.Traits.KnowledgeSeeking:
		return knowledgeDirective
	case in.Traits.Intent == retrieval.IntentSchedule:
		return scheduleDirective
	case in.Traits.Greeting && in.UserName != "":
		return fmt.Sprintf(`## ADDITIONAL DIRECTIVE: RETURNING USER GREETING

This is a returning user starting a new conversation.
- User's name: %s
- Existing memories: %d
- Start with a warm, short personal greeting ("Welcome back, %s!")
- Mention one interesting fact you remember, if available
- Ask how you can help today
- Never mention user IDs or technical details
`, in.UserName, in.MemoryCount, in.UserName)
	case in.Traits.Greeting && in.MemoryCount > 0:
		return fmt.Sprintf(`## ADDITIONAL DIRECTIVE: RETURNING USER

This user has returned. You hold %d memories from previous conversations.
Keep the greeting warm, brief, and friendly.
`, in.MemoryCount)
	default:
		return ""
	}
}

// FormatMemoryContext renders ranked retrieval results as the long-term
// memory block injected into the system prompt. Absolute dates stamped into
// memory content at extraction time are rewritten relative to now, so a
// memory saved as "(June 05, 2026)" reads as "tomorrow" on June 4th.
func FormatMemoryContext(results []*retrieval.Result) string {
	if len(results) == 0 {
		return ""
	}

	now := time.Now()
	var sb strings.Builder
	sb.WriteString("## LONG-TERM MEMORY\n")
	sb.WriteString("Relevant memories about this user, most relevant first:\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "- [%s] %s (relevance %.2f, from turn %d)\n",
			r.Memory.Type, temporal.FormatRelative(r.Memory.Content, now), r.Score, r.Memory.SourceTurn)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ExtractUserName pulls the user's name from retrieved entity memories,
// looking for the canonical "name is X" phrasing.
func ExtractUserName(results []*retrieval.Result) string {
	for _, r := range results {
		if r.Memory.Type != store.MemoryTypeEntity {
			continue
		}
		content := r.Memory.Content
		lower := strings.ToLower(content)
		idx := strings.Index(lower, "name is ")
		if idx < 0 {
			continue
		}
		rest := strings.TrimSpace(content[idx+len("name is "):])
		if rest == "" {
			continue
		}
		fields := strings.FieldsFunc(rest, func(r rune) bool {
			return r == ' ' || r == ',' || r == '.' || r == ';'
		})
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}
