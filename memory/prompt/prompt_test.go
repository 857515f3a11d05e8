package prompt

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hrygo/longmem/memory/retrieval"
	"github.com/hrygo/longmem/store"
)

func TestBuildSystemPromptBasics(t *testing.T) {
	out := BuildSystemPrompt(&Input{
		TurnNumber:    12,
		UserID:        "user-1",
		MemoryCount:   3,
		MemoryContext: "## LONG-TERM MEMORY\n- [fact] works at Initech",
	})

	assert.Contains(t, out, "Turn 12")
	assert.Contains(t, out, "User: user-1")
	assert.Contains(t, out, "Memories: 3")
	assert.Contains(t, out, "Memory mode: DISABLED")
	assert.Contains(t, out, "works at Initech")
	assert.Contains(t, out, "Silence mode: DISABLED")
}

func TestBuildSystemPromptSilenceMode(t *testing.T) {
	out := BuildSystemPrompt(&Input{
		TurnNumber:    5,
		UserID:        "user-1",
		MemoryContext: "## LONG-TERM MEMORY\n- [fact] should not appear",
		SilenceMode:   true,
	})

	assert.Contains(t, out, "Memory mode: ACTIVE")
	assert.Contains(t, out, "SILENCE MODE: ACTIVE")
	assert.NotContains(t, out, "should not appear")
}

func TestDirectivePriority(t *testing.T) {
	tests := []struct {
		name   string
		input  *Input
		expect string
	}{
		{
			name:   "comprehensive beats everything",
			input:  &Input{Traits: retrieval.QueryTraits{Comprehensive: true, KnowledgeSeeking: true, Intent: retrieval.IntentSchedule}},
			expect: "COMPREHENSIVE INFORMATION REQUEST",
		},
		{
			name:   "knowledge beats schedule",
			input:  &Input{Traits: retrieval.QueryTraits{KnowledgeSeeking: true, Intent: retrieval.IntentSchedule}},
			expect: "KNOWLEDGE REQUEST",
		},
		{
			name:   "schedule",
			input:  &Input{Traits: retrieval.QueryTraits{Intent: retrieval.IntentSchedule}},
			expect: "SCHEDULE QUERY",
		},
		{
			name:   "greeting with name",
			input:  &Input{UserName: "Priya", MemoryCount: 4, Traits: retrieval.QueryTraits{Greeting: true}},
			expect: "Welcome back, Priya!",
		},
		{
			name:   "greeting without name but with memories",
			input:  &Input{MemoryCount: 4, Traits: retrieval.QueryTraits{Greeting: true}},
			expect: "RETURNING USER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, BuildSystemPrompt(tt.input), tt.expect)
		})
	}
}

func TestNoDirectiveForPlainQuery(t *testing.T) {
	out := BuildSystemPrompt(&Input{TurnNumber: 1, UserID: "user-1"})
	assert.NotContains(t, out, "ADDITIONAL DIRECTIVE")
}

func TestFormatMemoryContext(t *testing.T) {
	results := []*retrieval.Result{
		{Memory: &store.Memory{Type: store.MemoryTypeFact, Content: "works at Initech", SourceTurn: 12}, Score: 0.87},
		{Memory: &store.Memory{Type: store.MemoryTypePreference, Content: "prefers morning calls", SourceTurn: 40}, Score: 0.61},
	}

	out := FormatMemoryContext(results)

	lines := strings.Split(out, "\n")
	assert.Equal(t, "## LONG-TERM MEMORY", lines[0])
	assert.Contains(t, out, "- [fact] works at Initech (relevance 0.87, from turn 12)")
	assert.Contains(t, out, "- [preference] prefers morning calls (relevance 0.61, from turn 40)")
}

func TestFormatMemoryContextRelativeDates(t *testing.T) {
	tomorrow := time.Now().AddDate(0, 0, 1)
	content := fmt.Sprintf("dentist appointment tomorrow (%s)", tomorrow.Format("January 02, 2006"))
	results := []*retrieval.Result{
		{Memory: &store.Memory{Type: store.MemoryTypeCommitment, Content: content, SourceTurn: 8}, Score: 0.9},
	}

	out := FormatMemoryContext(results)

	assert.Contains(t, out, fmt.Sprintf("(tomorrow - originally on %s %d)", tomorrow.Month(), tomorrow.Day()))
	assert.NotContains(t, out, tomorrow.Format("(January 02, 2006)"))
}

func TestFormatMemoryContextEmpty(t *testing.T) {
	assert.Empty(t, FormatMemoryContext(nil))
}

func TestExtractUserName(t *testing.T) {
	results := []*retrieval.Result{
		{Memory: &store.Memory{Type: store.MemoryTypeFact, Content: "name is not relevant here"}},
		{Memory: &store.Memory{Type: store.MemoryTypeEntity, Content: "user's name is Arjun, software engineer"}},
	}

	assert.Equal(t, "Arjun", ExtractUserName(results))
	assert.Empty(t, ExtractUserName(nil))
	assert.Empty(t, ExtractUserName([]*retrieval.Result{
		{Memory: &store.Memory{Type: store.MemoryTypeEntity, Content: "has a dog named Bolt"}},
	}))
}
