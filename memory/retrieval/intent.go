package retrieval

import "strings"

// Intent selects the scoring weight profile for a query.
type Intent string

const (
	IntentGeneral  Intent = "general"
	IntentSchedule Intent = "schedule"
	IntentPersonal Intent = "personal"
)

// QueryTraits is the full classification of a user query. Intent picks the
// weight profile; the boolean traits shape prompt directives and silence mode.
type QueryTraits struct {
	Intent           Intent
	Comprehensive    bool // "tell me everything you know about me"
	KnowledgeSeeking bool // general world-knowledge question
	Greeting         bool
}

// Classifier maps a raw query to its traits. The default is keyword based;
// callers may plug in an LLM-backed classifier without touching retrieval.
type Classifier interface {
	Classify(query string) QueryTraits
}

var scheduleKeywords = []string{
	"schedule", "meeting", "appointment", "deadline", "calendar",
	"remind", "reminder", "tomorrow", "next week", "what time", "when is",
	"when do", "upcoming",
}

var personalKeywords = []string{
	"my name", "about me", "who am i", "my favorite", "my preference",
	"my wife", "my husband", "my partner", "my family", "my job",
	"do i like", "what do i",
}

var comprehensiveKeywords = []string{
	"everything you know", "tell me everything", "all my", "summarize what",
	"comprehensive", "overview of", "what do you know about me",
	"what do you remember",
}

var knowledgeKeywords = []string{
	"what is", "what are", "how do", "how does", "explain", "why is",
	"why does", "define", "difference between",
}

var greetingPrefixes = []string{
	"hi", "hello", "hey", "good morning", "good afternoon", "good evening",
	"morning", "evening",
}

// KeywordClassifier classifies queries by substring matching. It is fast,
// deterministic, and runs on every turn.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(query string) QueryTraits {
	q := strings.ToLower(strings.TrimSpace(query))
	traits := QueryTraits{Intent: IntentGeneral}
	if q == "" {
		return traits
	}

	traits.Comprehensive = containsAny(q, comprehensiveKeywords)
	traits.KnowledgeSeeking = !traits.Comprehensive && containsAny(q, knowledgeKeywords)
	traits.Greeting = isGreeting(q)

	switch {
	case containsAny(q, scheduleKeywords):
		traits.Intent = IntentSchedule
	case traits.Comprehensive || containsAny(q, personalKeywords):
		traits.Intent = IntentPersonal
	}
	return traits
}

func containsAny(q string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}

// isGreeting matches short messages that open with a salutation. Long
// messages starting with "hey" are requests, not greetings.
func isGreeting(q string) bool {
	if len(q) > 40 {
		return false
	}
	for _, prefix := range greetingPrefixes {
		if q == prefix || strings.HasPrefix(q, prefix+" ") || strings.HasPrefix(q, prefix+",") || strings.HasPrefix(q, prefix+"!") {
			return true
		}
	}
	return false
}
