// Package weight implements importance scoring and time decay for memories.
// Important memories last longer while less important ones fade.
package weight

import (
	"math"
	"strings"
	"time"

	"github.com/hrygo/longmem/store"
)

// Base importance scores by memory type.
var typeImportance = map[store.MemoryType]float64{
	store.MemoryTypeEntity:      0.8,
	store.MemoryTypeFact:        0.7,
	store.MemoryTypePreference:  0.75,
	store.MemoryTypeCommitment:  0.9,
	store.MemoryTypeInstruction: 0.85,
}

// Decay rates in weight loss per day.
var decayRates = map[store.ImportanceLevel]float64{
	store.ImportanceCritical: 0.0,   // no decay
	store.ImportanceHigh:     0.001, // ~3 years to halve
	store.ImportanceMedium:   0.005, // ~140 days to halve
	store.ImportanceLow:      0.02,  // ~35 days to halve
}

// criticalKeywords mark identity, relationship, and goal statements.
var criticalKeywords = []string{
	"my name", "i am", "i'm called", "call me",
	"my wife", "my husband", "my partner", "my fiancé",
	"my goal", "i want to", "i plan to",
}

var highImportanceKeywords = []string{
	"always", "never", "important", "remember",
	"deadline", "appointment", "meeting", "promise",
}

// Initial holds the computed initial weight of a new memory.
type Initial struct {
	Score float64
	Level store.ImportanceLevel
}

// CalculateInitial computes the initial weight and importance level of a
// freshly extracted memory.
func CalculateInitial(memoryType store.MemoryType, content string, confidence float64, entities []string, hasScheduledDate bool) Initial {
	baseWeight, ok := typeImportance[memoryType]
	if !ok {
		baseWeight = 0.5
	}

	contentLower := strings.ToLower(content)

	var level store.ImportanceLevel
	var score float64

	switch {
	case containsAny(contentLower, criticalKeywords):
		level = store.ImportanceCritical
		score = 1.0
	case containsAny(contentLower, highImportanceKeywords):
		level = store.ImportanceHigh
		score = math.Min(baseWeight*1.3, 1.0)
	case memoryType == store.MemoryTypeCommitment || memoryType == store.MemoryTypeInstruction:
		level = store.ImportanceHigh
		score = baseWeight
	case memoryType == store.MemoryTypePreference || memoryType == store.MemoryTypeEntity:
		level = store.ImportanceMedium
		score = baseWeight
	default:
		level = store.ImportanceLow
		score = baseWeight * 0.8
	}

	score *= confidence

	// More entities means more context.
	if len(entities) > 2 {
		score = math.Min(score*1.1, 1.0)
	}

	// Time-sensitive memories are promoted.
	if hasScheduledDate {
		score = math.Min(score*1.2, 1.0)
		level = store.ImportanceHigh
	}

	return Initial{Score: round3(score), Level: level}
}

// CurrentWeight computes the decayed weight at now, combining exponential
// time decay with access boosts.
func CurrentWeight(initial float64, level store.ImportanceLevel, createdAt time.Time, accessCount int, lastAccessed *time.Time, now time.Time) float64 {
	if level == store.ImportanceCritical {
		return initial
	}

	daysOld := now.Sub(createdAt).Hours() / 24
	if daysOld < 0 {
		daysOld = 0
	}

	rate, ok := decayRates[level]
	if !ok {
		rate = decayRates[store.ImportanceMedium]
	}
	decayed := initial * math.Exp(-rate*math.Floor(daysOld))

	// Each access adds 0.05, capped at +0.3.
	accessBoost := math.Min(float64(accessCount)*0.05, 0.3)

	// Accesses within the last 7 days add a fading recency boost.
	recencyBoost := 0.0
	if lastAccessed != nil {
		daysSinceAccess := math.Floor(now.Sub(*lastAccessed).Hours() / 24)
		if daysSinceAccess >= 0 && daysSinceAccess < 7 {
			recencyBoost = 0.1 * (1 - daysSinceAccess/7)
		}
	}

	return round3(math.Min(decayed+accessBoost+recencyBoost, 1.0))
}

// ShouldArchive reports whether a memory should be removed from active
// recall entirely. The lifecycle expiry sweep applies this to the stored
// decay score.
func ShouldArchive(currentWeight float64, daysOld int, level store.ImportanceLevel) bool {
	if level == store.ImportanceCritical || level == store.ImportanceHigh {
		return false
	}
	if currentWeight < 0.1 && daysOld > 180 {
		return true
	}
	if level == store.ImportanceLow && daysOld > 365 {
		return true
	}
	return false
}

// DecayRate returns the daily decay rate for a level.
func DecayRate(level store.ImportanceLevel) float64 {
	if rate, ok := decayRates[level]; ok {
		return rate
	}
	return decayRates[store.ImportanceMedium]
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
