// Package retrieval ranks a user's long-term memories against a query and
// decides when the engine should stay silent instead of injecting context.
package retrieval

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/hrygo/longmem/memory/temporal"
	"github.com/hrygo/longmem/store"
)

const (
	// Candidate pool is a multiple of the requested page, capped.
	candidateMultiplier = 3
	candidateCap        = 50

	// Tier boundaries in turns between now and the memory's source turn.
	hotMaxAge  = 50
	warmMaxAge = 500

	// Cold memories need strong semantic evidence to surface at all.
	coldSimilarityMin = 0.75

	recencyDecayBase = 0.993
	recencyFloor     = 0.1

	stalenessHorizon = 1000.0

	// Flat bonus for memories scheduled on the very day the query asks about.
	scheduleDateBoost = 0.2
)

// scheduleTypes narrows schedule-intent queries to the memory types that can
// carry an appointment.
var scheduleTypes = []store.MemoryType{store.MemoryTypeCommitment, store.MemoryTypeEntity}

// Tier buckets memories by conversational distance.
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Weights is one scoring profile. Positive terms reward, penalty terms subtract.
type Weights struct {
	Similarity float64 // alpha
	Recency    float64 // beta
	Usage      float64 // gamma
	Confidence float64 // delta
	Conflict   float64 // epsilon, penalty
	Staleness  float64 // zeta, penalty
}

var profileWeights = map[Intent]Weights{
	IntentGeneral:  {Similarity: 0.45, Recency: 0.15, Usage: 0.10, Confidence: 0.10, Conflict: 0.15, Staleness: 0.05},
	IntentSchedule: {Similarity: 0.40, Recency: 0.20, Usage: 0.10, Confidence: 0.10, Conflict: 0.10, Staleness: 0.10},
	IntentPersonal: {Similarity: 0.45, Recency: 0.10, Usage: 0.15, Confidence: 0.15, Conflict: 0.10, Staleness: 0.05},
}

// WeightsFor returns the scoring profile for an intent, defaulting to general.
func WeightsFor(intent Intent) Weights {
	if w, ok := profileWeights[intent]; ok {
		return w
	}
	return profileWeights[IntentGeneral]
}

// Embedder is the slice of the embedding service retrieval needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever scores and ranks memories for prompt injection.
type Retriever struct {
	store            *store.Store
	embedder         Embedder
	model            string
	silenceThreshold float64
	classifier       Classifier
}

// New creates a retriever. The silence threshold is the composite score below
// which a result set is withheld entirely.
func New(s *store.Store, embedder Embedder, model string, silenceThreshold float64) *Retriever {
	return &Retriever{
		store:            s,
		embedder:         embedder,
		model:            model,
		silenceThreshold: silenceThreshold,
		classifier:       KeywordClassifier{},
	}
}

// SetClassifier swaps in a custom intent classifier.
func (r *Retriever) SetClassifier(c Classifier) {
	r.classifier = c
}

// SearchRequest describes one retrieval call.
type SearchRequest struct {
	UserID        string
	Query         string
	TopK          int
	CurrentTurn   int
	Types         []store.MemoryType
	MinConfidence float64
}

// Result is one ranked memory with its component scores, kept for
// explainability and provenance logging.
type Result struct {
	Memory *store.Memory
	Tier   Tier

	Similarity float64
	Recency    float64
	Usage      float64
	Confidence float64
	Conflict   float64
	Staleness  float64

	Score float64
}

// SearchResponse carries the ranked set plus what happened on the way there.
type SearchResponse struct {
	Results    []*Result
	Traits     QueryTraits
	Candidates int
	Silenced   bool
}

// Search embeds the query, pulls ANN candidates scoped to the user, and ranks
// them with the intent-selected weight profile. TopK <= 0 returns an empty
// response without touching the embedder or the index.
func (r *Retriever) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	traits := r.classifier.Classify(req.Query)
	resp := &SearchResponse{Traits: traits}

	if req.TopK <= 0 {
		return resp, nil
	}

	vector, err := r.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	limit := req.TopK * candidateMultiplier
	if limit > candidateCap {
		limit = candidateCap
	}

	types := req.Types
	if traits.Intent == IntentSchedule && len(types) == 0 {
		types = scheduleTypes
	}

	candidates, err := r.store.MemoryVectorSearch(ctx, &store.MemoryVectorSearchOptions{
		UserID:        req.UserID,
		Vector:        vector,
		Model:         r.model,
		Types:         types,
		MinConfidence: req.MinConfidence,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	resp.Candidates = len(candidates)

	results := make([]*Result, 0, len(candidates))
	weights := WeightsFor(traits.Intent)
	for _, candidate := range candidates {
		scored := scoreCandidate(candidate, req.CurrentTurn, weights)
		if scored == nil {
			continue
		}
		results = append(results, scored)
	}

	if traits.Intent == IntentSchedule {
		if target := temporal.ExtractScheduleDate(req.Query, time.Now()); target != nil {
			for _, result := range results {
				if scheduledOn(result.Memory, *target) {
					result.Score = math.Min(1, result.Score+scheduleDateBoost)
				}
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > req.TopK {
		results = results[:req.TopK]
	}

	if ShouldSilence(results, traits, r.silenceThreshold) {
		resp.Silenced = true
		return resp, nil
	}

	resp.Results = results
	return resp, nil
}

// ShouldSilence reports whether the whole result set should be withheld:
// the best composite score is below threshold and the query is not one that
// explicitly asks for stored or general knowledge.
func ShouldSilence(results []*Result, traits QueryTraits, threshold float64) bool {
	if len(results) == 0 {
		return false
	}
	if traits.Comprehensive || traits.KnowledgeSeeking {
		return false
	}
	return results[0].Score < threshold
}

// scoreCandidate computes the component and composite scores for one
// candidate. Returns nil when the candidate is discarded (cold and weak).
func scoreCandidate(candidate *store.MemoryWithScore, currentTurn int, weights Weights) *Result {
	similarity := float64(candidate.Score)
	delta := currentTurn - candidate.SourceTurn

	tier := TierFor(delta)
	if tier == TierCold && similarity <= coldSimilarityMin {
		return nil
	}

	result := &Result{
		Memory:     candidate.Memory,
		Tier:       tier,
		Similarity: similarity,
		Recency:    RecencyScore(currentTurn, candidate.SourceTurn),
		Usage:      UsageScore(candidate.AccessCount),
		Confidence: candidate.Memory.Confidence,
		Conflict:   conflictPenalty(candidate.Memory),
		Staleness:  StalenessScore(delta),
	}
	result.Score = Composite(result, weights)
	return result
}

// Composite combines the component scores under a weight profile, clamped to [0, 1].
func Composite(r *Result, w Weights) float64 {
	score := w.Similarity*r.Similarity +
		w.Recency*r.Recency +
		w.Usage*r.Usage +
		w.Confidence*r.Confidence -
		w.Conflict*r.Conflict -
		w.Staleness*r.Staleness
	return math.Max(0, math.Min(1, score))
}

// TierFor buckets a memory by how many turns ago it was created.
func TierFor(delta int) Tier {
	switch {
	case delta <= hotMaxAge:
		return TierHot
	case delta <= warmMaxAge:
		return TierWarm
	default:
		return TierCold
	}
}

// RecencyScore decays with conversational distance, floored so old memories
// never vanish on recency alone. Unknown or inverted turn ordering scores 1.
func RecencyScore(currentTurn, sourceTurn int) float64 {
	if currentTurn <= 0 {
		return 1.0
	}
	delta := currentTurn - sourceTurn
	if delta <= 0 {
		return 1.0
	}
	return math.Max(recencyFloor, math.Pow(recencyDecayBase, float64(delta)))
}

// UsageScore rewards frequently surfaced memories, log-compressed so heavy
// hitters do not drown everything else.
func UsageScore(accessCount int32) float64 {
	if accessCount <= 0 {
		return 0
	}
	return math.Log(1 + float64(accessCount))
}

// StalenessScore grows linearly with age up to the horizon.
func StalenessScore(delta int) float64 {
	if delta <= 0 {
		return 0
	}
	return math.Min(1, float64(delta)/stalenessHorizon)
}

// scheduledOn reports whether the memory carries a scheduled date on the
// same calendar day as target.
func scheduledOn(m *store.Memory, target time.Time) bool {
	if m.Context == nil {
		return false
	}
	raw, ok := m.Context["scheduled_date"].(string)
	if !ok {
		return false
	}
	scheduled, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	sy, sm, sd := scheduled.Date()
	ty, tm, td := target.Date()
	return sy == ty && sm == tm && sd == td
}

// conflictPenalty is 1 when the memory's context marks it as conflicting or
// superseded, 0 otherwise.
func conflictPenalty(m *store.Memory) float64 {
	if m.Context == nil {
		return 0
	}
	if v, ok := m.Context["conflict"].(bool); ok && v {
		return 1
	}
	if _, ok := m.Context["superseded_by"]; ok {
		return 1
	}
	return 0
}
