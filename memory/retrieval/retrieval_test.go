package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/longmem/store"
)

type fakeDriver struct {
	store.Driver

	results  []*store.MemoryWithScore
	err      error
	lastOpts *store.MemoryVectorSearchOptions
}

func (d *fakeDriver) MemoryVectorSearch(_ context.Context, opts *store.MemoryVectorSearchOptions) ([]*store.MemoryWithScore, error) {
	d.lastOpts = opts
	if d.err != nil {
		return nil, d.err
	}
	limit := opts.Limit
	if limit > len(d.results) {
		limit = len(d.results)
	}
	return d.results[:limit], nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0}, nil
}

func candidate(id string, similarity float32, sourceTurn int) *store.MemoryWithScore {
	return &store.MemoryWithScore{
		Memory: &store.Memory{
			ID:         id,
			UserID:     "user-1",
			Type:       store.MemoryTypeFact,
			Confidence: 0.9,
			SourceTurn: sourceTurn,
		},
		Score: similarity,
	}
}

func newRetriever(driver *fakeDriver, embedder *fakeEmbedder) *Retriever {
	return New(store.New(driver, nil), embedder, "BAAI/bge-m3", 0.30)
}

func TestSearchRanksBySimilarity(t *testing.T) {
	driver := &fakeDriver{
		results: []*store.MemoryWithScore{
			candidate("mem-low", 0.55, 95),
			candidate("mem-high", 0.92, 95),
		},
	}
	retriever := newRetriever(driver, &fakeEmbedder{})

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "where does my brother live",
		TopK:        5,
		CurrentTurn: 100,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "mem-high", resp.Results[0].Memory.ID)
	assert.Equal(t, "mem-low", resp.Results[1].Memory.ID)
	assert.False(t, resp.Silenced)
	assert.Equal(t, 2, resp.Candidates)
}

func TestSearchTruncatesToTopK(t *testing.T) {
	driver := &fakeDriver{
		results: []*store.MemoryWithScore{
			candidate("mem-1", 0.9, 95),
			candidate("mem-2", 0.8, 95),
			candidate("mem-3", 0.7, 95),
		},
	}
	retriever := newRetriever(driver, &fakeEmbedder{})

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "what does my sister do",
		TopK:        2,
		CurrentTurn: 100,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
}

func TestSearchTopKZeroSkipsEmbedding(t *testing.T) {
	embedder := &fakeEmbedder{}
	driver := &fakeDriver{}
	retriever := newRetriever(driver, embedder)

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID: "user-1",
		Query:  "anything",
		TopK:   0,
	})
	require.NoError(t, err)

	assert.Empty(t, resp.Results)
	assert.Zero(t, embedder.calls)
	assert.Nil(t, driver.lastOpts)
}

func TestSearchEmptyCorpus(t *testing.T) {
	retriever := newRetriever(&fakeDriver{}, &fakeEmbedder{})

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "what is my name",
		TopK:        5,
		CurrentTurn: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.False(t, resp.Silenced)
}

func TestSearchCandidatePoolCapped(t *testing.T) {
	driver := &fakeDriver{}
	retriever := newRetriever(driver, &fakeEmbedder{})

	_, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "query",
		TopK:        30,
		CurrentTurn: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, candidateCap, driver.lastOpts.Limit)

	_, err = retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "query",
		TopK:        5,
		CurrentTurn: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, driver.lastOpts.Limit)
}

func TestSearchDiscardsWeakColdMemories(t *testing.T) {
	driver := &fakeDriver{
		results: []*store.MemoryWithScore{
			candidate("mem-cold-weak", 0.60, 1),
			candidate("mem-cold-strong", 0.85, 1),
		},
	}
	retriever := newRetriever(driver, &fakeEmbedder{})

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "where did my cousin study",
		TopK:        5,
		CurrentTurn: 2000,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	assert.Equal(t, "mem-cold-strong", resp.Results[0].Memory.ID)
	assert.Equal(t, TierCold, resp.Results[0].Tier)
}

func TestSearchSilenceMode(t *testing.T) {
	driver := &fakeDriver{
		results: []*store.MemoryWithScore{
			candidate("mem-weak", 0.15, 95),
		},
	}
	retriever := newRetriever(driver, &fakeEmbedder{})
	// Low confidence keeps the composite below the threshold.
	driver.results[0].Memory.Confidence = 0.1
	driver.results[0].Memory.AccessCount = 0

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "pick a random number",
		TopK:        5,
		CurrentTurn: 100,
	})
	require.NoError(t, err)

	assert.True(t, resp.Silenced)
	assert.Empty(t, resp.Results)
}

func TestSearchNoSilenceForKnowledgeQueries(t *testing.T) {
	driver := &fakeDriver{
		results: []*store.MemoryWithScore{
			candidate("mem-weak", 0.15, 95),
		},
	}
	driver.results[0].Memory.Confidence = 0.1
	retriever := newRetriever(driver, &fakeEmbedder{})

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "what is the capital of France",
		TopK:        5,
		CurrentTurn: 100,
	})
	require.NoError(t, err)

	assert.False(t, resp.Silenced)
	assert.Len(t, resp.Results, 1)
}

func TestSearchEmbedderError(t *testing.T) {
	retriever := newRetriever(&fakeDriver{}, &fakeEmbedder{err: errors.New("embedding api down")})

	_, err := retriever.Search(context.Background(), &SearchRequest{
		UserID: "user-1",
		Query:  "query",
		TopK:   5,
	})
	assert.Error(t, err)
}

func TestSearchForwardsFilters(t *testing.T) {
	driver := &fakeDriver{}
	retriever := newRetriever(driver, &fakeEmbedder{})

	_, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:        "user-1",
		Query:         "my meetings tomorrow",
		TopK:          5,
		CurrentTurn:   10,
		Types:         []store.MemoryType{store.MemoryTypeCommitment},
		MinConfidence: 0.5,
	})
	require.NoError(t, err)

	assert.Equal(t, "user-1", driver.lastOpts.UserID)
	assert.Equal(t, []store.MemoryType{store.MemoryTypeCommitment}, driver.lastOpts.Types)
	assert.Equal(t, 0.5, driver.lastOpts.MinConfidence)
	assert.Equal(t, "BAAI/bge-m3", driver.lastOpts.Model)
}

func TestSearchScheduleIntentNarrowsTypes(t *testing.T) {
	driver := &fakeDriver{}
	retriever := newRetriever(driver, &fakeEmbedder{})

	_, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "what is on my calendar tomorrow",
		TopK:        5,
		CurrentTurn: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, []store.MemoryType{store.MemoryTypeCommitment, store.MemoryTypeEntity}, driver.lastOpts.Types)

	_, err = retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "where does my brother live",
		TopK:        5,
		CurrentTurn: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, driver.lastOpts.Types)
}

func TestSearchScheduleDateBoost(t *testing.T) {
	tomorrow := time.Now().AddDate(0, 0, 1).Format(time.RFC3339)
	matching := candidate("mem-tomorrow", 0.70, 95)
	matching.Memory.Type = store.MemoryTypeCommitment
	matching.Memory.Context = map[string]any{"scheduled_date": tomorrow}
	other := candidate("mem-other", 0.72, 95)
	other.Memory.Type = store.MemoryTypeCommitment

	driver := &fakeDriver{results: []*store.MemoryWithScore{other, matching}}
	retriever := newRetriever(driver, &fakeEmbedder{})

	resp, err := retriever.Search(context.Background(), &SearchRequest{
		UserID:      "user-1",
		Query:       "what do I have tomorrow",
		TopK:        5,
		CurrentTurn: 100,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "mem-tomorrow", resp.Results[0].Memory.ID)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestTierFor(t *testing.T) {
	assert.Equal(t, TierHot, TierFor(0))
	assert.Equal(t, TierHot, TierFor(50))
	assert.Equal(t, TierWarm, TierFor(51))
	assert.Equal(t, TierWarm, TierFor(500))
	assert.Equal(t, TierCold, TierFor(501))
}

func TestRecencyScore(t *testing.T) {
	assert.Equal(t, 1.0, RecencyScore(0, 10))
	assert.Equal(t, 1.0, RecencyScore(-1, 10))
	assert.Equal(t, 1.0, RecencyScore(10, 10))
	assert.Equal(t, 1.0, RecencyScore(10, 20))

	// Decays with distance, floored at 0.1.
	assert.InDelta(t, 0.993, RecencyScore(11, 10), 1e-9)
	assert.Greater(t, RecencyScore(20, 10), RecencyScore(100, 10))
	assert.Equal(t, 0.1, RecencyScore(10000, 1))
}

func TestUsageScore(t *testing.T) {
	assert.Equal(t, 0.0, UsageScore(0))
	assert.Greater(t, UsageScore(5), UsageScore(1))
}

func TestStalenessScore(t *testing.T) {
	assert.Equal(t, 0.0, StalenessScore(0))
	assert.InDelta(t, 0.5, StalenessScore(500), 1e-9)
	assert.Equal(t, 1.0, StalenessScore(1000))
	assert.Equal(t, 1.0, StalenessScore(5000))
}

func TestCompositeClamped(t *testing.T) {
	w := WeightsFor(IntentGeneral)

	high := &Result{Similarity: 1, Recency: 1, Usage: 5, Confidence: 1}
	assert.Equal(t, 1.0, Composite(high, w))

	low := &Result{Conflict: 1, Staleness: 1}
	assert.Equal(t, 0.0, Composite(low, w))
}

func TestCompositeConflictPenalty(t *testing.T) {
	w := WeightsFor(IntentGeneral)

	clean := &Result{Similarity: 0.8, Recency: 0.5, Confidence: 0.9}
	conflicted := &Result{Similarity: 0.8, Recency: 0.5, Confidence: 0.9, Conflict: 1}

	assert.Greater(t, Composite(clean, w), Composite(conflicted, w))
}

func TestWeightsForProfiles(t *testing.T) {
	assert.Equal(t, 0.45, WeightsFor(IntentGeneral).Similarity)
	assert.Equal(t, 0.20, WeightsFor(IntentSchedule).Recency)
	assert.Equal(t, 0.15, WeightsFor(IntentPersonal).Confidence)
	assert.Equal(t, WeightsFor(IntentGeneral), WeightsFor(Intent("unknown")))
}

func TestConflictPenaltyFromContext(t *testing.T) {
	assert.Equal(t, 0.0, conflictPenalty(&store.Memory{}))
	assert.Equal(t, 0.0, conflictPenalty(&store.Memory{Context: map[string]any{"conflict": false}}))
	assert.Equal(t, 1.0, conflictPenalty(&store.Memory{Context: map[string]any{"conflict": true}}))
	assert.Equal(t, 1.0, conflictPenalty(&store.Memory{Context: map[string]any{"superseded_by": "mem-2"}}))
}

func TestShouldSilence(t *testing.T) {
	weak := []*Result{{Score: 0.2}}
	strong := []*Result{{Score: 0.8}}

	assert.True(t, ShouldSilence(weak, QueryTraits{}, 0.30))
	assert.False(t, ShouldSilence(strong, QueryTraits{}, 0.30))
	assert.False(t, ShouldSilence(nil, QueryTraits{}, 0.30))
	assert.False(t, ShouldSilence(weak, QueryTraits{Comprehensive: true}, 0.30))
	assert.False(t, ShouldSilence(weak, QueryTraits{KnowledgeSeeking: true}, 0.30))
}
