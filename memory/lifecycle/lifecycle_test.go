package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/longmem/ai/core/llm"
	"github.com/hrygo/longmem/store"
)

type fakeDriver struct {
	store.Driver

	memories   []*store.Memory
	embeddings []*store.MemoryEmbedding

	deletedIDs []string
	updates    []*store.UpdateMemory
	created    []*store.Memory
	upserted   []*store.MemoryEmbedding
}

func (d *fakeDriver) ListActiveUserIDs(_ context.Context, _ time.Time) ([]string, error) {
	seen := map[string]bool{}
	ids := []string{}
	for _, m := range d.memories {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}

func (d *fakeDriver) ListMemories(_ context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	matches := []*store.Memory{}
	for _, m := range d.memories {
		if find.UserID != nil && m.UserID != *find.UserID {
			continue
		}
		if len(find.Types) > 0 && m.Type != find.Types[0] {
			continue
		}
		if find.CreatedBefore != nil && !m.CreatedAt.Before(*find.CreatedBefore) {
			continue
		}
		matches = append(matches, m)
		if find.Limit > 0 && len(matches) >= find.Limit {
			break
		}
	}
	return matches, nil
}

func (d *fakeDriver) GetMemory(_ context.Context, id, userID string) (*store.Memory, error) {
	for _, m := range d.memories {
		if m.ID == id && m.UserID == userID {
			return m, nil
		}
	}
	return nil, nil
}

func (d *fakeDriver) DeleteMemory(_ context.Context, delete *store.DeleteMemory) error {
	d.deletedIDs = append(d.deletedIDs, delete.IDs...)
	return nil
}

func (d *fakeDriver) UpdateMemory(_ context.Context, update *store.UpdateMemory) (*store.Memory, error) {
	d.updates = append(d.updates, update)
	for _, m := range d.memories {
		if m.ID == update.ID {
			return m, nil
		}
	}
	return nil, nil
}

func (d *fakeDriver) CreateMemory(_ context.Context, create *store.Memory) (*store.Memory, error) {
	d.created = append(d.created, create)
	return create, nil
}

func (d *fakeDriver) ListRecentEmbeddings(_ context.Context, _ *store.FindRecentEmbeddings) ([]*store.MemoryEmbedding, error) {
	return d.embeddings, nil
}

func (d *fakeDriver) ListMemoriesMissingEmbedding(_ context.Context, userID, _ string, limit int) ([]*store.Memory, error) {
	have := map[string]bool{}
	for _, e := range d.embeddings {
		have[e.MemoryID] = true
	}
	for _, id := range d.deletedIDs {
		have[id] = true
	}
	missing := []*store.Memory{}
	for _, m := range d.memories {
		if m.UserID != userID || have[m.ID] {
			continue
		}
		missing = append(missing, m)
		if limit > 0 && len(missing) >= limit {
			break
		}
	}
	return missing, nil
}

func (d *fakeDriver) UpsertMemoryEmbedding(_ context.Context, embedding *store.MemoryEmbedding) error {
	d.upserted = append(d.upserted, embedding)
	return nil
}

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (l *fakeLLM) Chat(_ context.Context, _ []llm.Message) (string, *llm.CallStats, error) {
	l.calls++
	return l.response, &llm.CallStats{}, l.err
}

func (l *fakeLLM) ChatJSON(_ context.Context, _ []llm.Message) (string, *llm.CallStats, error) {
	l.calls++
	return l.response, &llm.CallStats{}, l.err
}

func (l *fakeLLM) Warmup(_ context.Context) {}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func newWorker(driver *fakeDriver, llmService llm.Service) *Worker {
	return NewWorker(store.New(driver, nil), llmService, fakeEmbedder{}, "BAAI/bge-m3", time.Hour)
}

func daysAgo(n int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -n)
}

func TestExpireUserOldEntities(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{ID: "old-entity", UserID: "user-1", Type: store.MemoryTypeEntity, ImportanceLevel: store.ImportanceMedium, CreatedAt: daysAgo(200)},
			{ID: "fresh-entity", UserID: "user-1", Type: store.MemoryTypeEntity, ImportanceLevel: store.ImportanceMedium, CreatedAt: daysAgo(10)},
			{ID: "critical-entity", UserID: "user-1", Type: store.MemoryTypeEntity, ImportanceLevel: store.ImportanceCritical, CreatedAt: daysAgo(400)},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	expired, err := worker.ExpireUser(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{"old-entity"}, driver.deletedIDs)
}

func TestExpireUserFulfilledCommitments(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{
				ID: "done-old", UserID: "user-1", Type: store.MemoryTypeCommitment,
				ImportanceLevel: store.ImportanceHigh,
				Context: map[string]any{
					"fulfilled":    true,
					"fulfilled_at": daysAgo(10).Format(time.RFC3339),
				},
			},
			{
				ID: "done-recent", UserID: "user-1", Type: store.MemoryTypeCommitment,
				ImportanceLevel: store.ImportanceHigh,
				Context: map[string]any{
					"fulfilled":    true,
					"fulfilled_at": daysAgo(2).Format(time.RFC3339),
				},
			},
			{ID: "pending", UserID: "user-1", Type: store.MemoryTypeCommitment, ImportanceLevel: store.ImportanceHigh},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	expired, err := worker.ExpireUser(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, expired)
	assert.Equal(t, []string{"done-old"}, driver.deletedIDs)
}

func TestExpireUserArchivesFadedMemories(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{ID: "faded", UserID: "user-1", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceMedium,
				DecayScore: 0.05, CreatedAt: daysAgo(200)},
			{ID: "held", UserID: "user-1", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceMedium,
				DecayScore: 0.5, CreatedAt: daysAgo(200)},
			{ID: "aged-low", UserID: "user-1", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceLow,
				DecayScore: 0.5, CreatedAt: daysAgo(400)},
			{ID: "faded-high", UserID: "user-1", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceHigh,
				DecayScore: 0.01, CreatedAt: daysAgo(400)},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	expired, err := worker.ExpireUser(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 2, expired)
	assert.ElementsMatch(t, []string{"faded", "aged-low"}, driver.deletedIDs)
}

func TestBackfillEmbeddings(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{ID: "vectorless", UserID: "user-1", Type: store.MemoryTypeFact, Content: "prefers tea over coffee", CreatedAt: daysAgo(1)},
			{ID: "vectored", UserID: "user-1", Type: store.MemoryTypeFact, Content: "lives in Lisbon", CreatedAt: daysAgo(1)},
		},
		embeddings: []*store.MemoryEmbedding{
			{MemoryID: "vectored", Embedding: []float32{1, 0, 0}},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	embedded, err := worker.BackfillEmbeddings(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, embedded)
	require.Len(t, driver.upserted, 1)
	assert.Equal(t, "vectorless", driver.upserted[0].MemoryID)
	assert.Equal(t, "BAAI/bge-m3", driver.upserted[0].Model)
}

func TestRefreshDecayWritesOnlyMeaningfulChanges(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			// Decayed far below the stored score: must write back.
			{ID: "stale", UserID: "user-1", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceLow,
				ImportanceScore: 0.7, DecayScore: 0.7, CreatedAt: daysAgo(100), LastAccessed: daysAgo(100)},
			// Fresh with an up-to-date decay score: change below the write threshold.
			{ID: "fresh", UserID: "user-1", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceLow,
				ImportanceScore: 0.7, DecayScore: 0.772, CreatedAt: daysAgo(1), LastAccessed: daysAgo(1)},
			// Critical: never decays.
			{ID: "critical", UserID: "user-1", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceCritical,
				ImportanceScore: 1.0, DecayScore: 1.0, CreatedAt: daysAgo(500), LastAccessed: daysAgo(500)},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	updates, err := worker.RefreshDecay(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, updates)
	require.Len(t, driver.updates, 1)
	assert.Equal(t, "stale", driver.updates[0].ID)
	assert.Less(t, *driver.updates[0].DecayScore, 0.7)
}

func TestClusterEmbeddings(t *testing.T) {
	embeddings := []*store.MemoryEmbedding{
		{MemoryID: "a", Embedding: []float32{1, 0, 0}},
		{MemoryID: "b", Embedding: []float32{0.99, 0.05, 0}},
		{MemoryID: "c", Embedding: []float32{0, 1, 0}},
	}

	clusters := clusterEmbeddings(embeddings, 0.90)

	require.Len(t, clusters, 2)
	assert.Equal(t, []string{"a", "b"}, clusters[0])
	assert.Equal(t, []string{"c"}, clusters[1])
}

func TestConsolidateUserMergesCluster(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{ID: "a", UserID: "user-1", Type: store.MemoryTypeFact, Content: "works at Initech", Confidence: 0.8,
				SourceTurn: 10, Tags: []string{"work"}, Entities: []string{"Initech"}},
			{ID: "b", UserID: "user-1", Type: store.MemoryTypeFact, Content: "is employed at Initech as engineer", Confidence: 0.9,
				SourceTurn: 40, Tags: []string{"job"}, Entities: []string{"Initech"}},
		},
		embeddings: []*store.MemoryEmbedding{
			{MemoryID: "a", Embedding: []float32{1, 0, 0}},
			{MemoryID: "b", Embedding: []float32{0.99, 0.05, 0}},
		},
	}
	worker := newWorker(driver, &fakeLLM{response: `{"content": "works at Initech as an engineer"}`})

	merged, err := worker.ConsolidateUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	require.Len(t, driver.created, 1)
	created := driver.created[0]
	assert.Equal(t, "works at Initech as an engineer", created.Content)
	assert.Equal(t, 0.9, created.Confidence)
	assert.Equal(t, 40, created.SourceTurn)
	assert.ElementsMatch(t, []string{"work", "job"}, created.Tags)
	assert.Equal(t, []string{"Initech"}, created.Entities)

	assert.ElementsMatch(t, []string{"a", "b"}, driver.deletedIDs)
	require.Len(t, driver.upserted, 1)
	assert.Equal(t, created.ID, driver.upserted[0].MemoryID)
}

func TestConsolidateUserNoClusters(t *testing.T) {
	driver := &fakeDriver{
		embeddings: []*store.MemoryEmbedding{
			{MemoryID: "a", Embedding: []float32{1, 0, 0}},
			{MemoryID: "b", Embedding: []float32{0, 1, 0}},
		},
	}
	fake := &fakeLLM{}
	worker := newWorker(driver, fake)

	merged, err := worker.ConsolidateUser(context.Background(), "user-1")
	require.NoError(t, err)

	assert.Zero(t, merged)
	assert.Zero(t, fake.calls)
	assert.Empty(t, driver.created)
}

func TestMarkCommitmentFulfilled(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{ID: "commit-1", UserID: "user-1", Type: store.MemoryTypeCommitment},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	err := worker.MarkCommitmentFulfilled(context.Background(), "user-1", "commit-1")
	require.NoError(t, err)

	require.Len(t, driver.updates, 1)
	ctx := *driver.updates[0].Context
	assert.Equal(t, true, ctx["fulfilled"])
	assert.NotEmpty(t, ctx["fulfilled_at"])
}

func TestMarkCommitmentFulfilledNotFound(t *testing.T) {
	worker := newWorker(&fakeDriver{}, &fakeLLM{})

	err := worker.MarkCommitmentFulfilled(context.Background(), "user-1", "missing")
	assert.ErrorIs(t, err, ErrCommitmentNotFound)
}

func TestMarkCommitmentFulfilledWrongType(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{ID: "fact-1", UserID: "user-1", Type: store.MemoryTypeFact},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	err := worker.MarkCommitmentFulfilled(context.Background(), "user-1", "fact-1")
	assert.ErrorIs(t, err, ErrCommitmentNotFound)
}

func TestRunOnceAggregatesAcrossUsers(t *testing.T) {
	driver := &fakeDriver{
		memories: []*store.Memory{
			{ID: "old-entity", UserID: "user-1", Type: store.MemoryTypeEntity, ImportanceLevel: store.ImportanceMedium, CreatedAt: daysAgo(200)},
			{ID: "fact", UserID: "user-2", Type: store.MemoryTypeFact, ImportanceLevel: store.ImportanceMedium, CreatedAt: daysAgo(1)},
		},
	}
	worker := newWorker(driver, &fakeLLM{})

	report, err := worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Users)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Embedded)
}
