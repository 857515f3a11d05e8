// Package lifecycle runs the offline maintenance loop over the memory store:
// TTL expiry, decay refresh, consolidation of near-duplicates, and conflict
// resolution. Nothing here runs on the request path.
package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/ai/core/llm"
	"github.com/hrygo/longmem/memory/dedup"
	"github.com/hrygo/longmem/memory/weight"
	"github.com/hrygo/longmem/store"
)

// ErrCommitmentNotFound is returned when marking fulfillment on a memory
// that does not exist or is not a commitment.
var ErrCommitmentNotFound = errors.New("commitment not found")

const (
	// Entities may go stale; everything else is persistent until superseded.
	entityTTLDays = 180

	// Fulfilled commitments linger briefly so follow-up questions still work.
	fulfilledGraceDays = 7

	// Decay refresh writes back only meaningful changes.
	decayWriteThreshold = 0.05

	// How many vectorless memories are embedded per user per pass.
	backfillWindow = 100

	// Consolidation merges memories at or above this cosine similarity.
	consolidationThreshold = 0.90

	// How many of a user's newest embeddings are scanned per consolidation run.
	consolidationWindow = 200

	// Conflict scan compares each of the newest memories against this window.
	conflictScanWindow = 50
	conflictScanNewest = 10
)

const mergeSystemPrompt = `You merge near-duplicate memory statements about a user into one.
Keep every distinct detail, drop repetition, and write a single concise statement.
Return ONLY a JSON object: {"content": "merged statement"}`

// Embedder is the slice of the embedding service the worker needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RunReport summarizes one maintenance pass.
type RunReport struct {
	Users        int
	Expired      int
	DecayUpdates int
	Embedded     int
	Merged       int
	Conflicts    int
	Duration     time.Duration
}

// Worker owns the periodic maintenance loop.
type Worker struct {
	store    *store.Store
	llm      llm.Service
	embedder Embedder
	model    string
	interval time.Duration

	conflicts *ConflictResolver
}

// NewWorker creates a lifecycle worker. The model names the embedding model
// whose vectors back consolidation.
func NewWorker(s *store.Store, llmService llm.Service, embedder Embedder, model string, interval time.Duration) *Worker {
	return &Worker{
		store:     s,
		llm:       llmService,
		embedder:  embedder,
		model:     model,
		interval:  interval,
		conflicts: NewConflictResolver(s, llmService),
	}
}

// Start blocks running maintenance passes until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("lifecycle worker started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lifecycle worker stopped")
			return
		case <-ticker.C:
			report, err := w.RunOnce(ctx)
			if err != nil {
				slog.Error("lifecycle run failed", "error", err)
				continue
			}
			slog.Info("lifecycle run complete",
				"users", report.Users,
				"expired", report.Expired,
				"decay_updates", report.DecayUpdates,
				"embedded", report.Embedded,
				"merged", report.Merged,
				"conflicts", report.Conflicts,
				"duration", report.Duration,
			)
		}
	}
}

// RunOnce performs one full maintenance pass over all users. Per-user errors
// are logged and skipped so one bad row never stalls the loop.
func (w *Worker) RunOnce(ctx context.Context) (*RunReport, error) {
	start := time.Now()
	report := &RunReport{}

	userIDs, err := w.store.ListActiveUserIDs(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	report.Users = len(userIDs)

	for _, userID := range userIDs {
		expired, err := w.ExpireUser(ctx, userID)
		if err != nil {
			slog.Error("lifecycle: expiry failed", "user_id", userID, "error", err)
		}
		report.Expired += expired

		updates, err := w.RefreshDecay(ctx, userID)
		if err != nil {
			slog.Error("lifecycle: decay refresh failed", "user_id", userID, "error", err)
		}
		report.DecayUpdates += updates

		embedded, err := w.BackfillEmbeddings(ctx, userID)
		if err != nil {
			slog.Error("lifecycle: embedding backfill failed", "user_id", userID, "error", err)
		}
		report.Embedded += embedded

		merged, err := w.ConsolidateUser(ctx, userID)
		if err != nil {
			slog.Error("lifecycle: consolidation failed", "user_id", userID, "error", err)
		}
		report.Merged += merged

		conflicts, err := w.ResolveConflicts(ctx, userID)
		if err != nil {
			slog.Error("lifecycle: conflict scan failed", "user_id", userID, "error", err)
		}
		report.Conflicts += conflicts
	}

	report.Duration = time.Since(start)
	return report, nil
}

// ExpireUser applies the retention policy: entity memories older than 180
// days, commitments fulfilled more than 7 days ago, and faded memories past
// the archive horizon are deleted. Critical memories never expire.
func (w *Worker) ExpireUser(ctx context.Context, userID string) (int, error) {
	memories, err := w.store.ListMemories(ctx, &store.FindMemory{UserID: &userID})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	entityCutoff := now.AddDate(0, 0, -entityTTLDays)
	graceCutoff := now.AddDate(0, 0, -fulfilledGraceDays)

	expired := []string{}
	for _, m := range memories {
		if m.ImportanceLevel == store.ImportanceCritical {
			continue
		}
		switch {
		case m.Type == store.MemoryTypeEntity && m.CreatedAt.Before(entityCutoff):
			expired = append(expired, m.ID)
		case m.Type == store.MemoryTypeCommitment && m.IsFulfilled():
			fulfilledAt, ok := m.FulfilledAt()
			if ok && !fulfilledAt.After(graceCutoff) {
				expired = append(expired, m.ID)
			}
		case weight.ShouldArchive(m.DecayScore, int(now.Sub(m.CreatedAt).Hours()/24), m.ImportanceLevel):
			expired = append(expired, m.ID)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}
	if err := w.store.DeleteMemory(ctx, &store.DeleteMemory{IDs: expired, UserID: &userID}); err != nil {
		return 0, err
	}
	slog.Info("lifecycle: memories expired", "user_id", userID, "count", len(expired))
	return len(expired), nil
}

// RefreshDecay recomputes decayed weights and writes back only when the
// change is meaningful. Critical memories hold their weight.
func (w *Worker) RefreshDecay(ctx context.Context, userID string) (int, error) {
	memories, err := w.store.ListMemories(ctx, &store.FindMemory{UserID: &userID})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	updates := 0
	for _, m := range memories {
		if weight.DecayRate(m.ImportanceLevel) == 0 {
			continue
		}
		lastAccessed := m.LastAccessed
		current := weight.CurrentWeight(m.ImportanceScore, m.ImportanceLevel, m.CreatedAt, int(m.AccessCount), &lastAccessed, now)
		delta := current - m.DecayScore
		if delta < 0 {
			delta = -delta
		}
		if delta <= decayWriteThreshold {
			continue
		}

		score := current
		if _, err := w.store.UpdateMemory(ctx, &store.UpdateMemory{
			ID:         m.ID,
			UserID:     userID,
			DecayScore: &score,
		}); err != nil {
			slog.Warn("lifecycle: decay write-back failed", "memory_id", m.ID, "error", err)
			continue
		}
		updates++
	}
	return updates, nil
}

// BackfillEmbeddings embeds memories whose write-path embedding failed.
// Rows without a vector never surface in retrieval, so the worker retries
// them on every pass.
func (w *Worker) BackfillEmbeddings(ctx context.Context, userID string) (int, error) {
	missing, err := w.store.ListMemoriesMissingEmbedding(ctx, userID, w.model, backfillWindow)
	if err != nil {
		return 0, err
	}

	embedded := 0
	for _, m := range missing {
		vector, err := w.embedder.Embed(ctx, m.Content)
		if err != nil {
			slog.Warn("lifecycle: backfill embedding failed", "memory_id", m.ID, "error", err)
			continue
		}
		if err := w.store.UpsertMemoryEmbedding(ctx, &store.MemoryEmbedding{
			MemoryID:  m.ID,
			Model:     w.model,
			Embedding: vector,
		}); err != nil {
			slog.Warn("lifecycle: backfill embedding upsert failed", "memory_id", m.ID, "error", err)
			continue
		}
		embedded++
	}
	if embedded > 0 {
		slog.Info("lifecycle: embeddings backfilled", "user_id", userID, "count", embedded)
	}
	return embedded, nil
}

// ConsolidateUser merges clusters of near-duplicate memories into a single
// statement: max confidence wins, tags and entities union, originals are
// deleted. The merge text comes from the LLM.
func (w *Worker) ConsolidateUser(ctx context.Context, userID string) (int, error) {
	embeddings, err := w.store.ListRecentEmbeddings(ctx, &store.FindRecentEmbeddings{
		UserID: userID,
		Model:  w.model,
		Limit:  consolidationWindow,
	})
	if err != nil {
		// Dev drivers have no embeddings; consolidation is a no-op there.
		slog.Debug("lifecycle: embeddings unavailable, skipping consolidation", "user_id", userID, "error", err)
		return 0, nil
	}
	if len(embeddings) < 2 {
		return 0, nil
	}

	merged := 0
	for _, cluster := range clusterEmbeddings(embeddings, consolidationThreshold) {
		if len(cluster) < 2 {
			continue
		}
		if err := w.mergeCluster(ctx, userID, cluster); err != nil {
			slog.Warn("lifecycle: cluster merge failed", "user_id", userID, "error", err)
			continue
		}
		merged++
	}
	return merged, nil
}

// clusterEmbeddings groups memory IDs greedily: each unvisited embedding
// seeds a cluster absorbing every later embedding above the threshold.
func clusterEmbeddings(embeddings []*store.MemoryEmbedding, threshold float64) [][]string {
	clusters := [][]string{}
	used := make(map[int]bool, len(embeddings))

	for i := range embeddings {
		if used[i] {
			continue
		}
		cluster := []string{embeddings[i].MemoryID}
		used[i] = true
		for j := i + 1; j < len(embeddings); j++ {
			if used[j] {
				continue
			}
			if dedup.CosineSimilarity(embeddings[i].Embedding, embeddings[j].Embedding) >= threshold {
				cluster = append(cluster, embeddings[j].MemoryID)
				used[j] = true
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func (w *Worker) mergeCluster(ctx context.Context, userID string, memoryIDs []string) error {
	members := []*store.Memory{}
	for _, id := range memoryIDs {
		m, err := w.store.GetMemory(ctx, id, userID)
		if err != nil {
			return err
		}
		if m != nil {
			members = append(members, m)
		}
	}
	if len(members) < 2 {
		return nil
	}

	content, err := w.mergeContent(ctx, members)
	if err != nil {
		return err
	}

	maxConfidence := 0.0
	maxTurn := 0
	memoryType := members[0].Type
	tags := map[string]bool{}
	entities := map[string]bool{}
	originals := make([]string, 0, len(members))
	for _, m := range members {
		if m.Confidence > maxConfidence {
			maxConfidence = m.Confidence
			memoryType = m.Type
		}
		if m.SourceTurn > maxTurn {
			maxTurn = m.SourceTurn
		}
		for _, t := range m.Tags {
			tags[t] = true
		}
		for _, e := range m.Entities {
			entities[e] = true
		}
		originals = append(originals, m.ID)
	}

	initial := weight.CalculateInitial(memoryType, content, maxConfidence, setToSlice(entities), false)
	mergedMemory := &store.Memory{
		ID:              uuid.NewString(),
		UserID:          userID,
		Type:            memoryType,
		Content:         content,
		Confidence:      maxConfidence,
		SourceTurn:      maxTurn,
		Version:         1,
		DecayScore:      initial.Score,
		ImportanceScore: initial.Score,
		ImportanceLevel: initial.Level,
		Tags:            setToSlice(tags),
		Entities:        setToSlice(entities),
		Context: map[string]any{
			"consolidated_from": originals,
			"consolidated_at":   time.Now().UTC().Format(time.RFC3339),
		},
	}

	if _, err := w.store.CreateMemory(ctx, mergedMemory); err != nil {
		if errors.Is(err, store.ErrDuplicateMemory) {
			// The merged statement already exists; just drop the originals.
			return w.store.DeleteMemory(ctx, &store.DeleteMemory{IDs: originals, UserID: &userID})
		}
		return err
	}

	vector, err := w.embedder.Embed(ctx, content)
	if err != nil {
		slog.Warn("lifecycle: merged memory embedding failed", "memory_id", mergedMemory.ID, "error", err)
	} else if err := w.store.UpsertMemoryEmbedding(ctx, &store.MemoryEmbedding{
		MemoryID:  mergedMemory.ID,
		Model:     w.model,
		Embedding: vector,
	}); err != nil {
		slog.Warn("lifecycle: merged memory embedding upsert failed", "memory_id", mergedMemory.ID, "error", err)
	}

	if err := w.store.DeleteMemory(ctx, &store.DeleteMemory{IDs: originals, UserID: &userID}); err != nil {
		return err
	}

	slog.Info("lifecycle: memories consolidated",
		"user_id", userID,
		"merged_into", mergedMemory.ID,
		"originals", len(originals),
	)
	return nil
}

func (w *Worker) mergeContent(ctx context.Context, members []*store.Memory) (string, error) {
	var sb strings.Builder
	for i, m := range members {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(m.Content)
	}

	raw, _, err := w.llm.ChatJSON(ctx, []llm.Message{
		llm.SystemPrompt(mergeSystemPrompt),
		llm.UserMessage("Merge these statements:\n" + sb.String()),
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out.Content == "" {
		// Fall back to the highest-confidence member's content.
		best := members[0]
		for _, m := range members[1:] {
			if m.Confidence > best.Confidence {
				best = m
			}
		}
		return best.Content, nil
	}
	return out.Content, nil
}

// ResolveConflicts scans a user's newest memories against a trailing window
// for contradictions.
func (w *Worker) ResolveConflicts(ctx context.Context, userID string) (int, error) {
	recent, err := w.store.ListMemories(ctx, &store.FindMemory{
		UserID:         &userID,
		OrderByCreated: true,
		Limit:          conflictScanWindow,
	})
	if err != nil {
		return 0, err
	}
	if len(recent) < 2 {
		return 0, nil
	}

	newest := recent
	if len(newest) > conflictScanNewest {
		newest = newest[:conflictScanNewest]
	}

	resolved := 0
	for i, m := range newest {
		// Only compare against strictly older memories.
		resolution, err := w.conflicts.DetectAndResolve(ctx, m, recent[i+1:])
		if err != nil {
			slog.Warn("lifecycle: conflict resolution failed", "memory_id", m.ID, "error", err)
			continue
		}
		if resolution != ResolutionNone {
			resolved++
		}
	}
	return resolved, nil
}

// MarkCommitmentFulfilled flags a commitment as done, starting its grace
// period before TTL cleanup removes it.
func (w *Worker) MarkCommitmentFulfilled(ctx context.Context, userID, memoryID string) error {
	return MarkCommitmentFulfilled(ctx, w.store, userID, memoryID)
}

// MarkCommitmentFulfilled flags a commitment memory as fulfilled in its
// context payload.
func MarkCommitmentFulfilled(ctx context.Context, s *store.Store, userID, memoryID string) error {
	m, err := s.GetMemory(ctx, memoryID, userID)
	if err != nil {
		return err
	}
	if m == nil || m.Type != store.MemoryTypeCommitment {
		return ErrCommitmentNotFound
	}

	updated := cloneContext(m.Context)
	updated["fulfilled"] = true
	updated["fulfilled_at"] = time.Now().UTC().Format(time.RFC3339)

	_, err = s.UpdateMemory(ctx, &store.UpdateMemory{
		ID:      memoryID,
		UserID:  userID,
		Context: &updated,
	})
	return err
}

func setToSlice(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
