package server

import (
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/memory/retrieval"
	"github.com/hrygo/longmem/memory/weight"
	"github.com/hrygo/longmem/store"
)

// Request bounds, counted in runes.
const (
	maxMemoryContentLen = 5000
	maxTurnMessageLen   = 10000
	maxSearchTopK       = 100
)

type memoryResponse struct {
	ID              string           `json:"id"`
	Type            store.MemoryType `json:"type"`
	Content         string           `json:"content"`
	Confidence      float64          `json:"confidence"`
	SourceTurn      int              `json:"source_turn"`
	LastUsedTurn    int              `json:"last_used_turn"`
	Version         int32            `json:"version"`
	AccessCount     int32            `json:"access_count"`
	DecayScore      float64          `json:"decay_score"`
	ImportanceScore float64          `json:"importance_score"`
	ImportanceLevel string           `json:"importance_level"`
	Tags            []string         `json:"tags"`
	Entities        []string         `json:"entities"`
	Context         map[string]any   `json:"context,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	LastAccessed    time.Time        `json:"last_accessed"`
}

func toMemoryResponse(m *store.Memory) *memoryResponse {
	return &memoryResponse{
		ID:              m.ID,
		Type:            m.Type,
		Content:         m.Content,
		Confidence:      m.Confidence,
		SourceTurn:      m.SourceTurn,
		LastUsedTurn:    m.LastUsedTurn,
		Version:         m.Version,
		AccessCount:     m.AccessCount,
		DecayScore:      m.DecayScore,
		ImportanceScore: m.ImportanceScore,
		ImportanceLevel: string(m.ImportanceLevel),
		Tags:            m.Tags,
		Entities:        m.Entities,
		Context:         m.Context,
		CreatedAt:       m.CreatedAt,
		LastAccessed:    m.LastAccessed,
	}
}

func (s *Server) handleListMemories(c echo.Context) error {
	userID := userIDFromContext(c)
	find := &store.FindMemory{
		UserID:         &userID,
		OrderByCreated: true,
		Limit:          queryInt(c, "limit", 50),
		Offset:         queryInt(c, "offset", 0),
	}
	if raw := c.QueryParam("type"); raw != "" {
		memoryType, ok := store.NormalizeMemoryType(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown memory type")
		}
		find.Types = []store.MemoryType{memoryType}
	}

	memories, err := s.store.ListMemories(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list memories")
	}

	resp := make([]*memoryResponse, 0, len(memories))
	for _, memory := range memories {
		resp = append(resp, toMemoryResponse(memory))
	}
	return c.JSON(http.StatusOK, resp)
}

type createMemoryRequest struct {
	Type       string   `json:"type"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
	Entities   []string `json:"entities"`
}

func (s *Server) handleCreateMemory(c echo.Context) error {
	var req createMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Content == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "content is required")
	}
	if utf8.RuneCountInString(req.Content) > maxMemoryContentLen {
		return echo.NewHTTPError(http.StatusBadRequest, "content too long")
	}
	memoryType, ok := store.NormalizeMemoryType(req.Type)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown memory type")
	}
	confidence := req.Confidence
	if confidence <= 0 || confidence > 1 {
		// Explicit creates are deliberate; trust them by default.
		confidence = 1.0
	}

	initial := weight.CalculateInitial(memoryType, req.Content, confidence, req.Entities, false)
	memory := &store.Memory{
		ID:              uuid.NewString(),
		UserID:          userIDFromContext(c),
		Type:            memoryType,
		Content:         req.Content,
		Confidence:      confidence,
		Tags:            req.Tags,
		Entities:        req.Entities,
		DecayScore:      initial.Score,
		ImportanceScore: initial.Score,
		ImportanceLevel: initial.Level,
	}

	created, err := s.store.CreateMemory(c.Request().Context(), memory)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateMemory) {
			return echo.NewHTTPError(http.StatusConflict, "memory already exists")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create memory")
	}

	s.indexMemory(c, created)
	return c.JSON(http.StatusCreated, toMemoryResponse(created))
}

// indexMemory embeds and upserts a memory's vector. Best effort; the
// row is authoritative and can be re-embedded later.
func (s *Server) indexMemory(c echo.Context, memory *store.Memory) {
	if s.embedder == nil {
		return
	}
	ctx := c.Request().Context()
	vector, err := s.embedder.Embed(ctx, memory.Content)
	if err != nil {
		slog.Warn("failed to embed memory", "memory_id", memory.ID, "error", err)
		return
	}
	if err := s.store.UpsertMemoryEmbedding(ctx, &store.MemoryEmbedding{
		MemoryID:  memory.ID,
		Model:     s.profile.EmbeddingModel,
		Embedding: vector,
	}); err != nil {
		slog.Warn("failed to index memory", "memory_id", memory.ID, "error", err)
	}
}

func (s *Server) handleGetMemory(c echo.Context) error {
	memory, err := s.store.GetMemory(c.Request().Context(), c.Param("id"), userIDFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get memory")
	}
	if memory == nil {
		return echo.NewHTTPError(http.StatusNotFound, "memory not found")
	}
	return c.JSON(http.StatusOK, toMemoryResponse(memory))
}

type updateMemoryRequest struct {
	Content    *string   `json:"content"`
	Confidence *float64  `json:"confidence"`
	Tags       *[]string `json:"tags"`
	Entities   *[]string `json:"entities"`
}

func (s *Server) handleUpdateMemory(c echo.Context) error {
	var req updateMemoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Content == nil && req.Confidence == nil && req.Tags == nil && req.Entities == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		return echo.NewHTTPError(http.StatusBadRequest, "confidence must be within [0, 1]")
	}

	updated, err := s.store.UpdateMemory(c.Request().Context(), &store.UpdateMemory{
		ID:          c.Param("id"),
		UserID:      userIDFromContext(c),
		Content:     req.Content,
		Confidence:  req.Confidence,
		Tags:        req.Tags,
		Entities:    req.Entities,
		BumpVersion: req.Content != nil,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "memory not found")
	}

	if req.Content != nil {
		s.indexMemory(c, updated)
	}
	return c.JSON(http.StatusOK, toMemoryResponse(updated))
}

func (s *Server) handleDeleteMemory(c echo.Context) error {
	id := c.Param("id")
	userID := userIDFromContext(c)
	err := s.store.DeleteMemory(c.Request().Context(), &store.DeleteMemory{
		ID:     &id,
		UserID: &userID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete memory")
	}
	return c.NoContent(http.StatusNoContent)
}

type memoryStatsResponse struct {
	TotalMemories    int            `json:"total_memories"`
	MemoriesByType   map[string]int `json:"memories_by_type"`
	AvgConfidence    float64        `json:"avg_confidence"`
	OldestMemoryTurn int            `json:"oldest_memory_turn"`
	NewestMemoryTurn int            `json:"newest_memory_turn"`
	TotalAccessCount int64          `json:"total_access_count"`
	HotMemories      int            `json:"hot_memories"`
}

func (s *Server) handleMemoryStats(c echo.Context) error {
	stats, err := s.store.GetMemoryStats(c.Request().Context(), userIDFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get memory stats")
	}
	return c.JSON(http.StatusOK, &memoryStatsResponse{
		TotalMemories:    stats.TotalMemories,
		MemoriesByType:   stats.MemoriesByType,
		AvgConfidence:    stats.AvgConfidence,
		OldestMemoryTurn: stats.OldestMemoryTurn,
		NewestMemoryTurn: stats.NewestMemoryTurn,
		TotalAccessCount: stats.TotalAccessCount,
		HotMemories:      stats.HotMemories,
	})
}

type searchMemoriesRequest struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	Types         []string `json:"types"`
	MinConfidence float64  `json:"min_confidence"`
	CurrentTurn   int      `json:"current_turn"`
}

type searchResultResponse struct {
	Memory     *memoryResponse `json:"memory"`
	Tier       string          `json:"tier"`
	Similarity float64         `json:"similarity"`
	Score      float64         `json:"score"`
}

type searchMemoriesResponse struct {
	Results    []*searchResultResponse `json:"results"`
	Intent     string                  `json:"intent"`
	Candidates int                     `json:"candidates"`
	Silenced   bool                    `json:"silenced"`
}

func (s *Server) handleSearchMemories(c echo.Context) error {
	var req searchMemoriesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	if req.TopK <= 0 {
		req.TopK = s.profile.RetrievalTopK
	}
	if req.TopK > maxSearchTopK {
		return echo.NewHTTPError(http.StatusBadRequest, "top_k too large")
	}

	types := make([]store.MemoryType, 0, len(req.Types))
	for _, raw := range req.Types {
		memoryType, ok := store.NormalizeMemoryType(raw)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown memory type: "+raw)
		}
		types = append(types, memoryType)
	}

	search, err := s.search.Search(c.Request().Context(), &retrieval.SearchRequest{
		UserID:        userIDFromContext(c),
		Query:         req.Query,
		TopK:          req.TopK,
		CurrentTurn:   req.CurrentTurn,
		Types:         types,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "search failed")
	}

	results := make([]*searchResultResponse, 0, len(search.Results))
	for _, result := range search.Results {
		results = append(results, &searchResultResponse{
			Memory:     toMemoryResponse(result.Memory),
			Tier:       string(result.Tier),
			Similarity: result.Similarity,
			Score:      result.Score,
		})
	}
	return c.JSON(http.StatusOK, &searchMemoriesResponse{
		Results:    results,
		Intent:     string(search.Traits.Intent),
		Candidates: search.Candidates,
		Silenced:   search.Silenced,
	})
}
