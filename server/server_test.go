package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/longmem/internal/profile"
	"github.com/hrygo/longmem/memory/lifecycle"
	"github.com/hrygo/longmem/memory/orchestrator"
	"github.com/hrygo/longmem/memory/retrieval"
	"github.com/hrygo/longmem/store"
)

type fakeDriver struct {
	store.Driver

	memories      map[string]*store.Memory
	conversations map[string]*store.Conversation
	turns         []*store.ConversationTurn
	deleted       []string

	createMemoryErr error
	pingErr         error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		memories:      map[string]*store.Memory{},
		conversations: map[string]*store.Conversation{},
	}
}

func (f *fakeDriver) Ping(_ context.Context) error { return f.pingErr }

func (f *fakeDriver) CreateMemory(_ context.Context, create *store.Memory) (*store.Memory, error) {
	if f.createMemoryErr != nil {
		return nil, f.createMemoryErr
	}
	create.CreatedAt = time.Now().UTC()
	f.memories[create.ID] = create
	return create, nil
}

func (f *fakeDriver) GetMemory(_ context.Context, id, userID string) (*store.Memory, error) {
	m, ok := f.memories[id]
	if !ok || m.UserID != userID {
		return nil, nil
	}
	return m, nil
}

func (f *fakeDriver) ListMemories(_ context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	list := []*store.Memory{}
	for _, m := range f.memories {
		if find.UserID != nil && m.UserID != *find.UserID {
			continue
		}
		list = append(list, m)
	}
	return list, nil
}

func (f *fakeDriver) DeleteMemory(_ context.Context, delete *store.DeleteMemory) error {
	if delete.ID != nil {
		f.deleted = append(f.deleted, *delete.ID)
	}
	return nil
}

func (f *fakeDriver) GetMemoryStats(_ context.Context, userID string) (*store.MemoryStats, error) {
	return &store.MemoryStats{
		UserID:         userID,
		TotalMemories:  len(f.memories),
		MemoriesByType: map[string]int{"fact": len(f.memories)},
	}, nil
}

func (f *fakeDriver) UpsertMemoryEmbedding(_ context.Context, _ *store.MemoryEmbedding) error {
	return nil
}

func (f *fakeDriver) GetConversation(_ context.Context, id, userID string) (*store.Conversation, error) {
	c, ok := f.conversations[id]
	if !ok || c.UserID != userID {
		return nil, nil
	}
	return c, nil
}

func (f *fakeDriver) ListConversations(_ context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	list := []*store.Conversation{}
	for _, c := range f.conversations {
		if find.UserID != nil && c.UserID != *find.UserID {
			continue
		}
		list = append(list, c)
	}
	return list, nil
}

func (f *fakeDriver) ListConversationTurns(_ context.Context, _ *store.FindConversationTurn) ([]*store.ConversationTurn, error) {
	return f.turns, nil
}

type fakeTurns struct {
	resp *orchestrator.TurnResponse
	err  error
}

func (t *fakeTurns) ProcessTurn(_ context.Context, _ *orchestrator.TurnRequest) (*orchestrator.TurnResponse, error) {
	return t.resp, t.err
}

func (t *fakeTurns) Wait() {}

type fakeSearch struct {
	resp *retrieval.SearchResponse
	err  error
}

func (s *fakeSearch) Search(_ context.Context, _ *retrieval.SearchRequest) (*retrieval.SearchResponse, error) {
	return s.resp, s.err
}

type fakeLifecycle struct {
	report     *lifecycle.RunReport
	fulfillErr error
	expired    int
	decayed    int
	merged     int
}

func (l *fakeLifecycle) RunOnce(_ context.Context) (*lifecycle.RunReport, error) {
	return l.report, nil
}

func (l *fakeLifecycle) ExpireUser(_ context.Context, _ string) (int, error) {
	return l.expired, nil
}

func (l *fakeLifecycle) RefreshDecay(_ context.Context, _ string) (int, error) {
	return l.decayed, nil
}

func (l *fakeLifecycle) ConsolidateUser(_ context.Context, _ string) (int, error) {
	return l.merged, nil
}

func (l *fakeLifecycle) MarkCommitmentFulfilled(_ context.Context, _, _ string) error {
	return l.fulfillErr
}

type serverOptions struct {
	jwtSecret     string
	ratePerMinute int
	turns         TurnProcessor
	search        MemorySearcher
	lifecycle     LifecycleRunner
}

func newTestServer(driver *fakeDriver, opts serverOptions) *Server {
	p := &profile.Profile{
		Mode:               "dev",
		EmbeddingModel:     "test-embed",
		RetrievalTopK:      10,
		JWTSecret:          opts.jwtSecret,
		RateLimitPerMinute: opts.ratePerMinute,
	}
	if opts.ratePerMinute == 0 {
		p.RateLimitPerMinute = 1000
	}
	if opts.turns == nil {
		opts.turns = &fakeTurns{resp: &orchestrator.TurnResponse{Response: "ok"}}
	}
	if opts.search == nil {
		opts.search = &fakeSearch{resp: &retrieval.SearchResponse{}}
	}
	if opts.lifecycle == nil {
		opts.lifecycle = &fakeLifecycle{report: &lifecycle.RunReport{}}
	}

	return NewServer(Config{
		Profile:   p,
		Store:     store.New(driver, p),
		Turns:     opts.turns,
		Search:    opts.search,
		Lifecycle: opts.lifecycle,
	})
}

func doRequest(s *Server, method, path, body, userID string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(devUserIDHeader, userID)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestAuthDevHeaderRequired(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	rec := doRequest(s, http.MethodGet, "/api/v1/memories", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/memories", "", "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthJWT(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{jwtSecret: "test-secret"})

	rec := doRequest(s, http.MethodGet, "/api/v1/memories", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := SignToken("test-secret", "user-1")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	s.echo.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)

	forged, err := SignToken("wrong-secret", "user-1")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/memories", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	recorder = httptest.NewRecorder()
	s.echo.ServeHTTP(recorder, req)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestRateLimitPerUser(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{ratePerMinute: 2})

	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodGet, "/api/v1/memories", "", "user-1").Code)
	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodGet, "/api/v1/memories", "", "user-1").Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(s, http.MethodGet, "/api/v1/memories", "", "user-1").Code)

	// A different user has an independent budget.
	assert.Equal(t, http.StatusOK, doRequest(s, http.MethodGet, "/api/v1/memories", "", "user-2").Code)
}

func TestHandleTurn(t *testing.T) {
	turns := &fakeTurns{resp: &orchestrator.TurnResponse{
		ConversationID: "conv-1",
		TurnNumber:     1,
		Response:       "hello there",
	}}
	s := newTestServer(newFakeDriver(), serverOptions{turns: turns})

	rec := doRequest(s, http.MethodPost, "/api/v1/turns", `{"message": "hi"}`, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp orchestrator.TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello there", resp.Response)
	assert.Equal(t, "conv-1", resp.ConversationID)
}

func TestHandleTurnValidation(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	rec := doRequest(s, http.MethodPost, "/api/v1/turns", `{"message": ""}`, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTurnMessageTooLong(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	body := `{"message": "` + strings.Repeat("a", maxTurnMessageLen+1) + `"}`
	rec := doRequest(s, http.MethodPost, "/api/v1/turns", body, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTurnStaleTurnNumber(t *testing.T) {
	turns := &fakeTurns{err: errors.Wrap(orchestrator.ErrInvalidTurnNumber, "turn 4 not past turn count 4")}
	s := newTestServer(newFakeDriver(), serverOptions{turns: turns})

	rec := doRequest(s, http.MethodPost, "/api/v1/turns",
		`{"conversation_id": "conv-1", "message": "hi", "turn_number": 4}`, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTurnConversationNotFound(t *testing.T) {
	turns := &fakeTurns{err: errors.Wrap(orchestrator.ErrConversationNotFound, "id conv-x")}
	s := newTestServer(newFakeDriver(), serverOptions{turns: turns})

	rec := doRequest(s, http.MethodPost, "/api/v1/turns", `{"conversation_id": "conv-x", "message": "hi"}`, "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleTurnUpstreamFailure(t *testing.T) {
	turns := &fakeTurns{err: errors.New("provider down")}
	s := newTestServer(newFakeDriver(), serverOptions{turns: turns})

	rec := doRequest(s, http.MethodPost, "/api/v1/turns", `{"message": "hi"}`, "user-1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateMemory(t *testing.T) {
	driver := newFakeDriver()
	s := newTestServer(driver, serverOptions{})

	rec := doRequest(s, http.MethodPost, "/api/v1/memories",
		`{"type": "fact", "content": "lives in Lisbon", "confidence": 0.9}`, "user-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp memoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, store.MemoryTypeFact, resp.Type)
	assert.Equal(t, "lives in Lisbon", resp.Content)
	assert.NotEmpty(t, resp.ImportanceLevel)
	require.Len(t, driver.memories, 1)
}

func TestCreateMemoryDuplicate(t *testing.T) {
	driver := newFakeDriver()
	driver.createMemoryErr = store.ErrDuplicateMemory
	s := newTestServer(driver, serverOptions{})

	rec := doRequest(s, http.MethodPost, "/api/v1/memories",
		`{"type": "fact", "content": "lives in Lisbon"}`, "user-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateMemoryContentTooLong(t *testing.T) {
	driver := newFakeDriver()
	s := newTestServer(driver, serverOptions{})

	body := `{"type": "fact", "content": "` + strings.Repeat("a", maxMemoryContentLen+1) + `"}`
	rec := doRequest(s, http.MethodPost, "/api/v1/memories", body, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, driver.memories)
}

func TestCreateMemoryUnknownType(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	rec := doRequest(s, http.MethodPost, "/api/v1/memories",
		`{"type": "opinion", "content": "something"}`, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMemoryNotFound(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	rec := doRequest(s, http.MethodGet, "/api/v1/memories/missing", "", "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMemoryScopedToUser(t *testing.T) {
	driver := newFakeDriver()
	driver.memories["mem-1"] = &store.Memory{ID: "mem-1", UserID: "user-1", Type: store.MemoryTypeFact, Content: "secret"}
	s := newTestServer(driver, serverOptions{})

	rec := doRequest(s, http.MethodGet, "/api/v1/memories/mem-1", "", "user-2")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, http.MethodGet, "/api/v1/memories/mem-1", "", "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSearchMemories(t *testing.T) {
	search := &fakeSearch{resp: &retrieval.SearchResponse{
		Results: []*retrieval.Result{
			{
				Memory:     &store.Memory{ID: "mem-1", Type: store.MemoryTypeFact, Content: "works at Initech"},
				Tier:       retrieval.TierHot,
				Similarity: 0.91,
				Score:      0.84,
			},
		},
		Traits:     retrieval.QueryTraits{Intent: retrieval.IntentGeneral},
		Candidates: 7,
	}}
	s := newTestServer(newFakeDriver(), serverOptions{search: search})

	rec := doRequest(s, http.MethodPost, "/api/v1/memories/search", `{"query": "where does the user work"}`, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp searchMemoriesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "mem-1", resp.Results[0].Memory.ID)
	assert.Equal(t, "hot", resp.Results[0].Tier)
	assert.Equal(t, 7, resp.Candidates)
	assert.Equal(t, "general", resp.Intent)
}

func TestSearchMemoriesRequiresQuery(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	rec := doRequest(s, http.MethodPost, "/api/v1/memories/search", `{"query": ""}`, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchMemoriesTopKCapped(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	rec := doRequest(s, http.MethodPost, "/api/v1/memories/search", `{"query": "anything", "top_k": 500}`, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFulfillCommitment(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{lifecycle: &fakeLifecycle{}})
	rec := doRequest(s, http.MethodPost, "/api/v1/memories/mem-1/fulfill", "", "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newTestServer(newFakeDriver(), serverOptions{
		lifecycle: &fakeLifecycle{fulfillErr: lifecycle.ErrCommitmentNotFound},
	})
	rec = doRequest(s, http.MethodPost, "/api/v1/memories/missing/fulfill", "", "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleRun(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{
		lifecycle: &fakeLifecycle{report: &lifecycle.RunReport{
			Users:    3,
			Expired:  2,
			Merged:   1,
			Duration: 250 * time.Millisecond,
		}},
	})

	rec := doRequest(s, http.MethodPost, "/api/v1/lifecycle/run", "", "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp lifecycleRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Users)
	assert.Equal(t, 2, resp.Expired)
	assert.Equal(t, 1, resp.Merged)
	assert.Equal(t, int64(250), resp.DurationMs)
}

func TestHousekeepingEndpoints(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{
		lifecycle: &fakeLifecycle{expired: 4, decayed: 7, merged: 2},
	})

	for _, tc := range []struct {
		path string
		want string
	}{
		{"/api/v1/memories/decay", `{"updated":7}`},
		{"/api/v1/memories/consolidate", `{"merged":2}`},
		{"/api/v1/memories/cleanup", `{"expired":4}`},
	} {
		rec := doRequest(s, http.MethodPost, tc.path, "", "user-1")
		require.Equal(t, http.StatusOK, rec.Code, tc.path)
		assert.JSONEq(t, tc.want, rec.Body.String(), tc.path)
	}
}

func TestHealthz(t *testing.T) {
	driver := newFakeDriver()
	s := newTestServer(driver, serverOptions{})

	rec := doRequest(s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	driver.pingErr = errors.New("connection refused")
	rec = doRequest(s, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListConversationTurnsNotFound(t *testing.T) {
	s := newTestServer(newFakeDriver(), serverOptions{})

	rec := doRequest(s, http.MethodGet, "/api/v1/conversations/missing/turns", "", "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListConversationTurns(t *testing.T) {
	driver := newFakeDriver()
	driver.conversations["conv-1"] = &store.Conversation{ID: "conv-1", UserID: "user-1", TurnCount: 1}
	driver.turns = []*store.ConversationTurn{
		{
			ID:                1,
			TurnNumber:        1,
			UserMessage:       "hi",
			AssistantMessage:  "hello",
			MemoriesRetrieved: []string{"mem-1"},
			MemoriesCreated:   []string{"mem-2"},
		},
	}
	s := newTestServer(driver, serverOptions{})

	rec := doRequest(s, http.MethodGet, "/api/v1/conversations/conv-1/turns", "", "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []*turnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, []string{"mem-1"}, resp[0].MemoriesRetrieved)
	assert.Equal(t, []string{"mem-2"}, resp[0].MemoriesCreated)
}
