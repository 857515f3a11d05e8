// Package orchestrator runs the per-turn loop: retrieve memories, build
// the prompt, generate a reply, persist the turn, then extract new
// memories on a detached write path that never blocks the response.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/ai/core/llm"
	"github.com/hrygo/longmem/ai/metrics"
	"github.com/hrygo/longmem/internal/profile"
	"github.com/hrygo/longmem/memory/canonical"
	"github.com/hrygo/longmem/memory/dedup"
	"github.com/hrygo/longmem/memory/extract"
	"github.com/hrygo/longmem/memory/prompt"
	"github.com/hrygo/longmem/memory/retrieval"
	"github.com/hrygo/longmem/store"
)

// detachedTimeout bounds the write path that runs after the response is
// already sent.
const detachedTimeout = 2 * time.Minute

// ErrConversationNotFound is returned when a turn addresses a
// conversation the user does not own.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrInvalidTurnNumber is returned when a client-assigned turn number is
// not past the conversation's current turn count.
var ErrInvalidTurnNumber = errors.New("invalid turn number")

// Embedder turns text into a vector for dedup checks and index upserts.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TitleGenerator names a conversation from its opening exchange.
type TitleGenerator interface {
	Generate(ctx context.Context, userMessage, assistantMessage string) (string, error)
}

// Orchestrator wires the read path (retrieval, prompt injection, chat)
// to the detached write path (extraction, dedup, persistence).
type Orchestrator struct {
	store     *store.Store
	llm       llm.Service
	retriever *retrieval.Retriever
	extractor *extract.Extractor
	canonical *canonical.Resolver
	dedup     *dedup.Checker
	embedder  Embedder
	titles    TitleGenerator
	metrics   *metrics.PrometheusExporter
	profile   *profile.Profile

	wg sync.WaitGroup
}

// Config collects the orchestrator's collaborators. Titles and Metrics
// are optional.
type Config struct {
	Store     *store.Store
	LLM       llm.Service
	Retriever *retrieval.Retriever
	Embedder  Embedder
	Titles    TitleGenerator
	Metrics   *metrics.PrometheusExporter
	Profile   *profile.Profile
}

// New creates a turn orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     cfg.Store,
		llm:       cfg.LLM,
		retriever: cfg.Retriever,
		extractor: extract.NewExtractor(cfg.LLM, cfg.Profile.ConfidenceThreshold),
		canonical: canonical.NewResolver(cfg.Store),
		dedup:     dedup.NewChecker(cfg.Store, cfg.Profile.EmbeddingModel, cfg.Profile.DedupThreshold),
		embedder:  cfg.Embedder,
		titles:    cfg.Titles,
		metrics:   cfg.Metrics,
		profile:   cfg.Profile,
	}
}

// TurnRequest is one user message addressed to a conversation. An empty
// ConversationID starts a new conversation. TurnNumber is optional; when
// set it must be monotonically increasing, when zero the server assigns
// the next turn number.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Message        string
	TurnNumber     int
}

// ActiveMemory describes a memory that was injected into the prompt.
type ActiveMemory struct {
	ID         string           `json:"id"`
	Content    string           `json:"content"`
	Type       store.MemoryType `json:"type"`
	SourceTurn int              `json:"source_turn"`
	Relevance  float64          `json:"relevance"`
	Confidence float64          `json:"confidence"`
}

// TurnResponse is the synchronous result of a turn. Extraction happens
// after this is returned; MemoriesCreated lands on the turn row later.
type TurnResponse struct {
	TurnID           int64          `json:"turn_id"`
	ConversationID   string         `json:"conversation_id"`
	TurnNumber       int            `json:"turn_number"`
	Response         string         `json:"response"`
	ActiveMemories   []ActiveMemory `json:"active_memories"`
	MemoriesUsed     []string       `json:"memories_used"`
	SilenceMode      bool           `json:"silence_mode"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	RetrievalTimeMs  int64          `json:"retrieval_time_ms"`
	InjectionTimeMs  int64          `json:"injection_time_ms"`
}

// ProcessTurn executes the read path for one turn. The reply and the
// turn row are synchronous; memory extraction is detached.
//
// Failure semantics: retrieval failure degrades to an empty memory set,
// LLM failure fails the turn without persisting anything, and detached
// write failures are logged but never surface to the caller.
func (o *Orchestrator) ProcessTurn(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	started := time.Now()
	if o.metrics != nil {
		o.metrics.TurnStarted()
		defer o.metrics.TurnFinished()
	}

	conversation, firstTurn, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	turnNumber := conversation.TurnCount + 1
	if req.TurnNumber > 0 {
		if req.TurnNumber <= conversation.TurnCount {
			return nil, errors.Wrapf(ErrInvalidTurnNumber,
				"turn %d not past turn count %d", req.TurnNumber, conversation.TurnCount)
		}
		turnNumber = req.TurnNumber
	}

	retrievalStart := time.Now()
	search, err := o.retriever.Search(ctx, &retrieval.SearchRequest{
		UserID:      req.UserID,
		Query:       req.Message,
		TopK:        o.profile.RetrievalTopK,
		CurrentTurn: turnNumber,
	})
	if err != nil {
		slog.Warn("orchestrator: retrieval failed, continuing without memories",
			"user_id", req.UserID,
			"error", err,
		)
		search = &retrieval.SearchResponse{}
	}
	retrievalTime := time.Since(retrievalStart)
	if o.metrics != nil {
		o.metrics.RecordRetrieval(string(search.Traits.Intent), retrievalTime, search.Candidates, len(search.Results), search.Silenced)
	}

	history := o.shortTermHistory(ctx, conversation.ID, req.UserID)

	injectionStart := time.Now()
	systemPrompt := prompt.BuildSystemPrompt(&prompt.Input{
		TurnNumber:    turnNumber,
		UserID:        req.UserID,
		UserName:      prompt.ExtractUserName(search.Results),
		MemoryContext: prompt.FormatMemoryContext(search.Results),
		MemoryCount:   len(search.Results),
		SilenceMode:   search.Silenced,
		Traits:        search.Traits,
	})
	injectionTime := time.Since(injectionStart)

	messages := make([]llm.Message, 0, len(history)*2+2)
	messages = append(messages, llm.SystemPrompt(systemPrompt))
	for _, turn := range history {
		messages = append(messages, llm.UserMessage(turn.UserMessage))
		messages = append(messages, llm.AssistantMessage(turn.AssistantMessage))
	}
	messages = append(messages, llm.UserMessage(req.Message))

	answer, stats, err := o.llm.Chat(ctx, messages)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordTurn(string(search.Traits.Intent), time.Since(started), false)
		}
		return nil, errors.Wrap(err, "chat completion failed")
	}
	if o.metrics != nil && stats != nil {
		o.metrics.RecordLLMTokens(o.profile.LLMModel, "prompt", stats.PromptTokens)
		o.metrics.RecordLLMTokens(o.profile.LLMModel, "completion", stats.CompletionTokens)
		if stats.CacheReadTokens > 0 {
			o.metrics.RecordLLMCachedTokens(o.profile.LLMModel, stats.CacheReadTokens)
		}
		o.metrics.RecordLLMLatency(o.profile.LLMModel, "chat", time.Duration(stats.TotalDurationMs)*time.Millisecond)
	}

	retrievedIDs := make([]string, 0, len(search.Results))
	activeMemories := make([]ActiveMemory, 0, len(search.Results))
	for _, result := range search.Results {
		retrievedIDs = append(retrievedIDs, result.Memory.ID)
		activeMemories = append(activeMemories, ActiveMemory{
			ID:         result.Memory.ID,
			Content:    result.Memory.Content,
			Type:       result.Memory.Type,
			SourceTurn: result.Memory.SourceTurn,
			Relevance:  result.Score,
			Confidence: result.Memory.Confidence,
		})
	}

	turn, err := o.store.CreateConversationTurn(ctx, &store.ConversationTurn{
		ConversationID:    conversation.ID,
		UserID:            req.UserID,
		TurnNumber:        turnNumber,
		UserMessage:       req.Message,
		AssistantMessage:  answer,
		MemoriesRetrieved: retrievedIDs,
		LatencyMs:         time.Since(started).Milliseconds(),
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordTurn(string(search.Traits.Intent), time.Since(started), false)
		}
		return nil, errors.Wrap(err, "failed to persist turn")
	}
	if err := o.store.IncrementTurnCount(ctx, conversation.ID); err != nil {
		slog.Warn("orchestrator: failed to increment turn count",
			"conversation_id", conversation.ID,
			"error", err,
		)
	}

	o.wg.Add(1)
	go o.finishTurn(context.WithoutCancel(ctx), detachedTurn{
		userID:       req.UserID,
		convID:       conversation.ID,
		turnID:       turn.ID,
		turnNumber:   turnNumber,
		userMessage:  req.Message,
		answer:       answer,
		retrievedIDs: retrievedIDs,
		firstTurn:    firstTurn,
	})

	if o.metrics != nil {
		o.metrics.RecordTurn(string(search.Traits.Intent), time.Since(started), true)
	}

	return &TurnResponse{
		TurnID:           turn.ID,
		ConversationID:   conversation.ID,
		TurnNumber:       turnNumber,
		Response:         answer,
		ActiveMemories:   activeMemories,
		MemoriesUsed:     retrievedIDs,
		SilenceMode:      search.Silenced,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		RetrievalTimeMs:  retrievalTime.Milliseconds(),
		InjectionTimeMs:  injectionTime.Milliseconds(),
	}, nil
}

// Wait blocks until all detached write paths have finished. Called on
// shutdown so in-flight extractions are not lost.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) resolveConversation(ctx context.Context, req *TurnRequest) (*store.Conversation, bool, error) {
	if req.ConversationID == "" {
		conversation, err := o.store.CreateConversation(ctx, &store.Conversation{
			ID:     shortuuid.New(),
			UserID: req.UserID,
		})
		if err != nil {
			return nil, false, errors.Wrap(err, "failed to create conversation")
		}
		return conversation, true, nil
	}

	conversation, err := o.store.GetConversation(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to load conversation")
	}
	if conversation == nil {
		return nil, false, errors.Wrapf(ErrConversationNotFound, "id %s", req.ConversationID)
	}
	return conversation, conversation.TurnCount == 0, nil
}

// shortTermHistory returns the trailing window of turns in chronological
// order. Failures degrade to an empty history.
func (o *Orchestrator) shortTermHistory(ctx context.Context, conversationID, userID string) []*store.ConversationTurn {
	if o.profile.ShortTermWindow <= 0 {
		return nil
	}

	turns, err := o.store.ListConversationTurns(ctx, &store.FindConversationTurn{
		ConversationID: &conversationID,
		UserID:         &userID,
		Desc:           true,
		Limit:          o.profile.ShortTermWindow,
	})
	if err != nil {
		slog.Warn("orchestrator: failed to load short-term history",
			"conversation_id", conversationID,
			"error", err,
		)
		return nil
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns
}

type detachedTurn struct {
	userID       string
	convID       string
	turnID       int64
	turnNumber   int
	userMessage  string
	answer       string
	retrievedIDs []string
	firstTurn    bool
}

// finishTurn is the detached write path: touch retrieved memories, run
// extraction, persist survivors, and name first-turn conversations.
func (o *Orchestrator) finishTurn(ctx context.Context, turn detachedTurn) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, detachedTimeout)
	defer cancel()

	if len(turn.retrievedIDs) > 0 {
		if err := o.store.TouchMemories(ctx, turn.userID, turn.retrievedIDs, turn.turnNumber); err != nil {
			slog.Warn("orchestrator: failed to touch retrieved memories",
				"user_id", turn.userID,
				"error", err,
			)
		}
	}

	created := o.extractAndPersist(ctx, turn)
	if len(created) > 0 {
		if err := o.store.UpdateConversationTurnMemories(ctx, turn.turnID, created); err != nil {
			slog.Warn("orchestrator: failed to record created memories on turn",
				"turn_id", turn.turnID,
				"error", err,
			)
		}
	}

	if turn.firstTurn && o.titles != nil {
		o.generateTitle(ctx, turn)
	}
}

// extractAndPersist runs the extraction pipeline and returns the IDs of
// memories that survived canonical compression and dedup.
func (o *Orchestrator) extractAndPersist(ctx context.Context, turn detachedTurn) []string {
	candidates, err := o.extractor.ExtractFromTurn(ctx, turn.userID, turn.turnNumber, turn.userMessage, turn.answer)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordExtractionError()
		}
		slog.Warn("orchestrator: memory extraction failed",
			"user_id", turn.userID,
			"turn", turn.turnNumber,
			"error", err,
		)
		return nil
	}

	created := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		resolved, err := o.canonical.Resolve(ctx, candidate)
		if err != nil {
			slog.Warn("orchestrator: canonical resolution failed",
				"user_id", turn.userID,
				"error", err,
			)
			continue
		}
		if resolved != nil {
			o.upsertEmbedding(ctx, resolved.ID, resolved.Content)
			continue
		}

		vector, err := o.embedder.Embed(ctx, candidate.Content)
		if err != nil {
			// Fail open: a missing vector skips dedup and the ANN
			// index, never the memory row itself.
			slog.Warn("orchestrator: embedding failed, storing memory without vector",
				"user_id", turn.userID,
				"error", err,
			)
			vector = nil
		}

		if vector != nil {
			if check := o.dedup.Check(ctx, turn.userID, vector); check.IsDuplicate {
				if o.metrics != nil {
					o.metrics.RecordDedupRejection()
				}
				slog.Debug("orchestrator: dropping near-duplicate memory",
					"user_id", turn.userID,
					"duplicate_of", check.MemoryID,
					"similarity", check.Similarity,
				)
				continue
			}
		}

		candidate.ID = uuid.NewString()
		if _, err := o.store.CreateMemory(ctx, candidate); err != nil {
			if errors.Is(err, store.ErrDuplicateMemory) {
				if o.metrics != nil {
					o.metrics.RecordDedupRejection()
				}
				continue
			}
			slog.Warn("orchestrator: failed to store memory",
				"user_id", turn.userID,
				"error", err,
			)
			continue
		}
		if o.metrics != nil {
			o.metrics.RecordExtractedMemory(string(candidate.Type))
		}

		if vector != nil {
			if err := o.store.UpsertMemoryEmbedding(ctx, &store.MemoryEmbedding{
				MemoryID:  candidate.ID,
				Model:     o.profile.EmbeddingModel,
				Embedding: vector,
			}); err != nil {
				slog.Warn("orchestrator: failed to index memory embedding",
					"memory_id", candidate.ID,
					"error", err,
				)
			}
		}

		created = append(created, candidate.ID)
	}
	return created
}

// upsertEmbedding re-embeds a canonical memory after an in-place update
// so the vector index tracks the new content.
func (o *Orchestrator) upsertEmbedding(ctx context.Context, memoryID, content string) {
	vector, err := o.embedder.Embed(ctx, content)
	if err != nil {
		slog.Warn("orchestrator: failed to re-embed canonical memory",
			"memory_id", memoryID,
			"error", err,
		)
		return
	}
	if err := o.store.UpsertMemoryEmbedding(ctx, &store.MemoryEmbedding{
		MemoryID:  memoryID,
		Model:     o.profile.EmbeddingModel,
		Embedding: vector,
	}); err != nil {
		slog.Warn("orchestrator: failed to update canonical embedding",
			"memory_id", memoryID,
			"error", err,
		)
	}
}

func (o *Orchestrator) generateTitle(ctx context.Context, turn detachedTurn) {
	title, err := o.titles.Generate(ctx, turn.userMessage, turn.answer)
	if err != nil {
		slog.Warn("orchestrator: title generation failed",
			"conversation_id", turn.convID,
			"error", err,
		)
		return
	}
	if _, err := o.store.UpdateConversation(ctx, &store.UpdateConversation{
		ID:     turn.convID,
		UserID: turn.userID,
		Title:  &title,
	}); err != nil {
		slog.Warn("orchestrator: failed to set conversation title",
			"conversation_id", turn.convID,
			"error", err,
		)
	}
}
