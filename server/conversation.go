package server

import (
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/longmem/memory/orchestrator"
	"github.com/hrygo/longmem/store"
)

type turnRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
	TurnNumber     int    `json:"turn_number"`
}

func (s *Server) handleTurn(c echo.Context) error {
	var req turnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	if utf8.RuneCountInString(req.Message) > maxTurnMessageLen {
		return echo.NewHTTPError(http.StatusBadRequest, "message too long")
	}

	resp, err := s.turns.ProcessTurn(c.Request().Context(), &orchestrator.TurnRequest{
		UserID:         userIDFromContext(c),
		ConversationID: req.ConversationID,
		Message:        req.Message,
		TurnNumber:     req.TurnNumber,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrConversationNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		if errors.Is(err, orchestrator.ErrInvalidTurnNumber) {
			return echo.NewHTTPError(http.StatusBadRequest, "turn number must be past the conversation's turn count")
		}
		return echo.NewHTTPError(http.StatusBadGateway, "failed to process turn")
	}
	return c.JSON(http.StatusOK, resp)
}

type conversationResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	TurnCount   int       `json:"turn_count"`
	IsArchived  bool      `json:"is_archived"`
	LastMessage string    `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toConversationResponse(c *store.Conversation) *conversationResponse {
	return &conversationResponse{
		ID:          c.ID,
		Title:       c.Title,
		TurnCount:   c.TurnCount,
		IsArchived:  c.IsArchived,
		LastMessage: c.LastMessage,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func (s *Server) handleListConversations(c echo.Context) error {
	userID := userIDFromContext(c)
	find := &store.FindConversation{
		UserID:          &userID,
		IncludeArchived: c.QueryParam("include_archived") == "true",
		WithPreview:     c.QueryParam("with_preview") == "true",
		Limit:           queryInt(c, "limit", 50),
		Offset:          queryInt(c, "offset", 0),
	}

	conversations, err := s.store.ListConversations(c.Request().Context(), find)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list conversations")
	}

	resp := make([]*conversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		resp = append(resp, toConversationResponse(conversation))
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conversation, err := s.store.GetConversation(c.Request().Context(), c.Param("id"), userIDFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get conversation")
	}
	if conversation == nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return c.JSON(http.StatusOK, toConversationResponse(conversation))
}

type updateConversationRequest struct {
	Title      *string `json:"title"`
	IsArchived *bool   `json:"is_archived"`
}

func (s *Server) handleUpdateConversation(c echo.Context) error {
	var req updateConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if req.Title == nil && req.IsArchived == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}

	conversation, err := s.store.UpdateConversation(c.Request().Context(), &store.UpdateConversation{
		ID:         c.Param("id"),
		UserID:     userIDFromContext(c),
		Title:      req.Title,
		IsArchived: req.IsArchived,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	return c.JSON(http.StatusOK, toConversationResponse(conversation))
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	id := c.Param("id")
	userID := userIDFromContext(c)
	err := s.store.DeleteConversation(c.Request().Context(), &store.DeleteConversation{
		ID:     &id,
		UserID: &userID,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete conversation")
	}
	return c.NoContent(http.StatusNoContent)
}

type turnResponse struct {
	ID                int64     `json:"id"`
	TurnNumber        int       `json:"turn_number"`
	UserMessage       string    `json:"user_message"`
	AssistantMessage  string    `json:"assistant_message"`
	MemoriesRetrieved []string  `json:"memories_retrieved"`
	MemoriesCreated   []string  `json:"memories_created"`
	LatencyMs         int64     `json:"latency_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

func (s *Server) handleListTurns(c echo.Context) error {
	conversationID := c.Param("id")
	userID := userIDFromContext(c)

	conversation, err := s.store.GetConversation(c.Request().Context(), conversationID, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get conversation")
	}
	if conversation == nil {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}

	turns, err := s.store.ListConversationTurns(c.Request().Context(), &store.FindConversationTurn{
		ConversationID: &conversationID,
		UserID:         &userID,
		Limit:          queryInt(c, "limit", 0),
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list turns")
	}

	resp := make([]*turnResponse, 0, len(turns))
	for _, turn := range turns {
		resp = append(resp, &turnResponse{
			ID:                turn.ID,
			TurnNumber:        turn.TurnNumber,
			UserMessage:       turn.UserMessage,
			AssistantMessage:  turn.AssistantMessage,
			MemoriesRetrieved: turn.MemoriesRetrieved,
			MemoriesCreated:   turn.MemoriesCreated,
			LatencyMs:         turn.LatencyMs,
			CreatedAt:         turn.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
