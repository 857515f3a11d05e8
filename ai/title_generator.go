package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/longmem/internal/strutil"
)

// LLM parameters for title generation
const (
	titleTimeout      = 15 * time.Second
	titleMaxTokens    = 20
	titleTemperature  = 0.1
	titleTopP         = 0.5
	titleMaxLen       = 500
	titleMaxRuneCount = 50
)

// TitleGenerator generates short titles for conversations from their
// opening exchange.
type TitleGenerator struct {
	client *openai.Client
	model  string
}

// TitleGeneratorConfig holds configuration for the title generator.
type TitleGeneratorConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewTitleGenerator creates a new title generator instance.
func NewTitleGenerator(cfg TitleGeneratorConfig) *TitleGenerator {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &TitleGenerator{
		client: openai.NewClientWithConfig(config),
		model:  cfg.Model,
	}
}

// Generate generates a title based on the first user message and the
// assistant's reply.
func (tg *TitleGenerator) Generate(ctx context.Context, userMessage, assistantMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	userMessage = strutil.Truncate(userMessage, titleMaxLen)
	assistantMessage = strutil.Truncate(assistantMessage, titleMaxLen)
	prompt := fmt.Sprintf("User message: %s\n\nAssistant reply: %s\n\nGenerate a short title for this conversation.", userMessage, assistantMessage)

	req := openai.ChatCompletionRequest{
		Model:       tg.model,
		MaxTokens:   titleMaxTokens,
		Temperature: titleTemperature,
		TopP:        titleTopP,
		Stop:        []string{"\n"},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: titleSystemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "title_generation",
				Strict: true,
				Schema: titleJSONSchema,
			},
		},
	}

	start := time.Now()
	resp, err := tg.client.CreateChatCompletion(ctx, req)
	latency := time.Since(start)

	if err != nil {
		slog.Error("title_generation_failed",
			"model", tg.model,
			"error", err,
			"latency_ms", latency.Milliseconds())
		return "", fmt.Errorf("LLM request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from LLM")
	}

	var result struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		slog.Warn("title_generation_parse_failed",
			"model", tg.model,
			"content", resp.Choices[0].Message.Content,
			"error", err)
		return "", fmt.Errorf("parse response failed: %w", err)
	}

	if result.Title == "" {
		return "", fmt.Errorf("empty title in response")
	}

	// Truncate to max length (rune-aware for UTF-8)
	runes := []rune(result.Title)
	if len(runes) > titleMaxRuneCount {
		result.Title = string(runes[:titleMaxRuneCount])
	}

	slog.Debug("title_generation_success",
		"model", tg.model,
		"title", result.Title,
		"latency_ms", latency.Milliseconds(),
		"tokens_total", resp.Usage.TotalTokens)

	return result.Title, nil
}

// titleSystemPrompt is the system prompt for title generation.
const titleSystemPrompt = `You generate concise titles for conversations between a user and an assistant.

Requirements:
1. Title length: 3-8 words
2. The title must reflect the core topic of the conversation
3. Use plain language; avoid filler like "About..." or "Discussion of..."
4. If the conversation is a question, the question itself can be the title
5. If the conversation is a task, the task description can be the title
6. Keep a neutral tone

Examples:
- Input: "How do I connect to PostgreSQL from Go?" -> Output: "Connecting to PostgreSQL from Go"
- Input: "Help me write a binary search" -> Output: "Binary search implementation"
- Input: "What's the weather today?" -> Output: "Weather check"
- Input: "My schedule for next week" -> Output: "Next week's schedule"
`

// titleJSONSchema defines the JSON schema for title generation response.
var titleJSONSchema = &jsonSchema{
	Type:                 "object",
	AdditionalProperties: false,
	Required:             []string{"title"},
	Properties: map[string]*jsonSchema{
		"title": {
			Type:        "string",
			Description: "Generated conversation title, 3-8 words",
		},
	},
}

// jsonSchema implements json.Marshaler for OpenAI's JSON Schema format.
// The alias type prevents infinite recursion during marshaling.
type jsonSchema struct {
	Properties           map[string]*jsonSchema `json:"properties,omitempty"`
	Type                 string                 `json:"type"`
	Description          string                 `json:"description,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Enum                 []string               `json:"enum,omitempty"`
	AdditionalProperties bool                   `json:"additionalProperties"`
}

func (s *jsonSchema) MarshalJSON() ([]byte, error) {
	type alias jsonSchema
	return json.Marshal((*alias)(s))
}
