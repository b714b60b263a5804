package openai

import (
	"context"

	"github.com/cloo-solutions/ragline/internal/domain"
	openai "github.com/sashabaranov/go-openai"
)

// Completion is the normalized result of one chat completion call.
type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        domain.TokenUsage
}

// CompletionRequest carries one chat completion call's parameters.
type CompletionRequest struct {
	Messages    []domain.ChatMessage
	Temperature float32
	MaxTokens   int
	Model       string
}

// ChatAPI defines the interface for chat completion, implemented by the
// OpenAI adapter and by test doubles.
type ChatAPI interface {
	ChatComplete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// ChatAdapter implements ChatAPI against the OpenAI chat completion API.
type ChatAdapter struct {
	client *openai.Client
	model  string
}

func NewChatAdapter(apiKey, model string) *ChatAdapter {
	if model == "" {
		model = DefaultChatModel
	}
	return &ChatAdapter{
		client: openai.NewClient(apiKey),
		model:  model,
	}
}

// ChatComplete calls the OpenAI API and normalizes the response.
func (a *ChatAdapter) ChatComplete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	return &Completion{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: domain.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
