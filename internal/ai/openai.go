// internal/ai/openai.go
package ai

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// Client is what the feature packages depend on; AIService is the real
// implementation and tests substitute fakes.
type Client interface {
	Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	ChatJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type AIService struct {
	client *openai.Client
	model  string
}

func NewAIService(apiKey string) *AIService {
	return &AIService{
		client: openai.NewClient(apiKey),
		model:  openai.GPT4oMini,
	}
}

func (ai *AIService) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := ai.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: ai.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens:   800,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}

	return resp.Choices[0].Message.Content, nil
}

// ChatJSON asks for a JSON object response and decodes it into out via the
// strict decoder in decode.go.
func (ai *AIService) ChatJSON(ctx context.Context, systemPrompt, userPrompt string, out interface{}) error {
	resp, err := ai.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: ai.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens:   800,
		Temperature: 0.4,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return err
	}

	return DecodeJSON(resp.Choices[0].Message.Content, out)
}

func (ai *AIService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	resp, err := ai.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.AdaEmbeddingV2,
	})
	if err != nil {
		return nil, err
	}

	return resp.Data[0].Embedding, nil
}
