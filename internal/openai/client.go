package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Model represents an OpenAI model identifier
type Model string

const (
	ModelGPT4o     Model = openai.GPT4o
	ModelGPT4oMini Model = openai.GPT4oMini
)

var DefaultModel Model = ModelGPT4o

type Client struct {
	client      *openai.Client
	model       Model
	temperature float32
	maxTokens   int
}

func NewClient(apiKey string, model Model, temperature float32, maxTokens int) *Client {
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		client:      openai.NewClient(apiKey),
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}
}

func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       string(c.model),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai API call failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai")
	}

	text := resp.Choices[0].Message.Content
	if text == "" {
		return "", fmt.Errorf("no text content in response")
	}

	return text, nil
}
