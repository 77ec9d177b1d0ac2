package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
)

type openaiGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator targets any OpenAI-compatible chat endpoint. An empty endpoint uses the
// public API.
func NewOpenAIGenerator(endpoint, apiKey, model string) Generator {
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &openaiGenerator{client: openai.NewClientWithConfig(cfg), model: model}
}

func (g *openaiGenerator) Probe(ctx context.Context) error {
	models, err := g.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	for _, m := range models.Models {
		if m.ID == g.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not offered by endpoint", g.model)
}

func (g *openaiGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: req.System},
		{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
	}
	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("openai chat completion: %w", err)
	}
	defer stream.Close()

	start := time.Now()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if err := consumer(Chunk{
			CycleID: req.CycleID,
			Content: resp.Choices[0].Delta.Content,
			Partial: true,
			Latency: time.Since(start),
		}); err != nil {
			return err
		}
	}
	return consumer(Chunk{CycleID: req.CycleID, Partial: false, Latency: time.Since(start)})
}
