package modelcard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const systemPrompt = "You write short, factual model cards for ONNX exports " +
	"of Hugging Face models. Output plain markdown, no frontmatter."

// Generator produces a README.md for the uploaded repository. It is entirely
// optional; conversion and upload never depend on it.
type Generator struct {
	client openai.Client
	model  string
}

func NewGenerator(model string, opts ...option.RequestOption) *Generator {
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &Generator{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (g *Generator) Generate(ctx context.Context, modelId, targetRepo string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"Write a model card for %s. It contains ONNX exports of %s under the onnx/ folder, produced with the transformers.js conversion script. Mention that the weights are unchanged.",
		targetRepo, modelId,
	)

	chatOpts := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		Model: g.model,
	}

	res, err := g.client.Chat.Completions.New(ctx, chatOpts)
	if err != nil {
		slog.Error("openai error: chat completions failed", "error", err)
		return "", fmt.Errorf("model card generation failed: %w", err)
	}

	if len(res.Choices) == 0 {
		return "", errors.New("model card generation returned no choices")
	}

	return res.Choices[0].Message.Content, nil
}
