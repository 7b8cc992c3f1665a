package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/creditgate/creditgate/internal/models"
	"github.com/creditgate/creditgate/internal/services/executor"
	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Provider wraps the OpenAI SDK into executor-shaped calls. Each call
// performs exactly one attempt; retry and refund policy stay with the
// executor.
type Provider struct {
	client     openai.Client
	chatModel  string
	imageModel string
}

func NewProvider(cfg models.OpenAIConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, models.NewValidationError("openai api key is not configured", nil)
	}

	chatModel := cfg.ChatModel
	if chatModel == "" {
		chatModel = "gpt-4o"
	}
	imageModel := cfg.ImageModel
	if imageModel == "" {
		imageModel = "dall-e-3"
	}

	return &Provider{
		client:     openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		chatModel:  chatModel,
		imageModel: imageModel,
	}, nil
}

// ChatMessage is one turn of the conversation handed to the relay.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCall builds a streaming chat completion call. Deltas are pushed
// through emit as they arrive; the full assembled text is the artifact.
func (p *Provider) ChatCall(messages []ChatMessage, model string, emit func(delta string)) executor.Call {
	if model == "" {
		model = p.chatModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	return func(ctx context.Context) (*executor.Result, error) {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" && emit != nil {
				emit(chunk.Choices[0].Delta.Content)
			}
		}
		if err := stream.Err(); err != nil {
			return nil, classifyUpstreamError(err)
		}
		if len(acc.Choices) == 0 {
			return nil, models.NewUpstreamUnavailableError("openai", errors.New("empty completion"))
		}

		return &executor.Result{Artifact: acc.Choices[0].Message.Content}, nil
	}
}

// ImageCall builds a one-shot image generation call. quality is the
// pricing qualifier ("standard" or "hd"); the artifact is the image URL.
func (p *Provider) ImageCall(prompt, quality string) executor.Call {
	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(p.imageModel),
		N:      openai.Int(1),
	}
	if quality == "hd" {
		params.Quality = openai.ImageGenerateParamsQualityHD
	}

	return func(ctx context.Context) (*executor.Result, error) {
		resp, err := p.client.Images.Generate(ctx, params)
		if err != nil {
			return nil, classifyUpstreamError(err)
		}
		if len(resp.Data) == 0 {
			return nil, models.NewUpstreamUnavailableError("openai", errors.New("no image in response"))
		}
		return &executor.Result{Artifact: resp.Data[0].URL}, nil
	}
}

// classifyUpstreamError folds SDK errors into the core taxonomy so the
// executor can decide what is worth retrying.
func classifyUpstreamError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return models.NewUpstreamRateLimitedError("openai", err)
		case apiErr.StatusCode >= http.StatusInternalServerError:
			return models.NewUpstreamUnavailableError("openai", err)
		default:
			return models.NewValidationError("openai rejected the request", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutError("openai call", err)
	}
	if errors.Is(err, context.Canceled) {
		return models.NewCancelledError("openai call", err)
	}
	return models.NewUpstreamUnavailableError("openai", err)
}
