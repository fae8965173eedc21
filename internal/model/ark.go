package model

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/ent0n29/playmate/internal/reliability"
)

// ArkConfig configures a client for the Volcengine Ark model service, which
// speaks the OpenAI chat completions protocol.
type ArkConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// ArkClient streams chat completions from Ark endpoints. The endpoint id is
// passed as the model name of each request.
type ArkClient struct {
	client *openai.Client
}

var _ ChatModel = (*ArkClient)(nil)

func NewArkClient(cfg ArkConfig) *ArkClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Producers never retry; a failed call degrades the turn instead.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := openai.NewClient(opts...)
	return &ArkClient{client: &client}
}

func (c *ArkClient) Stream(ctx context.Context, req Request) (Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = param.NewOpt(*req.TopP)
	}
	if req.MaxTokens != nil {
		params.MaxTokens = param.NewOpt(int64(*req.MaxTokens))
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, upstreamError(req.Model, err)
	}
	return &arkStream{model: req.Model, stream: stream}, nil
}

type arkStream struct {
	model     string
	stream    *ssestream.Stream[openai.ChatCompletionChunk]
	closeOnce sync.Once
	closeErr  error
}

// Next skips chunks that carry neither text nor a finish reason, such as
// the leading role-only delta.
func (s *arkStream) Next() (Chunk, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content == "" && choice.FinishReason == "" {
			continue
		}
		return Chunk{Content: choice.Delta.Content, FinishReason: choice.FinishReason}, nil
	}
	if err := s.stream.Err(); err != nil {
		return Chunk{}, upstreamError(s.model, err)
	}
	return Chunk{}, io.EOF
}

func (s *arkStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
	})
	return s.closeErr
}

func upstreamError(source string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return reliability.UpstreamStatus(source, apiErr.StatusCode, err)
	}
	return reliability.Upstream(source, err)
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: param.NewOpt(m.Content.Text()),
					},
				},
			})
		case RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(m.Content.Text()),
					},
				},
			})
		default:
			out = append(out, openai.ChatCompletionMessageParamUnion{OfUser: toOpenAIUser(m.Content)})
		}
	}
	return out
}

func toOpenAIUser(c Content) *openai.ChatCompletionUserMessageParam {
	if !c.IsStructured() {
		return &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: param.NewOpt(c.Text()),
			},
		}
	}
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(c.Parts()))
	for _, p := range c.Parts() {
		switch p.Type {
		case PartText:
			parts = append(parts, openai.TextContentPart(p.Text))
		case PartImageURL:
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: p.ImageURL,
			}))
		}
	}
	return &openai.ChatCompletionUserMessageParam{
		Content: openai.ChatCompletionUserMessageParamContentUnion{
			OfArrayOfContentParts: parts,
		},
	}
}
