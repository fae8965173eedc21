package chat

import (
	"context"
	"io"
	"strings"

	"github.com/ent0n29/playmate/internal/model"
	"github.com/ent0n29/playmate/internal/session"
)

// Params are the sampling options forwarded from the client request.
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

func (p Params) request(endpoint string, msgs []model.Message) model.Request {
	return model.Request{
		Model:       endpoint,
		Messages:    msgs,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}
}

// visionProbeChunks is how many content chunks are read before deciding
// whether the vision model recognized the frame.
const visionProbeChunks = 2

// VisionProducer asks the vision model about the latest user turn.
type VisionProducer struct {
	model         model.ChatModel
	endpoint      string
	unknownMarker string
}

func NewVisionProducer(m model.ChatModel, endpoint, unknownMarker string) *VisionProducer {
	return &VisionProducer{model: m, endpoint: endpoint, unknownMarker: unknownMarker}
}

// Produce streams the vision model's answer to turn. When the answer starts
// with the unknown marker, or is empty, the stream is closed and usable is
// false. Otherwise the returned stream replays every chunk in order,
// including the ones read for classification.
func (p *VisionProducer) Produce(ctx context.Context, instruction string, turn model.Message, params Params) (stream model.Stream, usable bool, err error) {
	msgs := []model.Message{model.SystemMessage(instruction), turn}
	s, err := p.model.Stream(ctx, params.request(p.endpoint, msgs))
	if err != nil {
		return nil, false, err
	}

	var (
		head    []model.Chunk
		probe   strings.Builder
		content int
	)
	for content < visionProbeChunks {
		c, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = s.Close()
			return nil, false, err
		}
		head = append(head, c)
		if c.Content != "" {
			probe.WriteString(c.Content)
			content++
		}
	}

	text := strings.TrimSpace(probe.String())
	if text == "" || (p.unknownMarker != "" && strings.HasPrefix(text, p.unknownMarker)) {
		_ = s.Close()
		return nil, false, nil
	}
	return model.Prepend(s, head...), true, nil
}

// TextProducer answers the current user text with conversation history.
type TextProducer struct {
	model        model.ChatModel
	endpoint     string
	historyLimit int
}

func NewTextProducer(m model.ChatModel, endpoint string, historyLimit int) *TextProducer {
	return &TextProducer{model: m, endpoint: endpoint, historyLimit: historyLimit}
}

// Produce opens the text stream and reads its first chunk so that call
// failures surface before anything is streamed to the client.
func (p *TextProducer) Produce(ctx context.Context, instruction string, history []session.Turn, current string, params Params) (model.Stream, error) {
	msgs := buildTextInput(instruction, history, p.historyLimit, current)
	s, err := p.model.Stream(ctx, params.request(p.endpoint, msgs))
	if err != nil {
		return nil, err
	}
	first, err := s.Next()
	if err == io.EOF {
		_ = s.Close()
		return model.NewSliceStream(), nil
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return model.Prepend(s, first), nil
}

// buildTextInput returns the system instruction, at most limit of the most
// recent history turns, then the current user text.
func buildTextInput(instruction string, history []session.Turn, limit int, current string) []model.Message {
	if limit >= 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	msgs := make([]model.Message, 0, len(history)+2)
	msgs = append(msgs, model.SystemMessage(instruction))
	for _, t := range history {
		if t.Role == session.RoleAssistant {
			msgs = append(msgs, model.AssistantMessage(t.Content))
			continue
		}
		msgs = append(msgs, model.UserMessage(model.PlainText(t.Content)))
	}
	return append(msgs, model.UserMessage(model.PlainText(current)))
}
