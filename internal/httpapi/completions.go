package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/playmate/internal/audio"
	"github.com/ent0n29/playmate/internal/chat"
	"github.com/ent0n29/playmate/internal/model"
	"github.com/ent0n29/playmate/internal/reliability"
)

const defaultModelName = "playmate"

type chatCompletionRequest struct {
	Model       string          `json:"model"`
	Stream      bool            `json:"stream"`
	Messages    []model.Message `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
}

type audioPayload struct {
	ID         string `json:"id,omitempty"`
	Data       string `json:"data"`
	Transcript string `json:"transcript"`
}

type chunkDelta struct {
	Role    string        `json:"role,omitempty"`
	Content string        `json:"content,omitempty"`
	Audio   *audioPayload `json:"audio,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type completionMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Audio   *audioPayload `json:"audio,omitempty"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.Header.Get(SessionHeader))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_context_id", "header "+SessionHeader+" is required")
		return
	}
	var req chatCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "messages must not be empty")
		return
	}
	if req.Model == "" {
		req.Model = defaultModelName
	}

	resp, err := s.chat.Chat(r.Context(), chat.Request{
		SessionID: sessionID,
		Messages:  req.Messages,
		Params: chat.Params{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
		},
	})
	if err != nil {
		s.respondChatError(w, sessionID, err)
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		s.streamCompletion(w, r, id, req.Model, resp)
		return
	}
	s.writeCompletion(w, id, req.Model, resp)
}

func (s *Server) respondChatError(w http.ResponseWriter, sessionID string, err error) {
	switch {
	case errors.Is(err, chat.ErrMissingSession), errors.Is(err, chat.ErrNoMessages):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case reliability.KindOf(err) == reliability.KindPersistenceFailure:
		slog.Error("chat rejected: store unavailable", "session_id", sessionID, "error", err)
		respondError(w, http.StatusServiceUnavailable, string(reliability.KindPersistenceFailure), err.Error())
	default:
		slog.Error("chat failed before streaming", "session_id", sessionID, "error", err)
		respondError(w, http.StatusBadGateway, string(reliability.KindOf(err)), err.Error())
	}
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, id, modelName string, resp *chat.Response) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	send := func(v any) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	}
	done := func() {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		_ = rc.Flush()
	}

	// Image-only turns are answered out of band.
	if resp == nil {
		done()
		return
	}
	defer resp.Close()

	created := time.Now().Unix()
	chunk := func(delta chunkDelta, finish *string) completionChunk {
		return completionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   modelName,
			Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	audioID := "audio-" + id
	for {
		c, err := resp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if r.Context().Err() == nil {
				slog.Warn("chat stream failed", "id", id, "error", err)
				_ = send(map[string]any{"error": errorResponse{Error: err.Error(), Code: string(reliability.KindOf(err))}})
				done()
			}
			return
		}

		var delta chunkDelta
		switch {
		case len(c.Audio) > 0 || c.Transcript != "":
			delta.Audio = &audioPayload{
				ID:         audioID,
				Data:       base64.StdEncoding.EncodeToString(c.Audio),
				Transcript: c.Transcript,
			}
		case c.Content != "":
			delta.Content = c.Content
		default:
			continue
		}
		if err := send(chunk(delta, nil)); err != nil {
			slog.Debug("chat client went away", "id", id, "error", err)
			return
		}
		s.metrics.WSMessages.WithLabelValues("outbound", "chat_chunk").Inc()
	}

	stop := "stop"
	_ = send(chunk(chunkDelta{}, &stop))
	done()
}

func (s *Server) writeCompletion(w http.ResponseWriter, id, modelName string, resp *chat.Response) {
	out := completion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   modelName,
	}
	msg := completionMessage{Role: string(model.RoleAssistant)}
	finish := "stop"

	if resp != nil {
		agg, err := chat.Aggregate(resp)
		if err != nil {
			slog.Error("chat failed mid-response", "id", id, "error", err)
			respondError(w, http.StatusBadGateway, string(reliability.KindOf(err)), err.Error())
			return
		}
		finish = agg.FinishReason
		if agg.HasAudio() {
			data := agg.Audio
			// Joined PCM carries no header.
			if s.cfg.TTSFormat == "pcm" && len(data) > 0 {
				data = audio.WrapPCM16(data, s.cfg.TTSSampleRate)
			}
			msg.Audio = &audioPayload{
				ID:         "audio-" + id,
				Data:       base64.StdEncoding.EncodeToString(data),
				Transcript: agg.Transcript + agg.Content,
			}
		} else {
			msg.Content = agg.Content
		}
	}

	out.Choices = []completionChoice{{Message: msg, FinishReason: finish}}
	respondJSON(w, http.StatusOK, out)
}
