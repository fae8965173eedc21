package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ent0n29/playmate/internal/reliability"
)

func sseChunk(content, finish string) string {
	finishJSON := "null"
	if finish != "" {
		finishJSON = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"ep","choices":[{"index":0,"delta":{"role":"assistant","content":%q},"finish_reason":%s}]}`+"\n\n", content, finishJSON)
}

func TestArkClientStreamsChunks(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/chat/completions" {
			t.Errorf("path = %q, want /api/v3/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer key", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseChunk("", ""))
		_, _ = io.WriteString(w, sseChunk("你好", ""))
		_, _ = io.WriteString(w, sseChunk("呀", ""))
		_, _ = io.WriteString(w, sseChunk("", "stop"))
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer ts.Close()

	client := NewArkClient(ArkConfig{APIKey: "test-key", BaseURL: ts.URL + "/api/v3/"})
	temp := 0.3
	stream, err := client.Stream(context.Background(), Request{
		Model: "ep-llm",
		Messages: []Message{
			SystemMessage("be kind"),
			AssistantMessage("earlier"),
			UserMessage(StructuredParts(TextPart("看"), ImagePart("data:image/jpeg;base64,AAAA"))),
		},
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var got []Chunk
	for {
		c, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, c)
	}
	if len(got) != 3 || got[0].Content != "你好" || got[1].Content != "呀" || got[2].FinishReason != "stop" {
		t.Fatalf("chunks = %+v, want [你好 呀 stop]", got)
	}

	if body["model"] != "ep-llm" || body["stream"] != true || body["temperature"] != 0.3 {
		t.Fatalf("unexpected request body: %v", body)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	user, _ := msgs[2].(map[string]any)
	parts, _ := user["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("user content parts = %v, want text and image", user["content"])
	}
	image, _ := parts[1].(map[string]any)
	if image["type"] != "image_url" {
		t.Fatalf("second part = %v, want image_url", image)
	}
}

func TestArkClientStatusErrorIsUpstreamUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	}))
	defer ts.Close()

	client := NewArkClient(ArkConfig{APIKey: "k", BaseURL: ts.URL + "/"})
	_, err := client.Stream(context.Background(), Request{Model: "ep", Messages: []Message{UserMessage(PlainText("hi"))}})
	if err == nil {
		t.Fatalf("Stream() error = nil, want upstream error")
	}
	if kind := reliability.KindOf(err); kind != reliability.KindUpstreamUnavailable {
		t.Fatalf("KindOf() = %q, want %q", kind, reliability.KindUpstreamUnavailable)
	}
	var rerr *reliability.Error
	if !errors.As(err, &rerr) || rerr.Status != http.StatusServiceUnavailable || !rerr.Retryable {
		t.Fatalf("error = %#v, want 503 retryable", rerr)
	}
}

func TestArkClientUnreachableHost(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	client := NewArkClient(ArkConfig{APIKey: "k", BaseURL: url + "/"})
	_, err := client.Stream(context.Background(), Request{Model: "ep", Messages: []Message{UserMessage(PlainText("hi"))}})
	if reliability.KindOf(err) != reliability.KindUpstreamUnavailable {
		t.Fatalf("error = %v, want upstream unavailable", err)
	}
}
