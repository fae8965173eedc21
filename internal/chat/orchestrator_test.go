package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/ent0n29/playmate/internal/model"
	"github.com/ent0n29/playmate/internal/observability"
	"github.com/ent0n29/playmate/internal/reliability"
	"github.com/ent0n29/playmate/internal/session"
	"github.com/ent0n29/playmate/internal/voice"
)

var metricsSeq atomic.Int64

// testMetrics registers a fresh metric set; promauto panics on duplicates.
func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("chattest%d", metricsSeq.Add(1)))
}

type scriptedModel struct {
	mu       sync.Mutex
	replies  map[string][]string
	fallback []string
	requests []model.Request
}

func (m *scriptedModel) Stream(_ context.Context, req model.Request) (model.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	parts, ok := m.replies[req.Model]
	if !ok {
		parts = m.fallback
	}
	chunks := make([]model.Chunk, 0, len(parts))
	for _, p := range parts {
		chunks = append(chunks, model.Chunk{Content: p})
	}
	return model.NewSliceStream(chunks...), nil
}

func (m *scriptedModel) lastRequest() model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type failingModel struct{ err error }

func (m failingModel) Stream(context.Context, model.Request) (model.Stream, error) {
	return nil, m.err
}

type harness struct {
	store   *session.InMemoryStore
	tasks   *TaskGroup
	metrics *observability.Metrics
	orch    *Orchestrator
}

func newHarness(t *testing.T, vision, text model.ChatModel, tts voice.TTSProvider, cfg Config) *harness {
	t.Helper()
	if cfg.VisionEndpoint == "" {
		cfg.VisionEndpoint = "vlm"
	}
	if cfg.TextEndpoint == "" {
		cfg.TextEndpoint = "llm"
	}
	if cfg.UnknownMarker == "" {
		cfg.UnknownMarker = "不知道"
	}
	h := &harness{store: session.NewInMemoryStore(), tasks: NewTaskGroup(), metrics: testMetrics()}
	h.orch = NewOrchestrator(h.store, vision, text, tts, h.tasks, h.metrics, cfg)
	return h
}

func (h *harness) history(t *testing.T, id string) []session.Turn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.tasks.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	turns, err := h.store.History(context.Background(), id)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	return turns
}

func userText(text string) []model.Message {
	return []model.Message{model.UserMessage(model.PlainText(text))}
}

func drain(t *testing.T, r *Response) (text string) {
	t.Helper()
	defer r.Close()
	var b strings.Builder
	for {
		c, err := r.Next()
		if err == io.EOF {
			return b.String()
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if c.Transcript != "" {
			b.WriteString(c.Transcript)
		} else {
			b.WriteString(c.Content)
		}
	}
}

func TestChatEndToEndRecordsExchange(t *testing.T) {
	m := model.NewMockModel()
	h := newHarness(t, m, m, voice.NewMockProvider(), Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("你好")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if !r.Voiced() {
		t.Fatalf("Voiced() = false, want true")
	}
	reply := drain(t, r)
	if reply == "" {
		t.Fatalf("empty reply")
	}

	got := h.history(t, "S")
	want := []session.Turn{
		{Role: session.RoleUser, Content: "你好"},
		{Role: session.RoleAssistant, Content: reply},
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("history = %+v, want %+v", got, want)
	}
}

func TestChatDegradesWhenTTSFails(t *testing.T) {
	m := model.NewMockModel()
	tts := &voice.MockProvider{StartErr: errors.New("tts down")}
	h := newHarness(t, m, m, tts, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("你好")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if r.Voiced() {
		t.Fatalf("Voiced() = true, want degraded")
	}
	if got := drain(t, r); got != "我听到了：你好" {
		t.Fatalf("reply = %q", got)
	}
}

func TestChatDegradesWhenTTSTimesOut(t *testing.T) {
	m := model.NewMockModel()
	tts := &voice.MockProvider{StartDelay: time.Second}
	h := newHarness(t, m, m, tts, Config{TTSTimeout: 20 * time.Millisecond})

	start := time.Now()
	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("在吗")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Chat() waited %v for tts", time.Since(start))
	}
	if got := drain(t, r); got != "我听到了：在吗" {
		t.Fatalf("reply = %q", got)
	}
}

func TestChatWithoutTTSProvider(t *testing.T) {
	m := model.NewMockModel()
	h := newHarness(t, m, m, nil, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("你好")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := drain(t, r); got != "我听到了：你好" {
		t.Fatalf("reply = %q", got)
	}
}

func TestChatProducerFailureSurfaces(t *testing.T) {
	boom := reliability.Upstream("llm", errors.New("connection refused"))
	h := newHarness(t, failingModel{err: boom}, failingModel{err: boom}, voice.NewMockProvider(), Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("你好")})
	if err == nil || r != nil {
		t.Fatalf("Chat() = %v, %v, want error", r, err)
	}
	if reliability.KindOf(err) != reliability.KindUpstreamUnavailable {
		t.Fatalf("Chat() error kind = %v", reliability.KindOf(err))
	}
	if got := h.history(t, "S"); len(got) != 0 {
		t.Fatalf("history = %+v, want empty", got)
	}
}

func TestChatProducerFailureDoesNotWaitForTTS(t *testing.T) {
	boom := reliability.Upstream("llm", errors.New("connection refused"))
	tts := &voice.MockProvider{StartDelay: 2 * time.Second}
	h := newHarness(t, failingModel{err: boom}, failingModel{err: boom}, tts, Config{TTSTimeout: 5 * time.Second})

	start := time.Now()
	if _, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("你好")}); err == nil {
		t.Fatalf("Chat() error = nil, want producer failure")
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Fatalf("Chat() waited %v for tts setup after producer failure", waited)
	}
}

func TestChatCountsNewSessionOnce(t *testing.T) {
	m := model.NewMockModel()
	h := newHarness(t, m, m, nil, Config{})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("你好")})
			if err != nil {
				t.Errorf("Chat() error = %v", err)
				return
			}
			_ = r.Close()
		}()
	}
	wg.Wait()

	var out dto.Metric
	if err := h.metrics.ActiveSessions.Write(&out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := out.GetGauge().GetValue(); got != 1 {
		t.Fatalf("active sessions = %v, want 1", got)
	}
}

func TestChatFallsBackWhenTTSFailsMidStream(t *testing.T) {
	m := &scriptedModel{fallback: []string{"一。", "二。", "三。", "四。"}}
	h := newHarness(t, m, m, &voice.MockProvider{FailAfter: 2}, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("数数")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := drain(t, r); got != "一。二。三。四。" {
		t.Fatalf("reply = %q, want every sentence once", got)
	}
	got := h.history(t, "S")
	if len(got) != 2 || got[1].Content != "一。二。三。四。" {
		t.Fatalf("history = %+v", got)
	}
}

func TestChatSavesWhenClientStopsEarly(t *testing.T) {
	m := &scriptedModel{fallback: []string{"第一句。", "第二句。"}}
	h := newHarness(t, m, m, nil, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("讲讲")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	_ = r.Close()
	_ = r.Close()

	got := h.history(t, "S")
	if len(got) != 2 {
		t.Fatalf("history = %+v, want one exchange", got)
	}
	if got[0].Content != "讲讲" || got[1].Content != "第一句。" {
		t.Fatalf("history = %+v", got)
	}
}

func TestChatSkipsSaveWhenNothingWasSaid(t *testing.T) {
	m := &scriptedModel{}
	h := newHarness(t, m, m, nil, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: userText("")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	drain(t, r)
	if got := h.history(t, "S"); len(got) != 0 {
		t.Fatalf("history = %+v, want empty", got)
	}
}

func frame(text string) []model.Message {
	return []model.Message{model.UserMessage(model.StructuredParts(
		model.TextPart(text),
		model.ImagePart("data:image/jpeg;base64,AAAA"),
	))}
}

func TestChatImageOnlyAppendsSummary(t *testing.T) {
	m := model.NewMockModel()
	h := newHarness(t, m, m, voice.NewMockProvider(), Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: frame("")})
	if err != nil || r != nil {
		t.Fatalf("Chat() = %v, %v, want nil response", r, err)
	}
	got := h.history(t, "S")
	want := FrameDescriptionPrefix + "画面里有一个正在玩游戏的人。"
	if len(got) != 1 || got[0].Role != session.RoleAssistant || got[0].Content != want {
		t.Fatalf("history = %+v, want one frame description", got)
	}
}

func TestChatImageOnlyUnknownAppendsNothing(t *testing.T) {
	vision := &scriptedModel{fallback: []string{"不知", "道", "。"}}
	h := newHarness(t, vision, model.NewMockModel(), nil, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: frame("")})
	if err != nil || r != nil {
		t.Fatalf("Chat() = %v, %v, want nil response", r, err)
	}
	if got := h.history(t, "S"); len(got) != 0 {
		t.Fatalf("history = %+v, want empty", got)
	}
}

func TestChatVisionAnswerWins(t *testing.T) {
	vision := &scriptedModel{fallback: []string{"你的血量", "只剩一半了。"}}
	text := &scriptedModel{fallback: []string{"文本回答。"}}
	h := newHarness(t, vision, text, nil, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: frame("我还有多少血？")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := drain(t, r); got != "你的血量只剩一半了。" {
		t.Fatalf("reply = %q", got)
	}
}

func TestChatVisionUnknownFallsBackToText(t *testing.T) {
	vision := &scriptedModel{fallback: []string{"不知道", "。"}}
	text := &scriptedModel{fallback: []string{"文本回答。"}}
	h := newHarness(t, vision, text, nil, Config{})

	r, err := h.orch.Chat(context.Background(), Request{SessionID: "S", Messages: frame("这是什么游戏？")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := drain(t, r); got != "文本回答。" {
		t.Fatalf("reply = %q", got)
	}
	if got := text.lastRequest().Messages; got[len(got)-1].Content.Text() != "这是什么游戏？" {
		t.Fatalf("text model got %+v", got[len(got)-1])
	}
}

func TestChatTruncatesHistoryForTextModel(t *testing.T) {
	text := &scriptedModel{fallback: []string{"好。"}}
	h := newHarness(t, text, text, nil, Config{})
	ctx := context.Background()

	if _, err := h.store.Ensure(ctx, "S"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	for i := range 200 {
		if err := h.store.Append(ctx, "S", session.Turn{Role: session.RoleUser, Content: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	r, err := h.orch.Chat(ctx, Request{SessionID: "S", Messages: userText("现在")})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	drain(t, r)

	msgs := text.lastRequest().Messages
	if len(msgs) != 1+180+1 {
		t.Fatalf("len(messages) = %d, want 182", len(msgs))
	}
	if msgs[0].Role != model.RoleSystem || msgs[1].Content.Text() != "20" || msgs[181].Content.Text() != "现在" {
		t.Fatalf("unexpected window: first=%q last=%q", msgs[1].Content.Text(), msgs[181].Content.Text())
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	m := model.NewMockModel()
	h := newHarness(t, m, m, nil, Config{})

	if _, err := h.orch.Chat(context.Background(), Request{Messages: userText("hi")}); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("Chat() error = %v, want ErrMissingSession", err)
	}
	if _, err := h.orch.Chat(context.Background(), Request{SessionID: "S"}); !errors.Is(err, ErrNoMessages) {
		t.Fatalf("Chat() error = %v, want ErrNoMessages", err)
	}
}
