package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/playmate/internal/model"
	"github.com/ent0n29/playmate/internal/observability"
	"github.com/ent0n29/playmate/internal/reliability"
	"github.com/ent0n29/playmate/internal/session"
	"github.com/ent0n29/playmate/internal/voice"
)

const (
	defaultHistoryLimit = 180
	defaultTTSTimeout   = 5 * time.Second
	defaultSaveTimeout  = 2 * time.Second

	pathImageOnly = "image_only"
	pathText      = "text"
	pathVision    = "vision"
)

var (
	ErrMissingSession = errors.New("session id is required")
	ErrNoMessages     = errors.New("request has no messages")
)

type Config struct {
	VisionEndpoint string
	TextEndpoint   string
	// HistoryLimit caps the prior turns sent to the text model.
	HistoryLimit  int
	UnknownMarker string
	TTSTimeout    time.Duration
	SaveTimeout   time.Duration
	TTSOptions    voice.TTSOptions
	Prompts       Prompts
}

// Request is one user turn. The last message is the current turn.
type Request struct {
	SessionID string
	Messages  []model.Message
	Params    Params
}

// Orchestrator routes a turn to the vision or text model, voices the answer
// when TTS is reachable and records the exchange in the session store.
type Orchestrator struct {
	store   session.Store
	vision  *VisionProducer
	text    *TextProducer
	tts     voice.TTSProvider
	tasks   *TaskGroup
	metrics *observability.Metrics
	cfg     Config
}

// NewOrchestrator wires the chat flow. tts may be nil, in which case every
// turn is answered with text only.
func NewOrchestrator(
	store session.Store,
	visionModel model.ChatModel,
	textModel model.ChatModel,
	tts voice.TTSProvider,
	tasks *TaskGroup,
	metrics *observability.Metrics,
	cfg Config,
) *Orchestrator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = defaultTTSTimeout
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	cfg.Prompts = cfg.Prompts.withDefaults()
	return &Orchestrator{
		store:   store,
		vision:  NewVisionProducer(visionModel, cfg.VisionEndpoint, cfg.UnknownMarker),
		text:    NewTextProducer(textModel, cfg.TextEndpoint, cfg.HistoryLimit),
		tts:     tts,
		tasks:   tasks,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Chat handles one turn. For an image-only turn the frame is summarized in
// the background and Chat returns a nil response. Otherwise the caller must
// drain or Close the response; either way the exchange is saved once.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, ErrMissingSession
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	if err := o.ensureSession(ctx, req.SessionID); err != nil {
		return nil, err
	}

	current := req.Messages[len(req.Messages)-1]
	userText := current.Content.Text()
	if strings.TrimSpace(userText) == "" && current.Content.HasImage() {
		o.metrics.ChatTurns.WithLabelValues(pathImageOnly).Inc()
		o.summarizeFrame(req.SessionID, current, req.Params)
		return nil, nil
	}
	return o.converse(ctx, req.SessionID, current, userText, req.Params)
}

func (o *Orchestrator) ensureSession(ctx context.Context, id string) error {
	created, err := o.store.Ensure(ctx, id)
	if err != nil {
		return reliability.Persistence("store", err)
	}
	if created {
		o.metrics.ActiveSessions.Inc()
	}
	return nil
}

func (o *Orchestrator) summarizeFrame(sessionID string, turn model.Message, params Params) {
	_ = o.tasks.Go("summarize_frame", func(ctx context.Context) error {
		stream, usable, err := o.vision.Produce(ctx, o.cfg.Prompts.VisionSummary, turn, params)
		if err != nil {
			o.countProviderError("vision", err)
			return fmt.Errorf("summarize frame: %w", err)
		}
		if !usable {
			o.metrics.Indicate("vision_unknown")
			slog.Debug("frame not recognized", "session_id", sessionID)
			return nil
		}
		summary, err := model.Collect(stream)
		if err != nil {
			o.countProviderError("vision", err)
			return fmt.Errorf("summarize frame: %w", err)
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			return nil
		}

		saveCtx, cancel := context.WithTimeout(ctx, o.cfg.SaveTimeout)
		defer cancel()
		err = o.store.Append(saveCtx, sessionID, session.Turn{
			Role:    session.RoleAssistant,
			Content: FrameDescriptionPrefix + summary,
		})
		if err != nil {
			o.metrics.ContextSaves.WithLabelValues("error").Inc()
			return reliability.Persistence("store", err)
		}
		o.metrics.ContextSaves.WithLabelValues("ok").Inc()
		return nil
	})
}

type ttsSetup struct {
	stream voice.TTSStream
	err    error
}

type visionResult struct {
	stream model.Stream
	usable bool
	err    error
}

func (o *Orchestrator) converse(ctx context.Context, sessionID string, current model.Message, userText string, params Params) (*Response, error) {
	started := time.Now()

	history, err := o.store.History(ctx, sessionID)
	if err != nil {
		return nil, reliability.Persistence("store", err)
	}

	var ttsCh chan ttsSetup
	cancelSetup := func() {}
	if o.tts != nil {
		ttsCh = make(chan ttsSetup, 1)
		var setupCtx context.Context
		setupCtx, cancelSetup = context.WithTimeout(ctx, o.cfg.TTSTimeout)
		go func() {
			stream, err := o.tts.StartStream(setupCtx, o.cfg.TTSOptions)
			o.metrics.ObserveStage(observability.StageTTSReady, time.Since(started))
			ttsCh <- ttsSetup{stream: stream, err: err}
		}()
	}
	defer cancelSetup()

	stream, path, producerErr := o.produce(ctx, history, current, userText, params)
	if producerErr != nil {
		if ttsCh != nil {
			cancelSetup()
			go releaseTTS(ttsCh)
		}
		o.countProviderError(path, producerErr)
		return nil, producerErr
	}
	o.metrics.ObserveStage(observability.StageProducer, time.Since(started))

	var tts voice.TTSStream
	if ttsCh != nil {
		res := <-ttsCh
		switch {
		case res.err != nil:
			slog.Warn("tts unavailable, answering with text", "session_id", sessionID, "error", res.err)
			o.countProviderError("tts", res.err)
			o.metrics.SpeechModes.WithLabelValues("degraded").Inc()
			o.metrics.Indicate("tts_degraded")
		default:
			tts = res.stream
		}
	}

	o.metrics.ChatTurns.WithLabelValues(path).Inc()
	r := &Response{
		o:         o,
		sessionID: sessionID,
		userText:  userText,
		raw:       stream,
		started:   started,
	}
	if tts != nil {
		o.metrics.SpeechModes.WithLabelValues("voiced").Inc()
		r.bridge = voice.Bridge(ctx, tts, stream)
	}
	return r, nil
}

// releaseTTS closes a synthesis stream that finishes setup after the turn
// was abandoned.
func releaseTTS(ch <-chan ttsSetup) {
	if res := <-ch; res.stream != nil {
		_ = res.stream.Close()
	}
}

// produce runs the text producer and, when the turn carries an image, the
// vision producer alongside it. A usable vision answer wins.
func (o *Orchestrator) produce(ctx context.Context, history []session.Turn, current model.Message, userText string, params Params) (model.Stream, string, error) {
	if !current.Content.HasImage() {
		s, err := o.text.Produce(ctx, o.cfg.Prompts.Text, history, userText, params)
		return s, pathText, err
	}

	visionCh := make(chan visionResult, 1)
	go func() {
		s, usable, err := o.vision.Produce(ctx, o.cfg.Prompts.VisionChat, current, params)
		visionCh <- visionResult{stream: s, usable: usable, err: err}
	}()
	text, textErr := o.text.Produce(ctx, o.cfg.Prompts.Text, history, userText, params)
	v := <-visionCh

	if v.err != nil {
		slog.Warn("vision answer failed", "error", v.err)
		o.countProviderError(pathVision, v.err)
	}
	if v.err == nil && v.usable {
		if text != nil {
			_ = text.Close()
		}
		return v.stream, pathVision, nil
	}
	if !v.usable && v.err == nil {
		o.metrics.Indicate("vision_unknown")
	}
	return text, pathText, textErr
}

func (o *Orchestrator) countProviderError(provider string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	o.metrics.ProviderErrors.WithLabelValues(provider, string(reliability.KindOf(err))).Inc()
}

// saveExchange schedules the user and assistant turns as one batch.
func (o *Orchestrator) saveExchange(sessionID, userText, assistantText string) {
	if userText == "" && assistantText == "" {
		o.metrics.ContextSaves.WithLabelValues("skipped").Inc()
		return
	}
	err := o.tasks.Go("save_context", func(ctx context.Context) error {
		start := time.Now()
		saveCtx, cancel := context.WithTimeout(ctx, o.cfg.SaveTimeout)
		defer cancel()
		err := o.store.Append(saveCtx, sessionID,
			session.Turn{Role: session.RoleUser, Content: userText},
			session.Turn{Role: session.RoleAssistant, Content: assistantText},
		)
		o.metrics.ObserveStage(observability.StageContextSave, time.Since(start))
		if err != nil {
			o.metrics.ContextSaves.WithLabelValues("error").Inc()
			return reliability.Persistence("store", err)
		}
		o.metrics.ContextSaves.WithLabelValues("ok").Inc()
		slog.Debug("context saved", "session_id", sessionID, "assistant_runes", len([]rune(assistantText)))
		return nil
	})
	if err != nil {
		o.metrics.ContextSaves.WithLabelValues("error").Inc()
	}
}

// Response streams one answer. Chunks carry either text or audio with its
// transcript. Next and Close must be called from one goroutine.
type Response struct {
	o         *Orchestrator
	sessionID string
	userText  string

	raw     model.Stream
	bridge  *voice.BridgeStream
	started time.Time

	firstSeen bool
	text      strings.Builder
	err       error
	finishOne sync.Once
}

var _ model.Stream = (*Response)(nil)

// Voiced reports whether the answer is currently being synthesized.
func (r *Response) Voiced() bool { return r.bridge != nil }

func (r *Response) Next() (model.Chunk, error) {
	if r.err != nil {
		return model.Chunk{}, r.err
	}
	c, err := r.next()
	if err != nil {
		r.err = err
		r.finish()
		return model.Chunk{}, err
	}
	if !r.firstSeen {
		r.firstSeen = true
		r.o.metrics.ObserveFirstChunkLatency(time.Since(r.started))
	}
	return c, nil
}

func (r *Response) next() (model.Chunk, error) {
	if r.bridge != nil {
		c, err := r.bridge.Next()
		switch {
		case err == nil:
			if c.Transcript != "" {
				r.text.WriteString(c.Transcript)
			} else {
				r.text.WriteString(c.Content)
			}
			return c, nil
		case err == io.EOF, !isTTSFailure(err):
			return model.Chunk{}, err
		}

		slog.Warn("tts failed mid-stream, continuing with text", "session_id", r.sessionID, "error", err)
		r.o.countProviderError("tts", err)
		r.o.metrics.SpeechModes.WithLabelValues("fallback").Inc()
		r.o.metrics.Indicate("tts_fallback")
		_ = r.bridge.Close()
		unspoken := r.bridge.Unspoken()
		r.bridge = nil
		if unspoken != "" {
			r.text.WriteString(unspoken)
			return model.Chunk{Content: unspoken}, nil
		}
	}

	c, err := r.raw.Next()
	if err != nil {
		return model.Chunk{}, err
	}
	r.text.WriteString(c.Content)
	return c, nil
}

// Close releases TTS and model resources and saves the exchange. It is
// safe to call after the stream ended.
func (r *Response) Close() error {
	r.finish()
	return nil
}

func (r *Response) finish() {
	r.finishOne.Do(func() {
		_ = r.raw.Close()
		if r.bridge != nil {
			_ = r.bridge.Close()
		}
		r.o.metrics.ObserveStage(observability.StageTurnTotal, time.Since(r.started))
		r.o.saveExchange(r.sessionID, r.userText, r.text.String())
	})
}

func isTTSFailure(err error) bool {
	var re *reliability.Error
	return errors.As(err, &re) && re.Source == "tts"
}
