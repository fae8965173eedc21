package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/playmate/internal/protocol"
	"github.com/ent0n29/playmate/internal/reliability"
)

const doubaoNamespace = "BidirectionalTTS"

// DoubaoConfig configures the Doubao bidirectional streaming TTS service.
type DoubaoConfig struct {
	URL         string
	AppID       string
	AccessToken string
	ResourceID  string
	UserID      string
	Defaults    TTSOptions
	Dialer      *websocket.Dialer
}

// DoubaoProvider opens one websocket connection and one TTS session per
// stream.
type DoubaoProvider struct {
	cfg DoubaoConfig
}

var _ TTSProvider = (*DoubaoProvider)(nil)

func NewDoubaoProvider(cfg DoubaoConfig) *DoubaoProvider {
	if cfg.URL == "" {
		cfg.URL = "wss://openspeech.bytedance.com/api/v3/tts/bidirection"
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = "volc.service_type.10029"
	}
	if cfg.UserID == "" {
		cfg.UserID = "playmate"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &DoubaoProvider{cfg: cfg}
}

type doubaoAudioParams struct {
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type doubaoReqParams struct {
	Text        string            `json:"text,omitempty"`
	Speaker     string            `json:"speaker"`
	AudioParams doubaoAudioParams `json:"audio_params"`
}

type doubaoRequest struct {
	User      protocol.ASRUser `json:"user"`
	Event     protocol.Event   `json:"event"`
	Namespace string           `json:"namespace"`
	ReqParams doubaoReqParams  `json:"req_params"`
}

// StartStream dials the service and completes the connection and session
// handshakes. The context bounds the whole handshake.
func (p *DoubaoProvider) StartStream(ctx context.Context, opts TTSOptions) (TTSStream, error) {
	if strings.TrimSpace(p.cfg.AppID) == "" || strings.TrimSpace(p.cfg.AccessToken) == "" {
		return nil, reliability.CredentialMissing("tts")
	}
	opts = p.withDefaults(opts)

	headers := http.Header{}
	headers.Set("X-Api-App-Key", p.cfg.AppID)
	headers.Set("X-Api-Access-Key", p.cfg.AccessToken)
	headers.Set("X-Api-Resource-Id", p.cfg.ResourceID)
	headers.Set("X-Api-Connect-Id", uuid.NewString())

	conn, _, err := p.cfg.Dialer.DialContext(ctx, p.cfg.URL, headers)
	if err != nil {
		return nil, reliability.Upstream("tts", fmt.Errorf("dial tts websocket: %w", err))
	}

	s := &doubaoTTSStream{
		conn:      conn,
		sessionID: uuid.NewString(),
		userID:    p.cfg.UserID,
		opts:      opts,
		events:    make(chan TTSEvent, 512),
		done:      make(chan struct{}),
	}
	if err := s.handshake(ctx); err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, reliability.Upstream("tts", ctx.Err())
		}
		return nil, reliability.Upstream("tts", err)
	}
	go s.readLoop()
	return s, nil
}

func (p *DoubaoProvider) withDefaults(opts TTSOptions) TTSOptions {
	if opts.Speaker == "" {
		opts.Speaker = p.cfg.Defaults.Speaker
	}
	if opts.Format == "" {
		opts.Format = p.cfg.Defaults.Format
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = p.cfg.Defaults.SampleRate
	}
	return opts
}

type doubaoTTSStream struct {
	conn      *websocket.Conn
	sessionID string
	userID    string
	opts      TTSOptions

	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
	done      chan struct{}
}

func (s *doubaoTTSStream) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(deadline)
		_ = s.conn.SetWriteDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	if err := s.writeEvent(protocol.EventStartConnection, nil); err != nil {
		return fmt.Errorf("start connection: %w", err)
	}
	if err := s.expect(protocol.EventConnectionStarted, protocol.EventConnectionFailed); err != nil {
		return err
	}
	if err := s.writeEvent(protocol.EventStartSession, s.request(protocol.EventStartSession, "")); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if err := s.expect(protocol.EventSessionStarted, protocol.EventSessionFailed); err != nil {
		return err
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	_ = s.conn.SetWriteDeadline(time.Time{})
	return nil
}

func (s *doubaoTTSStream) expect(want, failed protocol.Event) error {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("wait for %s: %w", want, err)
		}
		f, err := protocol.Decode(data)
		if err != nil {
			return reliability.Malformed("tts", err)
		}
		switch {
		case f.MessageType == protocol.ErrorResponse:
			return fmt.Errorf("tts error %d: %s", f.ErrorCode, f.Payload)
		case f.Event == want:
			return nil
		case f.Event == failed:
			return fmt.Errorf("%s: %s", failed, f.Payload)
		}
	}
}

func (s *doubaoTTSStream) request(event protocol.Event, text string) *doubaoRequest {
	return &doubaoRequest{
		User:      protocol.ASRUser{UID: s.userID},
		Event:     event,
		Namespace: doubaoNamespace,
		ReqParams: doubaoReqParams{
			Text:    text,
			Speaker: s.opts.Speaker,
			AudioParams: doubaoAudioParams{
				Format:     s.opts.Format,
				SampleRate: s.opts.SampleRate,
			},
		},
	}
}

func (s *doubaoTTSStream) SendText(_ context.Context, text string) error {
	if text == "" {
		return nil
	}
	return s.writeEvent(protocol.EventTaskRequest, s.request(protocol.EventTaskRequest, text))
}

func (s *doubaoTTSStream) CloseInput(_ context.Context) error {
	return s.writeEvent(protocol.EventFinishSession, nil)
}

func (s *doubaoTTSStream) Events() <-chan TTSEvent { return s.events }

// Close ends the connection. The read loop closes the events channel.
func (s *doubaoTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = s.writeEvent(protocol.EventFinishConnection, nil)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *doubaoTTSStream) writeEvent(event protocol.Event, body any) error {
	payload := []byte("{}")
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal %s: %w", event, err)
		}
	}
	frame, err := protocol.Encode(&protocol.Frame{
		Header:    protocol.NewHeader(protocol.FullClientRequest, protocol.WithEvent, protocol.SerializationJSON, protocol.CompressionNone),
		Event:     event,
		SessionID: s.sessionID,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

type sentencePayload struct {
	Text      string `json:"text"`
	ResParams struct {
		Text string `json:"text"`
	} `json:"res_params"`
}

func (s *doubaoTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				if !reliability.IsNormalClosure(err) {
					slog.Warn("tts read failed", "session_id", s.sessionID, "error", err)
				}
				s.emit(TTSEvent{Type: TTSEventError, Code: "connection_lost", Detail: err.Error()})
			}
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("tts frame dropped", "session_id", s.sessionID, "error", err)
			continue
		}

		if f.MessageType == protocol.ErrorResponse {
			s.emit(TTSEvent{Type: TTSEventError, Code: strconv.FormatUint(uint64(f.ErrorCode), 10), Detail: string(f.Payload)})
			return
		}

		switch f.Event {
		case protocol.EventTTSResponse:
			if len(f.Payload) > 0 {
				s.emit(TTSEvent{Type: TTSEventAudio, Audio: f.Payload})
			}
		case protocol.EventTTSSentenceStart:
			var p sentencePayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			text := p.Text
			if text == "" {
				text = p.ResParams.Text
			}
			if text != "" {
				s.emit(TTSEvent{Type: TTSEventSentence, Text: text})
			}
		case protocol.EventSessionFinished:
			s.emit(TTSEvent{Type: TTSEventFinal})
			return
		case protocol.EventSessionFailed, protocol.EventConnectionFailed:
			s.emit(TTSEvent{Type: TTSEventError, Code: f.Event.String(), Detail: string(f.Payload)})
			return
		}
	}
}

func (s *doubaoTTSStream) emit(ev TTSEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
