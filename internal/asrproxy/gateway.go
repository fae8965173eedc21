// Package asrproxy bridges browser audio over a JSON websocket to the
// Volcengine streaming ASR service, which only accepts binary frames and
// authenticates with headers browsers cannot set.
package asrproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/playmate/internal/observability"
	"github.com/ent0n29/playmate/internal/protocol"
	"github.com/ent0n29/playmate/internal/reliability"
)

const (
	DefaultURL        = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	DefaultResourceID = "volc.bigasr.sauc.duration"

	defaultConnectTimeout = 10 * time.Second
	clientReadLimit       = 2 << 20
	clientIdleTimeout     = 120 * time.Second
	clientWriteTimeout    = 10 * time.Second
)

// Client-facing error messages.
const (
	msgMissingCredentials  = "ASR 凭证未配置"
	msgUpstreamUnavailable = "无法连接 ASR 服务"
	msgUpstreamClosed      = "ASR 连接已断开"
)

type Config struct {
	URL            string
	AppID          string
	AccessToken    string
	ResourceID     string
	UserID         string
	ConnectTimeout time.Duration
	Dialer         *websocket.Dialer
}

// Credentials identify the caller to the upstream service. Empty fields
// fall back to the gateway configuration.
type Credentials struct {
	AppID       string
	AccessToken string
}

type Gateway struct {
	cfg     Config
	metrics *observability.Metrics
}

func New(cfg Config, metrics *observability.Metrics) *Gateway {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.ResourceID == "" {
		cfg.ResourceID = DefaultResourceID
	}
	if cfg.UserID == "" {
		cfg.UserID = "playmate_web_plugin"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Gateway{cfg: cfg, metrics: metrics}
}

func (g *Gateway) resolve(c Credentials) Credentials {
	if strings.TrimSpace(c.AppID) == "" {
		c.AppID = g.cfg.AppID
	}
	if strings.TrimSpace(c.AccessToken) == "" {
		c.AccessToken = g.cfg.AccessToken
	}
	return c
}

type state int32

const (
	stateInit state = iota
	stateConnecting
	stateReady
	stateStreaming
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateConnecting:
		return "connecting_upstream"
	case stateReady:
		return "upstream_ready"
	case stateStreaming:
		return "streaming"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Serve proxies one client connection until either side goes away. The
// caller owns client and closes it after Serve returns.
func (g *Gateway) Serve(ctx context.Context, client *websocket.Conn, creds Credentials) {
	s := &proxySession{
		gw:        g,
		client:    client,
		connectID: uuid.NewString(),
		downDone:  make(chan struct{}),
	}
	g.metrics.ASRConnections.Inc()
	defer g.metrics.ASRConnections.Dec()
	defer s.close()
	stop := context.AfterFunc(ctx, s.close)
	defer stop()

	s.run(ctx, g.resolve(creds))
}

type proxySession struct {
	gw        *Gateway
	client    *websocket.Conn
	connectID string

	state atomic.Int32

	upMu     sync.Mutex
	upstream *websocket.Conn

	clientWriteMu sync.Mutex
	// readMu orders read deadline changes against the stop flags.
	readMu       sync.Mutex
	closing      atomic.Bool
	upstreamGone atomic.Bool
	downStarted   atomic.Bool
	downDone      chan struct{}
	closeOnce     sync.Once
}

func (s *proxySession) setState(st state) {
	prev := state(s.state.Swap(int32(st)))
	slog.Debug("asr proxy state", "connect_id", s.connectID, "from", prev, "to", st)
}

func (s *proxySession) run(ctx context.Context, creds Credentials) {
	s.setState(stateInit)
	if strings.TrimSpace(creds.AppID) == "" || strings.TrimSpace(creds.AccessToken) == "" {
		err := reliability.CredentialMissing("asr")
		slog.Error("asr proxy rejected client", "error", err)
		s.gw.metrics.ProviderErrors.WithLabelValues("asr", string(reliability.KindOf(err))).Inc()
		s.sendError(msgMissingCredentials, "")
		return
	}

	s.setState(stateConnecting)
	up, err := s.dial(ctx, creds)
	if err != nil {
		slog.Error("asr upstream connect failed", "connect_id", s.connectID, "error", err)
		s.gw.metrics.ProviderErrors.WithLabelValues("asr", string(reliability.KindOf(err))).Inc()
		s.sendError(msgUpstreamUnavailable, err.Error())
		return
	}
	if !s.attach(up) {
		_ = up.Close()
		return
	}

	s.setState(stateReady)
	initFrame, err := protocol.EncodeASRInit(protocol.DefaultASRInitPayload(s.gw.cfg.UserID))
	if err == nil {
		err = up.WriteMessage(websocket.BinaryMessage, initFrame)
	}
	if err != nil {
		slog.Error("asr init request failed", "connect_id", s.connectID, "error", err)
		s.sendError(msgUpstreamUnavailable, err.Error())
		return
	}
	s.gw.metrics.WSMessages.WithLabelValues("upstream", "init").Inc()

	s.setState(stateStreaming)
	s.downStarted.Store(true)
	go s.forwardDownstream()
	s.forwardUpstream()
}

func (s *proxySession) dial(ctx context.Context, creds Credentials) (*websocket.Conn, error) {
	start := time.Now()
	dialCtx, cancel := context.WithTimeout(ctx, s.gw.cfg.ConnectTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("X-Api-App-Key", creds.AppID)
	headers.Set("X-Api-Access-Key", creds.AccessToken)
	headers.Set("X-Api-Resource-Id", s.gw.cfg.ResourceID)
	headers.Set("X-Api-Connect-Id", s.connectID)

	conn, resp, err := s.gw.cfg.Dialer.DialContext(dialCtx, s.gw.cfg.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, reliability.UpstreamStatus("asr", resp.StatusCode, err)
		}
		return nil, reliability.Upstream("asr", err)
	}
	s.gw.metrics.ObserveStage(observability.StageASRConnect, time.Since(start))
	return conn, nil
}

// attach publishes the upstream connection unless the session is already
// closing.
func (s *proxySession) attach(up *websocket.Conn) bool {
	s.upMu.Lock()
	defer s.upMu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.upstream = up
	return true
}

// forwardDownstream relays upstream results to the client. When upstream
// goes away on its own the client is told and its pending read is
// interrupted so the session can close.
func (s *proxySession) forwardDownstream() {
	defer close(s.downDone)
	for {
		mt, data, err := s.upstream.ReadMessage()
		if err != nil {
			s.upstreamGone.Store(true)
			if s.closing.Load() {
				return
			}
			if !reliability.IsNormalClosure(err) {
				slog.Warn("asr upstream read failed", "connect_id", s.connectID, "error", err)
			} else {
				slog.Info("asr upstream closed", "connect_id", s.connectID)
			}
			s.sendError(msgUpstreamClosed, "")
			s.interruptClient()
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			msg, ok := protocol.ParseASRResponse(data)
			if !ok {
				s.gw.metrics.WSMessages.WithLabelValues("downstream", "dropped").Inc()
				continue
			}
			kind := "result"
			if _, ack := msg.(protocol.ASRAck); ack {
				kind = "ack"
			}
			if err := s.writeJSON(msg); err != nil {
				return
			}
			s.gw.metrics.WSMessages.WithLabelValues("downstream", kind).Inc()
		case websocket.TextMessage:
			if err := s.writeClient(websocket.TextMessage, data); err != nil {
				return
			}
			s.gw.metrics.WSMessages.WithLabelValues("downstream", "text").Inc()
		}
	}
}

// forwardUpstream turns client audio messages into audio-only frames.
// Sequence 1 belongs to the init request.
func (s *proxySession) forwardUpstream() {
	s.client.SetReadLimit(clientReadLimit)
	seq := int32(1)
	for s.armClientRead() {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			if !reliability.IsNormalClosure(err) && !s.upstreamGone.Load() {
				slog.Debug("asr client read ended", "connect_id", s.connectID, "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		msg, pcm, err := protocol.ParseClientAudioChunk(data)
		if errors.Is(err, protocol.ErrNoAudio) {
			continue
		}
		if err != nil {
			slog.Warn("asr client message dropped", "connect_id", s.connectID, "error", reliability.Malformed("client", err))
			s.gw.metrics.WSMessages.WithLabelValues("upstream", "malformed").Inc()
			continue
		}
		if msg.Sequence != nil {
			seq = *msg.Sequence
		} else {
			seq++
		}

		frame, err := protocol.EncodeASRAudio(seq, pcm)
		if err != nil {
			slog.Warn("asr audio frame encode failed", "connect_id", s.connectID, "error", err)
			continue
		}
		if err := s.upstream.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			slog.Warn("asr upstream write failed", "connect_id", s.connectID, "error", err)
			s.sendError(msgUpstreamClosed, "")
			return
		}
		s.gw.metrics.WSMessages.WithLabelValues("upstream", "audio").Inc()
	}
}

// armClientRead extends the client read deadline unless the session is
// stopping.
func (s *proxySession) armClientRead() bool {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.closing.Load() || s.upstreamGone.Load() {
		return false
	}
	_ = s.client.SetReadDeadline(time.Now().Add(clientIdleTimeout))
	return true
}

// interruptClient fails the pending client read.
func (s *proxySession) interruptClient() {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	_ = s.client.SetReadDeadline(time.Now())
}

func (s *proxySession) sendError(message, detail string) {
	if err := s.writeJSON(protocol.ErrorEvent{Error: message, Detail: detail}); err == nil {
		s.gw.metrics.WSMessages.WithLabelValues("downstream", "error").Inc()
	}
}

func (s *proxySession) writeJSON(v any) error {
	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()
	_ = s.client.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return s.client.WriteJSON(v)
}

func (s *proxySession) writeClient(mt int, data []byte) error {
	s.clientWriteMu.Lock()
	defer s.clientWriteMu.Unlock()
	_ = s.client.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
	return s.client.WriteMessage(mt, data)
}

// close is the single exit path: upstream is closed and the downstream
// goroutine is awaited no matter which side ended the session.
func (s *proxySession) close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.interruptClient()
		s.upMu.Lock()
		up := s.upstream
		s.upMu.Unlock()
		if up != nil {
			_ = up.Close()
		}
		if s.downStarted.Load() {
			<-s.downDone
		}
		s.setState(stateClosed)
	})
}
