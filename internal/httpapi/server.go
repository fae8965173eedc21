package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/playmate/internal/asrproxy"
	"github.com/ent0n29/playmate/internal/chat"
	"github.com/ent0n29/playmate/internal/config"
	"github.com/ent0n29/playmate/internal/observability"
	"github.com/ent0n29/playmate/internal/session"
)

// SessionHeader identifies the conversation a chat request belongs to.
const SessionHeader = "X-Context-Id"

type Chatter interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Response, error)
}

type ASRGateway interface {
	Serve(ctx context.Context, client *websocket.Conn, creds asrproxy.Credentials)
}

type Server struct {
	cfg      config.Config
	store    session.Store
	chat     Chatter
	asr      ASRGateway
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, store session.Store, chatter Chatter, asr ASRGateway, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		chat:    chatter,
		asr:     asr,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(s.corsOptions()))

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/ping", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/api/v3/bots/chat/completions", s.handleChatCompletions)
	r.Post("/v1/chat/completions", s.handleChatCompletions)
	r.Get("/debug/status", s.handleDebugStatus)
	r.Get("/ws/asr", s.handleASR)

	return r
}

func (s *Server) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           600,
	}
	if s.cfg.AllowAnyOrigin {
		opts.AllowedOrigins = []string{"*"}
	} else {
		opts.AllowOriginFunc = func(r *http.Request, origin string) bool {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
	}
	return opts
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

const debugContentRunes = 80

type debugTurn struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
}

type debugSession struct {
	HistoryLength int         `json:"history_length"`
	LastMessages  []debugTurn `json:"last_messages"`
}

type debugStatus struct {
	Status             string                      `json:"status"`
	ActiveSessionCount int                         `json:"active_session_count"`
	Sessions           map[string]debugSession     `json:"sessions"`
	TurnStages         observability.StageSnapshot `json:"turn_stages"`
}

func (s *Server) handleDebugStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := s.store.Keys(ctx)
	if err != nil {
		slog.Error("debug status: list sessions failed", "error", err)
		respondError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return
	}

	out := debugStatus{
		Status:             "running",
		ActiveSessionCount: len(keys),
		Sessions:           make(map[string]debugSession, len(keys)),
		TurnStages:         s.metrics.StageSnapshot(),
	}
	for _, id := range keys {
		history, err := s.store.History(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("debug status: read history failed", "session_id", id, "error", err)
			continue
		}
		last := history[max(0, len(history)-3):]
		turns := make([]debugTurn, 0, len(last))
		for _, t := range last {
			turns = append(turns, debugTurn{Role: t.Role, Content: truncateRunes(t.Content, debugContentRunes)})
		}
		out.Sessions[id] = debugSession{HistoryLength: len(history), LastMessages: turns}
	}
	respondJSON(w, http.StatusOK, out)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (s *Server) handleASR(w http.ResponseWriter, r *http.Request) {
	if s.asr == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "asr gateway not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	q := r.URL.Query()
	s.asr.Serve(r.Context(), conn, asrproxy.Credentials{
		AppID:       q.Get("app_id"),
		AccessToken: q.Get("access_token"),
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
