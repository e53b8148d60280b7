package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bit2swaz/disasterconnect/internal/chat"
	"github.com/bit2swaz/disasterconnect/internal/engine"
	"github.com/bit2swaz/disasterconnect/internal/peers"
)

//go:embed static/*
var staticFiles embed.FS

const maxBody = 64 << 10

// Engine is the node surface the HTTP façade needs.
type Engine interface {
	NodeID() string
	PublishText(ctx context.Context, text string) (int, error)
	SendSOS(ctx context.Context, text string) bool
	Messages() []chat.Message
	Peers() []peers.Record
	Forget(peerID string) bool
	RoomInfo() (chat.RoomInfo, error)
	ClearMessages() error
	Backlog() map[string]int
}

type Server struct {
	engine  Engine
	port    int
	started time.Time
}

func NewServer(eng Engine, port int) *Server {
	return &Server{
		engine:  eng,
		port:    port,
		started: time.Now(),
	}
}

// Handler returns the routed mux.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /messages", s.handleMessages)
	mux.HandleFunc("POST /send", s.handleSend)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("DELETE /peers/{id}", s.handleForget)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /room-info", s.handleRoomInfo)
	mux.HandleFunc("POST /clear-messages", s.handleClear)
	mux.HandleFunc("POST /sos", s.handleSOS)
	mux.HandleFunc("GET /buffer", s.handleBuffer)
	return mux, nil
}

func (s *Server) Start(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Web server starting", "port", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	tmpl, err := template.ParseFS(staticFiles, "static/index.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	tmpl.Execute(w, nil)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages := s.engine.Messages()

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("Content-Type", "text/html")
		self := s.engine.NodeID()
		for _, msg := range messages {
			class := "line"
			if msg.SenderID == self {
				class = "line self"
			}
			fmt.Fprintf(w, `<div class="%s"><span class="ts">[%s]</span> <span class="nick">%s:</span> <span class="text">%s</span></div>`,
				class,
				template.HTMLEscapeString(displayTime(msg.Timestamp)),
				template.HTMLEscapeString(msg.SenderNick),
				template.HTMLEscapeString(msg.Text))
		}
		return
	}

	writeJSON(w, http.StatusOK, messages)
}

func displayTime(ts string) string {
	t, err := time.Parse(chat.TimestampLayout, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04:05")
}

// readText accepts {"text": "..."} or a form field named text.
func readText(w http.ResponseWriter, r *http.Request) (string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", err
		}
		return strings.TrimSpace(req.Text), nil
	}
	return strings.TrimSpace(r.FormValue("text")), nil
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	text, err := readText(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}

	n, err := s.engine.PublishText(r.Context(), text)
	switch {
	case errors.Is(err, chat.ErrNoRecipients):
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "no_recipients", "recipients": 0})
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, roomStatus(err), err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "recipients": n})
	}
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Peers())
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.engine.Forget(id) {
		writeError(w, http.StatusNotFound, "unknown peer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "forgotten", "peer_id": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"node_id":        s.engine.NodeID(),
		"peers":          len(s.engine.Peers()),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleRoomInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.RoomInfo()
	if err != nil {
		writeError(w, roomStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// roomStatus maps a room error to 409 when no room is joined yet.
func roomStatus(err error) int {
	if errors.Is(err, engine.ErrNotJoined) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearMessages(); err != nil {
		writeError(w, roomStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	text, err := readText(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": s.engine.SendSOS(r.Context(), text)})
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Backlog())
}
