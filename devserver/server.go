// Package devserver is a single-process conversation backend speaking the
// realtime protocol. It backs `coview serve` and end-to-end tests.
package devserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/coview/protocol"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultBacklog      = 100
	defaultWriteTimeout = 10 * time.Second
)

type Options struct {
	// PingInterval between application pings. Zero uses the default and a
	// negative value disables pings and read deadlines.
	PingInterval time.Duration
	// Backlog is the number of messages kept per conversation. Zero uses
	// the default; negative keeps everything.
	Backlog      int
	WriteTimeout time.Duration
	Store        *Store
	// Auth identifies socket tokens; nil accepts plain dev tokens.
	Auth         *Authenticator
	Logger       *zerolog.Logger
}

type Server struct {
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
	wg    sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Backlog == 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Server{
		opts: opts,
		log:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		rooms: make(map[string]*room),
	}
}

// Handler builds the HTTP router: REST snapshots plus the socket endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/api/conversations/{id}", func(r chi.Router) {
		r.Get("/messages", s.handleMessages)
		r.Get("/presence", s.handlePresence)
		r.Post("/title", s.handleTitle)
	})
	r.Get("/ws/conversations/{id}", s.handleWS)
	return r
}

func (s *Server) room(id string) *room {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[id]
	if !ok {
		r = newRoom(id, s.opts.Backlog, s.opts.Store, s.log)
		s.rooms[id] = r
	}
	return r
}

// Close sends a going-away close to every socket and waits for their
// handlers to finish.
func (s *Server) Close() {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()
	for _, r := range rooms {
		for _, p := range r.allPeers() {
			p.mu.Lock()
			_ = p.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			_ = p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			_ = p.ws.Close()
			p.mu.Unlock()
		}
	}
	s.wg.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.room(chi.URLParam(r, "id")).history())
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.room(chi.URLParam(r, "id")).viewers.Viewers())
}

func (s *Server) handleTitle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	title := sanitizeText(req.Title, maxTitleLen)
	if title == "" {
		http.Error(w, "empty title", http.StatusBadRequest)
		return
	}
	s.room(chi.URLParam(r, "id")).setTitle(title, time.Now().UTC())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) readTimeout() time.Duration {
	if s.opts.PingInterval < 0 {
		return 0
	}
	return 3 * s.opts.PingInterval
}

func (s *Server) extendRead(ws *websocket.Conn) {
	if d := s.readTimeout(); d > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(d))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	uid, name, err := s.opts.Auth.Identify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	rm := s.room(id)
	p := &peer{ws: ws, userID: uid, username: name, timeout: s.opts.WriteTimeout}
	now := time.Now().UTC()

	// Hold the write lock so broadcasts reach p only after the snapshot.
	p.mu.Lock()
	first, present := rm.attach(p, now)
	_ = p.write(protocol.ConnectedFrame(id, uid, now))
	if title := rm.currentTitle(); title != "" {
		_ = p.write(protocol.TitleFrame(title, now))
	}
	for _, v := range present {
		_ = p.write(protocol.PresenceFrame(protocol.ActionJoined, v.UserID, v.Username, v.JoinedAt))
		if v.Position != nil {
			_ = p.write(protocol.ScrollChangedFrame(v.UserID, v.Username, v.Position.Index, v.Position.MessageID, v.LastSeen))
		}
	}
	p.mu.Unlock()
	if first {
		rm.broadcast(protocol.PresenceFrame(protocol.ActionJoined, uid, name, now), nil)
	}
	rm.log.Debug().Int64("user", uid).Bool("first", first).Msg("[devserver] attached")

	done := make(chan struct{})
	if s.opts.PingInterval > 0 {
		go s.pingLoop(p, done)
	}

	defer func() {
		close(done)
		if rm.detach(p, time.Now().UTC()) {
			rm.broadcast(protocol.PresenceFrame(protocol.ActionLeft, uid, name, time.Now().UTC()), nil)
		}
		p.mu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
		p.mu.Unlock()
		rm.log.Debug().Int64("user", uid).Msg("[devserver] detached")
	}()

	ws.SetReadLimit(1 << 20)
	for {
		s.extendRead(ws)
		_, data, err := ws.ReadMessage()
		if err != nil {
			rm.log.Debug().Err(err).Msg("[devserver] read failed")
			return
		}
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			rm.log.Debug().Err(err).Msg("[devserver] bad frame")
			continue
		}
		s.handleFrame(rm, p, f)
	}
}

func (s *Server) handleFrame(rm *room, p *peer, f protocol.Frame) {
	switch f.Type {
	case protocol.KindSendMessage:
		content := sanitizeText(f.Content, maxContentLen)
		if content == "" {
			return
		}
		rm.post(protocol.Message{
			ID:             uuid.NewString(),
			ConversationID: rm.id,
			Sender:         protocol.Sender{UserID: p.userID, Username: p.username},
			Role:           protocol.RoleUser,
			Content:        content,
			ParentID:       f.ParentID,
			Timestamp:      time.Now().UTC(),
		})
	case protocol.KindScroll:
		if f.MessageIndex == nil || f.MessageID == "" {
			return
		}
		now := time.Now().UTC()
		rm.scroll(protocol.ScrollChanged{UserID: p.userID, Username: p.username, MessageIndex: *f.MessageIndex, MessageID: f.MessageID, At: now})
		rm.broadcast(protocol.ScrollChangedFrame(p.userID, p.username, *f.MessageIndex, f.MessageID, now), p)
	case protocol.KindPong:
		// the read deadline was already extended
	default:
		rm.log.Debug().Str("type", string(f.Type)).Msg("[devserver] ignored frame")
	}
}

func (s *Server) pingLoop(p *peer, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.send(protocol.PingFrame(time.Now())); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
