package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cdprelay/relay/internal/events"
	"github.com/cdprelay/relay/internal/logging"
)

// TokenVerifier checks bearer tokens presented on non-loopback binds.
type TokenVerifier interface {
	Verify(token string) bool
}

// ServerConfig configures a Server's listening and auth behavior.
type ServerConfig struct {
	// RequireAuthOverLoopback, if true, disables the default loopback
	// exemption and demands a valid token even on 127.0.0.1/::1.
	RequireAuthOverLoopback bool
	QueueMode               QueueMode
	GraceInterval           time.Duration
	// FinalChunkTimeout bounds how long a recording stop request waits
	// for the extension's closing chunk. Zero keeps recording.go's
	// built-in default.
	FinalChunkTimeout time.Duration
}

// Server owns the HTTP/WebSocket surface and assembles the client
// registry, extension link, target manager, router, and recorder into a
// working relay.
type Server struct {
	log logging.Logger
	cfg ServerConfig

	clients  *Registry
	ext      *ExtensionLink
	targets  *Manager
	router   *Router
	recorder *Recorder
	bus      *events.Subject
	tokens   TokenVerifier

	upgrader websocket.Upgrader
}

// NewServer wires up every relay component. tokens may be nil, in which
// case auth is skipped entirely (used for tests and for loopback-only
// deployments where no token was configured).
func NewServer(cfg ServerConfig, tokens TokenVerifier) *Server {
	bus := events.NewSubject(events.WithSyncDelivery(), events.WithBufferSize(1024))

	clients := NewRegistry()
	ext := NewExtensionLink()
	targets := NewManager()
	router := NewRouter(clients, ext, targets, bus)
	recorder := NewRecorder(ext, cfg.FinalChunkTimeout)
	router.SetRecorder(recorder)

	ext.SetQueueMode(cfg.QueueMode, cfg.GraceInterval)

	return &Server{
		log:      logging.Named("server"),
		cfg:      cfg,
		clients:  clients,
		ext:      ext,
		targets:  targets,
		router:   router,
		recorder: recorder,
		bus:      bus,
		tokens:   tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the chi router exposing every relay endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/version", s.handleVersion)
	r.Head("/", s.handleRoot)
	r.Get("/", s.handleRoot)
	r.Get("/extension/status", s.handleExtensionStatus)

	r.Get("/json/version", s.handleJSONVersion)
	r.Get("/json", s.handleJSONList)
	r.Get("/json/list", s.handleJSONList)
	r.Get("/json/activate/{targetId}", s.handleJSONActivate)
	r.Get("/json/close/{targetId}", s.handleJSONClose)

	r.Post("/recording/start", s.handleRecordingStart)
	r.Post("/recording/stop", s.handleRecordingStop)
	r.Post("/recording/cancel", s.handleRecordingCancel)
	r.Get("/recording/status", s.handleRecordingStatus)

	r.Get("/cdp/{id}", s.handleCdpWS)
	r.Get("/extension", s.handleExtensionWS)

	return r
}

// ApplyQueueMode updates how the relay queues CDP clients while no
// extension is attached, without requiring a restart. Used by
// config.Watch to push a hot-reloaded extension.queueMode/graceInterval.
func (s *Server) ApplyQueueMode(mode QueueMode, grace time.Duration) {
	s.cfg.QueueMode = mode
	s.cfg.GraceInterval = grace
	s.ext.SetQueueMode(mode, grace)
}

// Shutdown tells every attached client its session is over and lets the
// caller close listeners afterward. Clients are torn down first, the
// extension link last. Each session gets the same detach/destroy pair
// FreezeAll sends on an extension outage, since from a client's point of
// view a relay shutdown and a dropped target look the same.
func (s *Server) Shutdown() {
	for _, c := range s.clients.All() {
		for _, sess := range c.Sessions() {
			detach, _ := newEvent("Target.detachedFromTarget", "", map[string]any{"sessionId": sess.sessionID})
			s.router.deliver(c.ID(), detach)
			destroyed, _ := newEvent("Target.targetDestroyed", "", map[string]any{"targetId": sess.targetID})
			s.router.deliver(c.ID(), destroyed)
		}
		c.Fail(websocket.CloseGoingAway, "relay shutting down")
	}

	s.ext.mu.Lock()
	extConn := s.ext.conn
	s.ext.mu.Unlock()
	if extConn != nil {
		_ = s.ext.writeLocked(extConn, websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
		_ = extConn.Close()
	}
	events.Complete(s.bus)
}

// --- auth ---

func (s *Server) authorized(r *http.Request) bool {
	if s.tokens == nil {
		return true
	}
	if isLoopbackHost(r.Host) && !s.cfg.RequireAuthOverLoopback {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return s.tokens.Verify(token)
}

func isLoopbackHost(host string) bool {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		h = host
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// --- plain HTTP handlers ---

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": RelayVersion})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleExtensionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": s.ext.State() == Connected,
		"targets":   len(s.targets.Snapshot()),
		"clients":   s.clients.Count(),
	})
}

func (s *Server) wsURL(r *http.Request, path string) string {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + path
}

func (s *Server) handleJSONVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"Browser":              "CDPRelay/" + RelayVersion,
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": s.wsURL(r, "/cdp/"+uuid.NewString()),
	})
}

func (s *Server) handleJSONList(w http.ResponseWriter, r *http.Request) {
	targets := s.targets.Snapshot()
	out := make([]map[string]any, 0, len(targets))
	for _, t := range targets {
		out = append(out, map[string]any{
			"id":                   t.TargetID,
			"type":                 t.Type,
			"title":                t.Title,
			"url":                  t.URL,
			"webSocketDebuggerUrl": s.wsURL(r, "/cdp/"+uuid.NewString()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJSONActivate(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetId")
	if _, ok := s.targets.Get(targetID); !ok {
		http.Error(w, "No such target id: "+targetID, http.StatusNotFound)
		return
	}
	w.Write([]byte("Target activated"))
}

func (s *Server) handleJSONClose(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetId")
	if _, ok := s.targets.Get(targetID); !ok {
		http.Error(w, "No such target id: "+targetID, http.StatusNotFound)
		return
	}
	w.Write([]byte("Target is closing"))
}

// --- recording HTTP handlers ---

type recordingRequestBody struct {
	SessionID  string `json:"sessionId"`
	TabID      string `json:"tabId"`
	OutputPath string `json:"outputPath"`
}

func (s *Server) resolveTabID(sessionID, tabID string) (string, bool) {
	if tabID != "" {
		return tabID, true
	}
	for _, c := range s.clients.All() {
		for _, sess := range c.Sessions() {
			if sess.sessionID == sessionID {
				return s.targets.TabIDFor(sess.targetID)
			}
		}
	}
	return "", false
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	var body recordingRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	tabID, ok := s.resolveTabID(body.SessionID, body.TabID)
	if !ok {
		writeJSON(w, http.StatusOK, StartResult{Success: false})
		return
	}
	res, err := s.recorder.Start(StartRequest{SessionID: body.SessionID, TabID: tabID, OutputPath: body.OutputPath})
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	var body recordingRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	tabID, ok := s.resolveTabID(body.SessionID, body.TabID)
	if !ok {
		writeJSON(w, http.StatusOK, StopResult{Success: false, Error: "unknown session or tab"})
		return
	}
	res, err := s.recorder.Stop(tabID)
	if err != nil {
		writeJSON(w, http.StatusOK, StopResult{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecordingCancel(w http.ResponseWriter, r *http.Request) {
	var body recordingRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	tabID, ok := s.resolveTabID(body.SessionID, body.TabID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}
	if err := s.recorder.Cancel(tabID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	tabID, ok := s.resolveTabID(r.URL.Query().Get("sessionId"), r.URL.Query().Get("tabId"))
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"recording": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recording": s.recorder.IsRecording(tabID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --- WebSocket handlers ---

func (s *Server) handleCdpWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if s.ext.State() != Connected && s.cfg.QueueMode == RejectImmediately {
		http.Error(w, "extension not connected", http.StatusServiceUnavailable)
		return
	}

	// The <id> path segment only labels the client in logs; the UUID
	// suffix keeps sockets opened on the same path apart.
	id := chi.URLParam(r, "id") + "/" + uuid.NewString()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("cdp upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	client := NewClient(id, func(code int, reason string) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = conn.Close()
	})
	if err := s.clients.Add(client); err != nil {
		s.log.Warnf("rejecting duplicate client id %s", id)
		return
	}

	sub := events.Subscribe(s.bus, events.ClientTopic(id), func(_ context.Context, frame *outboundFrame) error {
		if client.Closed() {
			return nil
		}
		if frame.binary != nil {
			return conn.WriteMessage(websocket.BinaryMessage, frame.binary)
		}
		data, err := EncodeEnvelope(frame.envelope)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	})
	defer sub.Unsubscribe()

	s.log.Infof("client %s connected", id)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType == websocket.BinaryMessage {
			s.log.Warnf("client %s sent unexpected binary frame, ignoring", id)
			continue
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			client.Fail(websocket.CloseProtocolError, err.Error())
			break
		}
		s.router.HandleClientCommand(client, env)
	}

	s.router.HandleClientDisconnect(client)
	s.log.Infof("client %s disconnected", id)
}

func (s *Server) handleExtensionWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("extension upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.ext.Attach(conn)

	stop := make(chan struct{})
	go s.ext.RunHeartbeat(conn, stop)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.ext.HandleIncoming(messageType, data)
	}

	close(stop)
	s.ext.Detach(conn)
}
