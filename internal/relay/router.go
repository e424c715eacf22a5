package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cdprelay/relay/internal/events"
	"github.com/cdprelay/relay/internal/logging"
)

// outboundFrame is what the router hands to a client's delivery
// goroutine: either a JSON envelope or a raw binary frame (recording
// bytes passed straight through, see recording.go).
type outboundFrame struct {
	envelope *Envelope
	binary   []byte
}

// Router joins the client registry, the extension link, and the target
// manager. It is the only component that rewrites session tags; the
// extension-side request id is assigned by ExtensionLink.Send, and the
// router restores the client's original id on the response.
type Router struct {
	log logging.Logger

	clients  *Registry
	ext      *ExtensionLink
	targets  *Manager
	bus      *events.Subject
	recorder *Recorder

	mu            sync.Mutex
	sessionSeq    uint64
	sessionQueues map[string]chan func()
}

// NewRouter wires the registry, extension link, and target manager
// together. Call SetRecorder afterward once the recording side channel
// exists (it needs the router's extension link and vice versa).
func NewRouter(clients *Registry, ext *ExtensionLink, targets *Manager, bus *events.Subject) *Router {
	r := &Router{
		log:           logging.Named("router"),
		clients:       clients,
		ext:           ext,
		targets:       targets,
		bus:           bus,
		sessionQueues: make(map[string]chan func()),
	}
	ext.SetEventHandlers(r.handleExtensionEvent, r.handleExtensionBinary)
	ext.SetCallbacks(r.handleExtensionDisconnect, r.handleExtensionReconnect)
	targets.SetEventHandler(r.handleTargetEvent)
	return r
}

// SetRecorder attaches the recording side channel. Extension messages
// with method "recordingData" and every binary frame are routed to it
// instead of being treated as CDP traffic.
func (r *Router) SetRecorder(rec *Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

func (r *Router) mintSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionSeq++
	return fmt.Sprintf("s%d", r.sessionSeq)
}

// deliver enqueues env for clientID's socket via the shared delivery bus.
// Using one Subject with synchronous handlers gives every client's
// outbound frames a total order without each client needing its own
// lock (see internal/events doc comment).
func (r *Router) deliver(clientID string, env *Envelope) {
	_ = events.Emit(r.bus, events.ClientTopic(clientID), &outboundFrame{envelope: env})
}

func (r *Router) deliverBinary(clientID string, frame []byte) {
	_ = events.Emit(r.bus, events.ClientTopic(clientID), &outboundFrame{binary: frame})
}

// HandleClientCommand is the entry point for every frame a /cdp/<id>
// socket reads. The socket's reader calls it inline, one frame at a time;
// forwardToExtension only hands the command to a per-session worker, so a
// slow extension round trip does not block the reader, and same-session
// commands reach the extension and are answered in the order they were
// read.
func (r *Router) HandleClientCommand(client *Client, env *Envelope) {
	if !env.IsCommand() {
		r.log.Warnf("client %s sent a non-command frame, ignoring", client.ID())
		return
	}

	if InterceptedMethods[env.Method] {
		r.handleLocalCommand(client, env)
		return
	}

	r.forwardToExtension(client, env)
}

func (r *Router) forwardToExtension(client *Client, env *Envelope) {
	if env.SessionID == "" {
		r.deliver(client.ID(), newError(env.ID, "", -32602, "sessionId is required"))
		return
	}

	// Queue onto this session's own worker so two commands the client
	// pipelined on the same session can never have their extension
	// responses delivered out of the order they were queued in.
	r.sessionQueue(env.SessionID) <- func() {
		r.dispatchToExtension(client, env)
	}
}

func (r *Router) dispatchToExtension(client *Client, env *Envelope) {
	targetID, ok := sessionTargetID(client, env.SessionID)
	if !ok {
		r.deliver(client.ID(), newError(env.ID, env.SessionID, -32001, "No session with given id"))
		return
	}
	tabID, ok := r.targets.TabIDFor(targetID)
	if !ok {
		r.deliver(client.ID(), newError(env.ID, env.SessionID, -32001, "No session with given id"))
		return
	}

	outbound := *env
	outbound.SessionID = tabID // flat session tag understood by the extension proxy

	resp, err := r.ext.Send(client.ID(), env.ID, &outbound)
	if err != nil {
		r.deliver(client.ID(), translateExtensionError(env.ID, env.SessionID, err))
		return
	}

	resp.ID = env.ID
	resp.SessionID = env.SessionID
	r.deliver(client.ID(), resp)
}

// sessionQueue returns sessionID's serial worker, starting its drain
// goroutine on first use. Every command forwarded to the extension for a
// given session funnels through this channel, one at a time.
func (r *Router) sessionQueue(sessionID string) chan func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.sessionQueues[sessionID]; ok {
		return q
	}
	q := make(chan func(), 32)
	r.sessionQueues[sessionID] = q
	go func() {
		for fn := range q {
			fn()
		}
	}()
	return q
}

// closeSessionQueue retires sessionID's worker once its session is gone,
// so a long-lived relay doesn't accumulate one goroutine per session that
// ever existed.
func (r *Router) closeSessionQueue(sessionID string) {
	r.mu.Lock()
	q, ok := r.sessionQueues[sessionID]
	if ok {
		delete(r.sessionQueues, sessionID)
	}
	r.mu.Unlock()
	if ok {
		close(q)
	}
}

// sessionTargetID resolves a client-visible sessionId to the targetId it
// was minted against.
func sessionTargetID(client *Client, sessionID string) (string, bool) {
	for _, s := range client.Sessions() {
		if s.sessionID == sessionID {
			return s.targetID, true
		}
	}
	return "", false
}

func translateExtensionError(id int, sessionID string, err error) *Envelope {
	switch err.(type) {
	case *ExtensionUnavailableError:
		return newError(id, sessionID, ErrCodeExtensionUnavailable, "extension not connected")
	case *ExtensionDisconnectedError:
		return newError(id, sessionID, ErrCodeExtensionUnavailable, "Extension disconnected")
	case *ExtensionReplacedError:
		return newError(id, sessionID, ErrCodeExtensionUnavailable, "replaced by new extension connection")
	case *TimeoutError:
		return newError(id, sessionID, ErrCodeExtensionUnavailable, "timed out waiting for extension")
	default:
		return newError(id, sessionID, ErrCodeInternal, err.Error())
	}
}

// handleLocalCommand answers the fixed, documented set of methods that
// chrome.debugger cannot express, without ever touching the extension.
func (r *Router) handleLocalCommand(client *Client, env *Envelope) {
	switch env.Method {
	case "Target.setAutoAttach":
		r.handleSetAutoAttach(client, env)
	case "Target.getTargets":
		result, _ := newResult(env.ID, "", map[string]any{"targetInfos": r.targets.Snapshot()})
		r.deliver(client.ID(), result)
	case "Target.attachToTarget":
		r.handleAttachToTarget(client, env)
	case "Target.detachFromTarget":
		r.handleDetachFromTarget(client, env)
	case "Browser.getVersion":
		result, _ := newResult(env.ID, "", map[string]any{
			"protocolVersion": "1.3",
			"product":         "CDPRelay/" + RelayVersion,
			"revision":        "",
			"userAgent":       "CDPRelay/" + RelayVersion,
			"jsVersion":       "",
		})
		r.deliver(client.ID(), result)
	case "Browser.close", "Browser.setDownloadBehavior":
		result, _ := newResult(env.ID, "", map[string]any{})
		r.deliver(client.ID(), result)
	default:
		r.deliver(client.ID(), newError(env.ID, "", -32601, "method not found: "+env.Method))
	}
}

type setAutoAttachParams struct {
	AutoAttach bool `json:"autoAttach"`
	Flatten    bool `json:"flatten"`
}

func (r *Router) handleSetAutoAttach(client *Client, env *Envelope) {
	var params setAutoAttachParams
	if len(env.Params) > 0 {
		_ = json.Unmarshal(env.Params, &params)
	}
	if params.AutoAttach && !params.Flatten {
		r.log.Warnf("client %s requested setAutoAttach without flatten:true; proceeding in flat mode anyway", client.ID())
	}
	client.SetAutoAttach(params.AutoAttach)

	result, _ := newResult(env.ID, "", map[string]any{})
	r.deliver(client.ID(), result)

	if !params.AutoAttach {
		return
	}
	for _, info := range r.targets.Snapshot() {
		if _, already := client.SessionForTarget(info.TargetID); already {
			continue
		}
		r.attachClientToTarget(client, info)
	}
}

func (r *Router) attachClientToTarget(client *Client, info TargetInfo) string {
	sessionID := r.mintSessionID()
	client.AddSession(sessionID, info.TargetID)

	event, _ := newEvent("Target.attachedToTarget", "", map[string]any{
		"sessionId":         sessionID,
		"targetInfo":        info,
		"waitingForDebugger": false,
	})
	r.deliver(client.ID(), event)
	return sessionID
}

type attachToTargetParams struct {
	TargetID string `json:"targetId"`
}

func (r *Router) handleAttachToTarget(client *Client, env *Envelope) {
	var params attachToTargetParams
	_ = json.Unmarshal(env.Params, &params)

	info, ok := r.targets.Get(params.TargetID)
	if !ok {
		r.deliver(client.ID(), newError(env.ID, "", -32001, "No target with given id found"))
		return
	}

	sessionID := r.attachClientToTarget(client, info)
	result, _ := newResult(env.ID, "", map[string]any{"sessionId": sessionID})
	r.deliver(client.ID(), result)
}

type detachFromTargetParams struct {
	SessionID string `json:"sessionId"`
}

func (r *Router) handleDetachFromTarget(client *Client, env *Envelope) {
	var params detachFromTargetParams
	_ = json.Unmarshal(env.Params, &params)

	if !client.RemoveSession(params.SessionID) {
		r.deliver(client.ID(), newError(env.ID, "", -32001, "No session with given id"))
		return
	}
	r.closeSessionQueue(params.SessionID)

	result, _ := newResult(env.ID, "", map[string]any{})
	r.deliver(client.ID(), result)

	event, _ := newEvent("Target.detachedFromTarget", "", map[string]any{"sessionId": params.SessionID})
	r.deliver(client.ID(), event)
}

// HandleClientDisconnect tears a client's bookkeeping down: its in-flight
// extension requests are canceled and its sessions are released. A
// disconnecting client's sessions are not announced to anyone (there is
// no one left to announce them to) but are still dropped, and each one's
// per-session worker is retired. The target manager is not touched:
// targets stay attached for other clients.
func (r *Router) HandleClientDisconnect(client *Client) {
	r.ext.CancelAllForClient(client.ID())
	sessions := client.Sessions()
	for _, s := range sessions {
		client.RemoveSession(s.sessionID)
		r.closeSessionQueue(s.sessionID)
	}
	r.clients.Remove(client.ID())
	r.log.Infof("client %s disconnected (%d sessions released)", client.ID(), len(sessions))
}

// --- Extension -> relay ---

type tabSignalParams struct {
	TabID  string `json:"tabId"`
	URL    string `json:"url"`
	Title  string `json:"title"`
	Reason string `json:"reason"`
}

func (r *Router) handleExtensionEvent(env *Envelope) {
	switch env.Method {
	case MethodRecordingData:
		r.mu.Lock()
		rec := r.recorder
		r.mu.Unlock()
		if rec != nil {
			rec.HandleMetadata(env.Params)
		}
		return
	case SignalTabAttached:
		var p tabSignalParams
		_ = json.Unmarshal(env.Params, &p)
		r.targets.TabAttached(p.TabID, p.URL, p.Title)
		return
	case SignalTabDetached:
		var p tabSignalParams
		_ = json.Unmarshal(env.Params, &p)
		r.targets.TabDetached(p.TabID)
		return
	case SignalTabNavigated:
		var p tabSignalParams
		_ = json.Unmarshal(env.Params, &p)
		r.targets.TabNavigated(p.TabID, p.URL, p.Title)
		return
	}

	r.fanOutEvent(env)
}

// fanOutEvent delivers a genuine CDP event (tagged by the extension with
// the originating tab id, carried in SessionID) to every client attached
// to that target, rewriting SessionID into each client's own namespace.
func (r *Router) fanOutEvent(env *Envelope) {
	if env.SessionID == "" {
		return
	}
	targetID, ok := r.targets.TargetIDForTab(env.SessionID)
	if !ok {
		return
	}
	for _, client := range r.clients.All() {
		sessionID, ok := client.SessionForTarget(targetID)
		if !ok {
			continue
		}
		out := *env
		out.SessionID = sessionID
		r.deliver(client.ID(), &out)
	}
}

func (r *Router) handleExtensionBinary(frame []byte) {
	r.mu.Lock()
	rec := r.recorder
	r.mu.Unlock()
	if rec != nil {
		rec.HandleBinaryChunk(frame)
		return
	}
	r.log.Warn("binary frame received with no active recorder, dropping")
}

// handleExtensionDisconnect freezes every attached target; the manager's
// own event callback fans the resulting detach/destroy pair out to
// clients.
func (r *Router) handleExtensionDisconnect() {
	r.targets.FreezeAll()
	r.mu.Lock()
	rec := r.recorder
	r.mu.Unlock()
	if rec != nil {
		rec.HandleExtensionDisconnect()
	}
}

func (r *Router) handleExtensionReconnect() {
	r.log.Info("extension reconnected")
}

// --- Target manager -> relay ---

func (r *Router) handleTargetEvent(evt TargetEvent) {
	switch evt.Method {
	case "Target.targetCreated":
		r.broadcastTargetCreated(evt)
	case "Target.detachedFromTarget":
		r.fanOutDetach(evt)
	case "Target.targetDestroyed":
		r.broadcast(evt.Method, map[string]any{"targetId": evt.TargetID})
	case "Target.targetInfoChanged":
		r.broadcast(evt.Method, map[string]any{"targetInfo": evt.Info})
	}
}

func (r *Router) broadcastTargetCreated(evt TargetEvent) {
	r.broadcast(evt.Method, map[string]any{"targetInfo": evt.Info})

	for _, client := range r.clients.All() {
		if !client.AutoAttach() {
			continue
		}
		if _, already := client.SessionForTarget(evt.TargetID); already {
			continue
		}
		r.attachClientToTarget(client, evt.Info)
	}
}

func (r *Router) fanOutDetach(evt TargetEvent) {
	for _, client := range r.clients.All() {
		sessionID, ok := client.SessionForTarget(evt.TargetID)
		if !ok {
			continue
		}
		client.RemoveSession(sessionID)
		r.closeSessionQueue(sessionID)
		event, _ := newEvent(evt.Method, "", map[string]any{"sessionId": sessionID})
		r.deliver(client.ID(), event)
	}
}

func (r *Router) broadcast(method string, params any) {
	for _, client := range r.clients.All() {
		event, _ := newEvent(method, "", params)
		r.deliver(client.ID(), event)
	}
}
