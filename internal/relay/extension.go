package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cdprelay/relay/internal/logging"
)

// LivenessState describes whether the extension socket is currently
// usable.
type LivenessState int

const (
	Idle LivenessState = iota
	Connected
)

func (s LivenessState) String() string {
	if s == Connected {
		return "connected"
	}
	return "idle"
}

// QueueMode controls what happens to a command that arrives while the
// extension link is Idle.
type QueueMode int

const (
	// RejectImmediately fails the command with ExtensionUnavailable as
	// soon as it is seen.
	RejectImmediately QueueMode = iota
	// GraceWait holds the command for up to GraceInterval, failing with
	// ExtensionUnavailable only if the extension has not reconnected by
	// then.
	GraceWait
)

// ExtensionTimeout is the deadline on every extension-bound request.
const ExtensionTimeout = 30 * time.Second

// GraceInterval is the default wait applied under QueueMode=GraceWait.
const GraceInterval = 10 * time.Second

// pingInterval and maxMissedPongs drive the extension link's heartbeat.
const (
	pingInterval   = 15 * time.Second
	maxMissedPongs = 3
)

// ExtensionUnavailableError is returned when a command cannot be sent
// because no extension is connected.
type ExtensionUnavailableError struct{}

func (*ExtensionUnavailableError) Error() string { return "extension not connected" }

// ExtensionReplacedError is returned for every pending request failed
// because a newer extension socket took over.
type ExtensionReplacedError struct{}

func (*ExtensionReplacedError) Error() string { return "replaced by new extension connection" }

// ExtensionDisconnectedError is returned for every pending request failed
// by a extension disconnect.
type ExtensionDisconnectedError struct{}

func (*ExtensionDisconnectedError) Error() string { return "Extension disconnected" }

// TimeoutError is returned when an extension-bound request is not
// answered within ExtensionTimeout.
type TimeoutError struct{}

func (*TimeoutError) Error() string { return "timed out waiting for extension" }

type pendingExtRequest struct {
	clientID string
	origID   int
	resolve  chan *Envelope
	reject   chan error
	timer    *time.Timer
}

// ExtensionLink is the process-wide singleton socket from the installed
// browser extension. It owns the extension-visible request-id space and
// the pending-request table: every other component reaches the
// extension only through Send/WriteRaw.
type ExtensionLink struct {
	log logging.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       LivenessState
	connectedCh chan struct{} // closed, then replaced, on every transition to Connected
	nextID      int
	pending     map[int]*pendingExtRequest
	queueCfg    QueueMode
	grace       time.Duration

	missedPongs int

	onEvent      func(env *Envelope)
	onBinary     func(frame []byte)
	onDisconnect func()
	onReconnect  func()
}

// NewExtensionLink constructs an idle ExtensionLink. Wire its callbacks
// with SetEventHandlers/SetCallbacks once the router exists.
func NewExtensionLink() *ExtensionLink {
	return &ExtensionLink{
		log:         logging.Named("extension"),
		pending:     make(map[int]*pendingExtRequest),
		queueCfg:    RejectImmediately,
		grace:       GraceInterval,
		connectedCh: make(chan struct{}),
	}
}

// SetEventHandlers installs the callbacks invoked for extension
// notifications (onEvent) and binary frames (onBinary).
func (l *ExtensionLink) SetEventHandlers(onEvent func(*Envelope), onBinary func([]byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onEvent = onEvent
	l.onBinary = onBinary
}

// SetQueueMode configures the policy applied to requests that arrive
// while the link is Idle.
func (l *ExtensionLink) SetQueueMode(mode QueueMode, grace time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queueCfg = mode
	if grace > 0 {
		l.grace = grace
	}
}

// SetCallbacks rebinds the disconnect/reconnect hooks, used by the
// router to learn about extension link transitions without a direct
// dependency cycle.
func (l *ExtensionLink) SetCallbacks(onDisconnect, onReconnect func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = onDisconnect
	l.onReconnect = onReconnect
}

// State reports the link's current liveness.
func (l *ExtensionLink) State() LivenessState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attach binds a newly opened /extension socket. If one was already
// attached, it is closed with "replaced by new extension connection" and
// every request pending against it fails with ExtensionReplacedError.
func (l *ExtensionLink) Attach(conn *websocket.Conn) {
	l.mu.Lock()
	prior := l.conn
	wasConnected := l.state == Connected
	l.conn = conn
	l.state = Connected
	l.missedPongs = 0
	toFail := l.drainPendingLocked()
	reconnectHook := l.onReconnect
	close(l.connectedCh)
	l.connectedCh = make(chan struct{})
	l.mu.Unlock()

	if prior != nil {
		l.log.Warn("replacing existing extension connection")
		_ = prior.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "replaced by new extension connection"))
		_ = prior.Close()
		for _, p := range toFail {
			p.reject <- &ExtensionReplacedError{}
		}
	} else {
		l.log.Info("extension connected")
	}

	// onReconnect fires when the link comes back from Idle. Targets are
	// re-announced when the extension re-sends tabAttached for its tabs,
	// not by this hook. A same-state replacement (the
	// extension was already Connected) is handled by the Replaced error
	// path above instead.
	if !wasConnected && reconnectHook != nil {
		reconnectHook()
	}
}

// Detach marks the link Idle, fails every pending request with
// ExtensionDisconnectedError, and invokes the disconnect hook so the
// router can broadcast target teardown to clients.
func (l *ExtensionLink) Detach(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		// A stale detach from a socket that was already replaced.
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.state = Idle
	toFail := l.drainPendingLocked()
	hook := l.onDisconnect
	l.mu.Unlock()

	l.log.Warn("extension disconnected")
	for _, p := range toFail {
		p.reject <- &ExtensionDisconnectedError{}
	}
	if hook != nil {
		hook()
	}
}

func (l *ExtensionLink) drainPendingLocked() []*pendingExtRequest {
	out := make([]*pendingExtRequest, 0, len(l.pending))
	for id, p := range l.pending {
		p.timer.Stop()
		out = append(out, p)
		delete(l.pending, id)
	}
	return out
}

// nextExtID allocates the next extension-visible request id. Caller must
// hold l.mu.
func (l *ExtensionLink) nextExtID() int {
	l.nextID++
	return l.nextID
}

// Send forwards env to the extension under a freshly allocated
// extension-side id, remembering (clientID, origID) so the response can
// be routed back. It blocks until the extension responds, the 30s
// deadline elapses, or the link is torn down.
func (l *ExtensionLink) Send(clientID string, origID int, env *Envelope) (*Envelope, error) {
	l.mu.Lock()
	if l.state != Connected {
		if l.queueCfg == RejectImmediately {
			l.mu.Unlock()
			return nil, &ExtensionUnavailableError{}
		}
		// GraceWait: release the lock and wait for the next Connected
		// transition, or give up after the grace interval.
		wake := l.connectedCh
		l.mu.Unlock()
		select {
		case <-wake:
		case <-time.After(l.grace):
			return nil, &ExtensionUnavailableError{}
		}
		l.mu.Lock()
		if l.state != Connected {
			l.mu.Unlock()
			return nil, &ExtensionUnavailableError{}
		}
	}

	extID := l.nextExtID()
	p := &pendingExtRequest{
		clientID: clientID,
		origID:   origID,
		resolve:  make(chan *Envelope, 1),
		reject:   make(chan error, 1),
	}
	p.timer = time.AfterFunc(ExtensionTimeout, func() {
		l.mu.Lock()
		if _, still := l.pending[extID]; still {
			delete(l.pending, extID)
		} else {
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		p.reject <- &TimeoutError{}
	})
	l.pending[extID] = p
	conn := l.conn
	l.mu.Unlock()

	outbound := *env
	outbound.ID = extID
	if conn != nil {
		frame, err := EncodeEnvelope(&outbound)
		if err != nil {
			l.failPending(extID, err)
			return nil, err
		}
		if err := l.writeLocked(conn, websocket.TextMessage, frame); err != nil {
			l.failPending(extID, err)
			return nil, err
		}
	}

	select {
	case resp := <-p.resolve:
		return resp, nil
	case err := <-p.reject:
		return nil, err
	}
}

func (l *ExtensionLink) failPending(extID int, err error) {
	l.mu.Lock()
	p, ok := l.pending[extID]
	if ok {
		p.timer.Stop()
		delete(l.pending, extID)
	}
	l.mu.Unlock()
	if ok {
		p.reject <- err
	}
}

// CancelAllForClient fails every pending extension request that
// originated from clientID, used when that client's socket closes.
// Late responses for these ids are discarded by HandleIncoming because
// the pending entry is already gone by the time they arrive.
func (l *ExtensionLink) CancelAllForClient(clientID string) {
	l.mu.Lock()
	var toFail []*pendingExtRequest
	for id, p := range l.pending {
		if p.clientID == clientID {
			p.timer.Stop()
			toFail = append(toFail, p)
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()

	for _, p := range toFail {
		p.reject <- fmt.Errorf("relay: request canceled, client disconnected")
	}
}

var extensionWriteMu sync.Mutex

// writeLocked serializes writes to the extension socket: gorilla's
// websocket.Conn forbids concurrent writers.
func (l *ExtensionLink) writeLocked(conn *websocket.Conn, messageType int, data []byte) error {
	extensionWriteMu.Lock()
	defer extensionWriteMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

// WriteRaw sends a pre-built frame to the extension without going
// through the pending-request machinery, used for fire-and-forget
// notifications such as recording control messages that the caller
// tracks itself.
func (l *ExtensionLink) WriteRaw(messageType int, data []byte) error {
	l.mu.Lock()
	conn := l.conn
	state := l.state
	l.mu.Unlock()
	if state != Connected || conn == nil {
		return &ExtensionUnavailableError{}
	}
	return l.writeLocked(conn, messageType, data)
}

// HandleIncoming dispatches one frame read from the extension socket. It
// is called from the single reader goroutine owned by the /extension
// WebSocket handler.
func (l *ExtensionLink) HandleIncoming(messageType int, data []byte) {
	l.mu.Lock()
	onBinary, onEvent := l.onBinary, l.onEvent
	l.mu.Unlock()

	if messageType == websocket.BinaryMessage {
		if onBinary != nil {
			onBinary(data)
		}
		return
	}

	env, err := DecodeEnvelope(data)
	if err != nil {
		l.log.Warnf("dropping malformed extension frame: %v", err)
		return
	}

	if env.IsResponse() {
		l.mu.Lock()
		p, ok := l.pending[env.ID]
		if ok {
			p.timer.Stop()
			delete(l.pending, env.ID)
		}
		l.mu.Unlock()
		if ok {
			p.resolve <- env
		}
		// A response with no matching pending entry arrived after its
		// deadline or cancellation; it is discarded per the timeout
		// contract.
		return
	}

	if onEvent != nil {
		onEvent(env)
	}
}

// RunHeartbeat sends a ping every 15s and closes conn if three
// consecutive pongs are missed. It blocks until conn closes or stop
// fires; run it in its own goroutine.
func (l *ExtensionLink) RunHeartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	conn.SetPongHandler(func(string) error {
		l.mu.Lock()
		l.missedPongs = 0
		l.mu.Unlock()
		return nil
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			l.missedPongs++
			missed := l.missedPongs
			l.mu.Unlock()

			if missed > maxMissedPongs {
				l.log.Warn("missed too many heartbeat pongs, closing extension socket")
				_ = conn.Close()
				return
			}
			if err := l.writeLocked(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
