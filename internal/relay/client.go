package relay

import (
	"fmt"
	"sync"

	"github.com/cdprelay/relay/internal/logging"
)

// session is one (client, target) binding as seen from the client side:
// the client-visible sessionId paired with the targetId it was minted
// against. The extension-visible identifier for the same binding is the
// target's tab id, held by the target Manager, never here.
type session struct {
	sessionID string
	targetID  string
}

// Client is one open /cdp/<id> socket. The <id> in the URL is kept only
// for logging; it is never treated as a session id.
type Client struct {
	id  string
	log logging.Logger

	mu         sync.Mutex
	sessions   map[string]session // sessionID -> session
	autoAttach bool
	seq        uint64 // counter behind NextSeq; event order toward this client comes from the delivery bus
	closed     bool

	closeFn func(code int, reason string)
}

// NewClient constructs a Client record. closeFn is invoked by Fail to
// actually tear down the transport; it is supplied by the WebSocket
// handler that owns the socket.
func NewClient(id string, closeFn func(code int, reason string)) *Client {
	return &Client{
		id:       id,
		log:      logging.Named("client " + id),
		sessions: make(map[string]session),
		closeFn:  closeFn,
	}
}

// ID returns the client's logging identifier.
func (c *Client) ID() string { return c.id }

// Fail closes the client's socket with a reason and marks it closed.
// Idempotent.
func (c *Client) Fail(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.log.Warnf("closing: %s", reason)
	if c.closeFn != nil {
		c.closeFn(code, reason)
	}
}

// Closed reports whether Fail has already run for this client.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetAutoAttach records the client's Target.setAutoAttach flag.
func (c *Client) SetAutoAttach(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoAttach = v
}

// AutoAttach reports the client's last requested auto-attach flag.
func (c *Client) AutoAttach() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoAttach
}

// AddSession records a new session this client has attached to.
func (c *Client) AddSession(sessionID, targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = session{sessionID: sessionID, targetID: targetID}
}

// RemoveSession drops a session, returning false if it was not present.
func (c *Client) RemoveSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[sessionID]; !ok {
		return false
	}
	delete(c.sessions, sessionID)
	return true
}

// HasSession reports whether sessionID is currently attached for this
// client.
func (c *Client) HasSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// SessionForTarget returns the sessionId this client uses for targetID,
// if it has attached to it.
func (c *Client) SessionForTarget(targetID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.targetID == targetID {
			return s.sessionID, true
		}
	}
	return "", false
}

// Sessions returns a snapshot of every sessionId this client has
// attached to, used when tearing a client down.
func (c *Client) Sessions() []session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// NextSeq returns the next value of this client's target-event ordering
// sequence.
func (c *Client) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Registry tracks every currently open CDP client. A single /cdp endpoint
// may host many concurrent clients; the extension underneath is shared
// (see ExtensionLink).
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs an empty client registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Add registers a newly connected client. The id must be unique among
// currently open clients; callers typically derive it from a UUID so this
// never collides in practice.
func (r *Registry) Add(c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.clients[c.id]; exists {
		return fmt.Errorf("relay: client id %q already registered", c.id)
	}
	r.clients[c.id] = c
	return nil
}

// Remove deregisters a client, typically called once its socket has
// closed and its sessions have been torn down.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Get looks up a client by id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// All returns a snapshot of every currently registered client.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of currently registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
