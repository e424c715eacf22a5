package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdprelay/relay/internal/events"
)

// testRouter wires a Router the way server.go does, plus a helper to
// collect everything delivered to one client's topic.
func testRouter(t *testing.T) (*Router, *Registry, *ExtensionLink, *Manager, *events.Subject) {
	t.Helper()
	bus := events.NewSubject(events.WithSyncDelivery())
	clients := NewRegistry()
	ext := NewExtensionLink()
	ext.SetQueueMode(RejectImmediately, 0)
	targets := NewManager()
	r := NewRouter(clients, ext, targets, bus)
	return r, clients, ext, targets, bus
}

func collectClientFrames(t *testing.T, bus *events.Subject, clientID string) (<-chan *outboundFrame, func()) {
	t.Helper()
	ch := make(chan *outboundFrame, 16)
	sub := events.Subscribe(bus, events.ClientTopic(clientID), func(_ context.Context, frame *outboundFrame) error {
		ch <- frame
		return nil
	})
	return ch, sub.Unsubscribe
}

func recvFrame(t *testing.T, ch <-chan *outboundFrame) *outboundFrame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a delivered frame")
		return nil
	}
}

func TestRouter_HandleClientCommand_IgnoresNonCommandFrames(t *testing.T) {
	r, clients, _, _, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	r.HandleClientCommand(client, &Envelope{Method: "Target.targetCreated"}) // event, no ID

	select {
	case <-frames:
		t.Fatal("non-command frame must be ignored, not answered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_ForwardToExtension_RequiresSessionID(t *testing.T) {
	r, clients, _, _, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	r.HandleClientCommand(client, &Envelope{ID: 1, Method: "Page.navigate", Params: []byte(`{}`)})

	f := recvFrame(t, frames)
	require.NotNil(t, f.envelope)
	require.NotNil(t, f.envelope.Error)
	assert.Equal(t, -32602, f.envelope.Error.Code)
}

func TestRouter_ForwardToExtension_UnknownSessionErrors(t *testing.T) {
	r, clients, _, _, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	r.HandleClientCommand(client, &Envelope{ID: 1, Method: "Page.navigate", Params: []byte(`{}`), SessionID: "ghost"})

	f := recvFrame(t, frames)
	require.NotNil(t, f.envelope.Error)
	assert.Equal(t, -32001, f.envelope.Error.Code)
}

func TestRouter_ForwardToExtension_UnavailableExtensionTranslatesError(t *testing.T) {
	r, clients, _, targets, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	targets.SetEventHandler(func(TargetEvent) {})
	targets.TabAttached("tab-1", "https://example.com", "Example")
	targetID, _ := targets.TargetIDForTab("tab-1")
	client.AddSession("s1", targetID)

	r.HandleClientCommand(client, &Envelope{ID: 1, Method: "Page.navigate", Params: []byte(`{}`), SessionID: "s1"})

	f := recvFrame(t, frames)
	require.NotNil(t, f.envelope.Error)
	assert.Equal(t, ErrCodeExtensionUnavailable, f.envelope.Error.Code)
	assert.Equal(t, "s1", f.envelope.SessionID)
	assert.Equal(t, 1, f.envelope.ID)
}

func TestRouter_HandleLocalCommand_GetTargets(t *testing.T) {
	r, clients, _, targets, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	targets.SetEventHandler(func(TargetEvent) {})
	targets.TabAttached("tab-1", "https://example.com", "Example")

	r.HandleClientCommand(client, &Envelope{ID: 5, Method: "Target.getTargets", Params: []byte(`{}`)})

	f := recvFrame(t, frames)
	require.Nil(t, f.envelope.Error)
	assert.Equal(t, 5, f.envelope.ID)
}

func TestRouter_HandleLocalCommand_BrowserGetVersion(t *testing.T) {
	r, clients, _, _, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	r.HandleClientCommand(client, &Envelope{ID: 1, Method: "Browser.getVersion", Params: []byte(`{}`)})

	f := recvFrame(t, frames)
	require.Nil(t, f.envelope.Error)
}

func TestRouter_HandleLocalCommand_UnknownMethodErrors(t *testing.T) {
	r, clients, _, _, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	r.HandleClientCommand(client, &Envelope{ID: 1, Method: "Target.exposeDevToolsProtocol", Params: []byte(`{}`)})

	f := recvFrame(t, frames)
	require.NotNil(t, f.envelope.Error)
	assert.Equal(t, -32601, f.envelope.Error.Code)
}

func TestRouter_SetAutoAttach_RespondsBeforeAttachEvents(t *testing.T) {
	r, clients, _, targets, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	targets.SetEventHandler(func(TargetEvent) {})
	targets.TabAttached("tab-1", "https://example.com", "Example")

	r.HandleClientCommand(client, &Envelope{
		ID: 1, Method: "Target.setAutoAttach",
		Params: []byte(`{"autoAttach":true,"flatten":true}`),
	})

	first := recvFrame(t, frames)
	require.Nil(t, first.envelope.Error)
	assert.Equal(t, 1, first.envelope.ID)

	second := recvFrame(t, frames)
	assert.Equal(t, "Target.attachedToTarget", second.envelope.Method)

	assert.True(t, client.AutoAttach())
}

func TestRouter_AttachToTarget_UnknownTargetErrors(t *testing.T) {
	r, clients, _, _, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	r.HandleClientCommand(client, &Envelope{
		ID: 1, Method: "Target.attachToTarget",
		Params: []byte(`{"targetId":"ghost"}`),
	})

	f := recvFrame(t, frames)
	require.NotNil(t, f.envelope.Error)
	assert.Equal(t, -32001, f.envelope.Error.Code)
}

func TestRouter_AttachThenDetachFromTarget(t *testing.T) {
	r, clients, _, targets, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	targets.SetEventHandler(func(TargetEvent) {})
	targets.TabAttached("tab-1", "https://example.com", "Example")
	targetID, _ := targets.TargetIDForTab("tab-1")

	r.HandleClientCommand(client, &Envelope{
		ID: 1, Method: "Target.attachToTarget",
		Params: []byte(`{"targetId":"` + targetID + `"}`),
	})
	// attachClientToTarget fires the "Target.attachedToTarget" event first,
	// then handleAttachToTarget delivers the command's own result.
	attachEvent := recvFrame(t, frames)
	assert.Equal(t, "Target.attachedToTarget", attachEvent.envelope.Method)
	attachResp := recvFrame(t, frames)
	require.Nil(t, attachResp.envelope.Error)
	assert.Equal(t, 1, attachResp.envelope.ID)

	sessions := client.Sessions()
	require.Len(t, sessions, 1)
	sessionID := sessions[0].sessionID

	r.HandleClientCommand(client, &Envelope{
		ID: 2, Method: "Target.detachFromTarget",
		Params: []byte(`{"sessionId":"` + sessionID + `"}`),
	})

	detachResp := recvFrame(t, frames)
	require.Nil(t, detachResp.envelope.Error)
	assert.Equal(t, 2, detachResp.envelope.ID)

	detachEvent := recvFrame(t, frames)
	assert.Equal(t, "Target.detachedFromTarget", detachEvent.envelope.Method)

	assert.False(t, client.HasSession(sessionID))
}

func TestRouter_HandleClientDisconnect_ReleasesSessionsAndRemovesClient(t *testing.T) {
	r, clients, ext, targets, _ := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))

	targets.SetEventHandler(func(TargetEvent) {})
	targets.TabAttached("tab-1", "https://example.com", "Example")
	targetID, _ := targets.TargetIDForTab("tab-1")
	client.AddSession("s1", targetID)

	ext.mu.Lock()
	ext.state = Connected
	ext.mu.Unlock()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = ext.Send("c1", 99, &Envelope{ID: 99, Method: "Page.navigate"})
	}()
	time.Sleep(10 * time.Millisecond)

	r.HandleClientDisconnect(client)

	wg.Wait() // Send must have been failed out by CancelAllForClient
	_, ok := clients.Get("c1")
	assert.False(t, ok)
	assert.Empty(t, client.Sessions())
}

func TestRouter_HandleExtensionEvent_TabSignalsDriveTargetManager(t *testing.T) {
	r, _, _, targets, _ := testRouter(t)
	var created bool
	targets.SetEventHandler(func(evt TargetEvent) {
		if evt.Method == "Target.targetCreated" {
			created = true
		}
	})

	r.handleExtensionEvent(&Envelope{
		Method: SignalTabAttached,
		Params: []byte(`{"tabId":"tab-1","url":"https://example.com","title":"Example"}`),
	})

	assert.True(t, created)
	_, ok := targets.TargetIDForTab("tab-1")
	assert.True(t, ok)
}

func TestRouter_FanOutEvent_RewritesSessionIDPerClient(t *testing.T) {
	r, clients, _, targets, bus := testRouter(t)
	clientA := NewClient("a", nil)
	clientB := NewClient("b", nil)
	require.NoError(t, clients.Add(clientA))
	require.NoError(t, clients.Add(clientB))

	targets.SetEventHandler(func(TargetEvent) {})
	targets.TabAttached("tab-1", "https://example.com", "Example")
	targetID, _ := targets.TargetIDForTab("tab-1")
	clientA.AddSession("sA", targetID)
	clientB.AddSession("sB", targetID)

	framesA, unsubA := collectClientFrames(t, bus, "a")
	defer unsubA()
	framesB, unsubB := collectClientFrames(t, bus, "b")
	defer unsubB()

	r.handleExtensionEvent(&Envelope{
		Method:    "Network.requestWillBeSent",
		SessionID: "tab-1",
		Params:    []byte(`{}`),
	})

	fa := recvFrame(t, framesA)
	assert.Equal(t, "sA", fa.envelope.SessionID)
	fb := recvFrame(t, framesB)
	assert.Equal(t, "sB", fb.envelope.SessionID)
}

func TestRouter_HandleExtensionDisconnect_FreezesTargetsAndNotifiesClients(t *testing.T) {
	_, clients, ext, targets, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))

	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	// The router's own target handler stays installed, so attaching the
	// tab broadcasts targetCreated to c1 first; consume it before the
	// disconnect.
	targets.TabAttached("tab-1", "https://example.com", "Example")
	created := recvFrame(t, frames)
	assert.Equal(t, "Target.targetCreated", created.envelope.Method)
	targetID, _ := targets.TargetIDForTab("tab-1")
	client.AddSession("s1", targetID)

	ext.mu.Lock()
	hook := ext.onDisconnect
	ext.mu.Unlock()
	require.NotNil(t, hook)
	hook()

	f := recvFrame(t, frames)
	assert.Equal(t, "Target.detachedFromTarget", f.envelope.Method)
}

func TestRouter_BroadcastTargetCreated_AutoAttachesInterestedClients(t *testing.T) {
	_, clients, _, targets, bus := testRouter(t)
	client := NewClient("c1", nil)
	require.NoError(t, clients.Add(client))
	client.SetAutoAttach(true)

	frames, unsub := collectClientFrames(t, bus, "c1")
	defer unsub()

	targets.TabAttached("tab-1", "https://example.com", "Example")

	broadcastFrame := recvFrame(t, frames)
	assert.Equal(t, "Target.targetCreated", broadcastFrame.envelope.Method)

	attachFrame := recvFrame(t, frames)
	assert.Equal(t, "Target.attachedToTarget", attachFrame.envelope.Method)
	assert.True(t, client.AutoAttach())
	assert.NotEmpty(t, client.Sessions())
}

func TestRouter_MintSessionID_Monotonic(t *testing.T) {
	r, _, _, _, _ := testRouter(t)
	first := r.mintSessionID()
	second := r.mintSessionID()
	assert.NotEqual(t, first, second)
	assert.Equal(t, "s1", first)
	assert.Equal(t, "s2", second)
}
