package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/cdprelay/relay/internal/logging"
)

// TargetState is a tab's position in the target lifecycle state machine
// (none -> attached -> frozen -> attached|none).
type TargetState int

const (
	StateNone TargetState = iota
	StateAttached
	StateFrozen
)

// FrozenTimeout is how long a frozen target survives an extension outage
// before the relay drops it and mints a fresh targetId on reattachment.
const FrozenTimeout = 30 * time.Second

// TargetInfo is the CDP-shaped description of a target, matching the
// shape Target.getTargets/targetCreated/targetInfoChanged all carry.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId"`
	CanAccessOpener  bool   `json:"canAccessOpener"`
}

// target is the manager's internal record for one tab. tabId is opaque
// and owned entirely by the extension; targetId is minted by the
// manager and stays stable across navigations.
type target struct {
	tabID      string
	targetID   string
	state      TargetState
	title      string
	url        string
	frozenAt   time.Time
	frozenTime *time.Timer
}

func (t *target) info() TargetInfo {
	return TargetInfo{
		TargetID:         t.targetID,
		Type:             "page",
		Title:            t.title,
		URL:              t.url,
		Attached:         t.state == StateAttached,
		BrowserContextID: "default",
		CanAccessOpener:  false,
	}
}

// TargetEvent is one synthesized CDP Target.* notification the manager
// asks the router to fan out. The router delivers detachedFromTarget
// only to clients attached to TargetID and broadcasts the other methods
// to every client; targetCreated also auto-attaches every client that
// asked for auto-attach.
type TargetEvent struct {
	Method   string
	TargetID string
	Info     TargetInfo
}

// Manager is the relay's source of truth for "what tabs exist". It is
// driven entirely by signals from the extension (tabAttached /
// tabDetached / tabNavigated) and by extension link liveness, and it
// emits synthesized events through the onEvent callback installed with
// SetEventHandler. Only the Manager mutates target records; the router only
// reads snapshots.
type Manager struct {
	log logging.Logger

	mu        sync.Mutex
	byTabID   map[string]*target
	byTarget  map[string]*target
	nextSeq   uint64
	onEvent   func(TargetEvent)
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewManager constructs an empty target manager. Wire its event handler
// with SetEventHandler once the router that will consume TargetEvents
// exists.
func NewManager() *Manager {
	return &Manager{
		log:      logging.Named("targets"),
		byTabID:  make(map[string]*target),
		byTarget: make(map[string]*target),
	}
}

// SetEventHandler installs the callback invoked for every synthesized
// Target.* transition. Called synchronously from whichever goroutine
// drives the transition (the extension reader); it must not block.
func (m *Manager) SetEventHandler(onEvent func(TargetEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvent = onEvent
}

// nextTargetID mints a fresh, process-unique target id. Caller must hold
// m.mu.
func (m *Manager) nextTargetID() string {
	m.nextSeq++
	return fmt.Sprintf("T-%d", m.nextSeq)
}

// TabAttached handles the extension reporting a tab it now owns. If the
// tab was frozen (extension dropped and reconnected within 30s) with a
// matching tabID, the existing targetId is reused; otherwise a fresh one
// is minted.
func (m *Manager) TabAttached(tabID, url, title string) {
	m.mu.Lock()
	t, existed := m.byTabID[tabID]
	if existed && t.state == StateFrozen {
		if t.frozenTime != nil {
			t.frozenTime.Stop()
			t.frozenTime = nil
		}
		t.state = StateAttached
		t.url = url
		t.title = title
		m.mu.Unlock()
		m.log.Infof("tab %s reattached, reusing targetId %s", tabID, t.targetID)
		m.emit(TargetEvent{Method: "Target.targetCreated", TargetID: t.targetID, Info: t.info()})
		return
	}
	if existed && t.state == StateAttached {
		// Already attached; treat as an idempotent re-signal.
		m.mu.Unlock()
		return
	}

	t = &target{
		tabID:    tabID,
		targetID: m.nextTargetID(),
		state:    StateAttached,
		url:      url,
		title:    title,
	}
	m.byTabID[tabID] = t
	m.byTarget[t.targetID] = t
	info := t.info()
	m.mu.Unlock()

	m.log.Infof("tab %s attached as target %s", tabID, t.targetID)
	m.emit(TargetEvent{Method: "Target.targetCreated", TargetID: t.targetID, Info: info})
}

// TabNavigated updates a target's url/title without touching its
// targetId or attach state.
func (m *Manager) TabNavigated(tabID, url, title string) {
	m.mu.Lock()
	t, ok := m.byTabID[tabID]
	if !ok {
		m.mu.Unlock()
		return
	}
	t.url = url
	t.title = title
	info := t.info()
	m.mu.Unlock()

	m.emit(TargetEvent{Method: "Target.targetInfoChanged", TargetID: t.targetID, Info: info})
}

// TabDetached handles the extension reporting that a tab closed or was
// explicitly detached by the user. The target is dropped immediately
// (distinct from a frozen target, which survives an extension outage).
func (m *Manager) TabDetached(tabID string) {
	m.mu.Lock()
	t, ok := m.byTabID[tabID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byTabID, tabID)
	delete(m.byTarget, t.targetID)
	m.mu.Unlock()

	m.log.Infof("tab %s detached, dropping target %s", tabID, t.targetID)
	m.emit(TargetEvent{Method: "Target.detachedFromTarget", TargetID: t.targetID, Info: t.info()})
	m.emit(TargetEvent{Method: "Target.targetDestroyed", TargetID: t.targetID, Info: t.info()})
}

// FreezeAll transitions every currently attached target to Frozen on
// extension disconnect. Each gets a 30s timer; if the extension has not
// reattached the same tabId by the time it fires, the target is dropped
// for good.
func (m *Manager) FreezeAll() {
	m.mu.Lock()
	toFreeze := make([]*target, 0, len(m.byTabID))
	for _, t := range m.byTabID {
		if t.state == StateAttached {
			t.state = StateFrozen
			t.frozenAt = time.Now()
			toFreeze = append(toFreeze, t)
		}
	}
	m.mu.Unlock()

	for _, t := range toFreeze {
		tabID, targetID := t.tabID, t.targetID
		timer := time.AfterFunc(FrozenTimeout, func() { m.dropIfStillFrozen(tabID, targetID) })
		m.mu.Lock()
		t.frozenTime = timer
		info := t.info()
		m.mu.Unlock()

		m.log.Infof("target %s frozen pending extension reconnect", targetID)
		m.emit(TargetEvent{Method: "Target.detachedFromTarget", TargetID: targetID, Info: info})
		m.emit(TargetEvent{Method: "Target.targetDestroyed", TargetID: targetID, Info: info})
	}
}

func (m *Manager) dropIfStillFrozen(tabID, targetID string) {
	m.mu.Lock()
	t, ok := m.byTabID[tabID]
	if !ok || t.targetID != targetID || t.state != StateFrozen {
		m.mu.Unlock()
		return
	}
	delete(m.byTabID, tabID)
	delete(m.byTarget, targetID)
	m.mu.Unlock()
	m.log.Infof("target %s dropped after 30s without reattachment", targetID)
}

// Get returns a snapshot of the target for targetID.
func (m *Manager) Get(targetID string) (TargetInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTarget[targetID]
	if !ok {
		return TargetInfo{}, false
	}
	return t.info(), true
}

// TabIDFor returns the tabId backing targetID, used by the router to
// address chrome.debugger.sendCommand calls.
func (m *Manager) TabIDFor(targetID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTarget[targetID]
	if !ok {
		return "", false
	}
	return t.tabID, true
}

// TargetIDForTab returns the targetId currently bound to tabID.
func (m *Manager) TargetIDForTab(tabID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byTabID[tabID]
	if !ok {
		return "", false
	}
	return t.targetID, true
}

// Snapshot returns every currently known target, attached or frozen, for
// Target.getTargets.
func (m *Manager) Snapshot() []TargetInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TargetInfo, 0, len(m.byTarget))
	for _, t := range m.byTarget {
		out = append(out, t.info())
	}
	return out
}

func (m *Manager) emit(evt TargetEvent) {
	m.mu.Lock()
	handler := m.onEvent
	m.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}
