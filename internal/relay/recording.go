package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cdprelay/relay/internal/logging"
)

// FinalChunkTimeout bounds how long stopRecording waits for the
// extension's final:true metadata frame before giving up.
const FinalChunkTimeout = 30 * time.Second

// recordingMetadata is the routing-label envelope that precedes every
// binary recording chunk (or, with Final set, terminates the stream).
type recordingMetadata struct {
	TabID string `json:"tabId"`
	Final bool   `json:"final"`
}

// recordingSession is one tab currently recording.
type recordingSession struct {
	tabID      string
	sessionID  string
	outputPath string
	chunks     [][]byte
	startedAt  time.Time

	stopWaiters []chan stopResult
	timeout     *time.Timer
}

type stopResult struct {
	ok   bool
	err  error
	size int64
}

// Recorder implements the recording side channel: start/stop/cancel over
// the extension JSON channel, with out-of-band binary chunks demarcated
// by preceding "recordingData" metadata frames. Orthogonal to CDP; it
// shares only the extension transport.
type Recorder struct {
	log logging.Logger
	ext *ExtensionLink

	finalChunkTimeout time.Duration

	mu           sync.Mutex
	byTabID      map[string]*recordingSession
	lastMetaTab  string
	lastMetaSeen bool
}

// NewRecorder constructs a Recorder bound to the process's single
// ExtensionLink. A zero or negative finalChunkTimeout falls back to
// FinalChunkTimeout.
func NewRecorder(ext *ExtensionLink, finalChunkTimeout time.Duration) *Recorder {
	if finalChunkTimeout <= 0 {
		finalChunkTimeout = FinalChunkTimeout
	}
	return &Recorder{
		log:               logging.Named("recording"),
		ext:               ext,
		finalChunkTimeout: finalChunkTimeout,
		byTabID:           make(map[string]*recordingSession),
	}
}

// StartRequest is the body of POST /recording/start (and the equivalent
// extension-bound startRecording command).
type StartRequest struct {
	SessionID  string `json:"sessionId"`
	TabID      string `json:"tabId"`
	OutputPath string `json:"outputPath"`
}

// StartResult is returned from Start.
type StartResult struct {
	Success   bool   `json:"success"`
	TabID     string `json:"tabId"`
	StartedAt string `json:"startedAt"`
}

// Start begins recording a tab. req.TabID is required: an empty TabID is
// an error, and no "first connected tab" fallback is applied. The HTTP
// handlers resolve a sessionId to a tabId before calling (see server.go's
// resolveTabID).
func (rec *Recorder) Start(req StartRequest) (StartResult, error) {
	if req.TabID == "" {
		return StartResult{}, fmt.Errorf("relay: recording requires a tabId (resolve sessionId first)")
	}

	rec.mu.Lock()
	if _, exists := rec.byTabID[req.TabID]; exists {
		rec.mu.Unlock()
		return StartResult{}, fmt.Errorf("relay: tab %s is already recording", req.TabID)
	}
	sess := &recordingSession{
		tabID:      req.TabID,
		sessionID:  req.SessionID,
		outputPath: req.OutputPath,
		startedAt:  time.Now(),
	}
	rec.byTabID[req.TabID] = sess
	rec.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"tabId": req.TabID, "outputPath": req.OutputPath})
	if err := rec.ext.WriteRaw(websocket.TextMessage, mustEnvelope(MethodStartRecording, payload)); err != nil {
		rec.mu.Lock()
		delete(rec.byTabID, req.TabID)
		rec.mu.Unlock()
		return StartResult{}, err
	}

	return StartResult{Success: true, TabID: req.TabID, StartedAt: sess.startedAt.Format(time.RFC3339)}, nil
}

// StopResult is returned from Stop.
type StopResult struct {
	Success  bool   `json:"success"`
	Path     string `json:"path,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Stop requests the extension end the recording for tabID and blocks
// until the final chunk arrives (or the recorder's final-chunk timeout,
// FinalChunkTimeout unless configured otherwise, elapses).
func (rec *Recorder) Stop(tabID string) (StopResult, error) {
	rec.mu.Lock()
	sess, ok := rec.byTabID[tabID]
	if !ok {
		rec.mu.Unlock()
		return StopResult{}, fmt.Errorf("relay: tab %s is not recording", tabID)
	}
	waiter := make(chan stopResult, 1)
	sess.stopWaiters = append(sess.stopWaiters, waiter)
	if sess.timeout == nil {
		sess.timeout = time.AfterFunc(rec.finalChunkTimeout, func() { rec.failTimeout(tabID) })
	}
	rec.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{"tabId": tabID})
	if err := rec.ext.WriteRaw(websocket.TextMessage, mustEnvelope(MethodStopRecording, payload)); err != nil {
		return StopResult{}, err
	}

	res := <-waiter
	if !res.ok {
		msg := "recording failed"
		if res.err != nil {
			msg = res.err.Error()
		}
		return StopResult{Success: false, Error: msg}, nil
	}
	rec.mu.Lock()
	path := sess.outputPath
	started := sess.startedAt
	rec.mu.Unlock()
	return StopResult{
		Success:  true,
		Path:     path,
		Size:     res.size,
		Duration: time.Since(started).String(),
	}, nil
}

// Cancel discards an in-progress recording without writing a file.
func (rec *Recorder) Cancel(tabID string) error {
	rec.mu.Lock()
	sess, ok := rec.byTabID[tabID]
	if ok {
		delete(rec.byTabID, tabID)
		if sess.timeout != nil {
			sess.timeout.Stop()
		}
	}
	rec.mu.Unlock()
	if !ok {
		return fmt.Errorf("relay: tab %s is not recording", tabID)
	}

	payload, _ := json.Marshal(map[string]any{"tabId": tabID})
	err := rec.ext.WriteRaw(websocket.TextMessage, mustEnvelope(MethodCancelRecording, payload))
	rec.failWaiters(sess, stopResult{ok: false, err: fmt.Errorf("canceled")})
	return err
}

// IsRecording reports whether tabID currently has an active recording.
func (rec *Recorder) IsRecording(tabID string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	_, ok := rec.byTabID[tabID]
	return ok
}

// HandleMetadata processes a recordingData routing-label envelope
// arriving from the extension: either it primes the "last binary
// metadata tabId" slot for the next binary frame, or (final:true) it
// closes out the recording and writes the file.
func (rec *Recorder) HandleMetadata(raw json.RawMessage) {
	var meta recordingMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		rec.log.Warnf("malformed recordingData metadata: %v", err)
		return
	}

	rec.mu.Lock()
	rec.lastMetaTab = meta.TabID
	rec.lastMetaSeen = true
	sess, ok := rec.byTabID[meta.TabID]
	rec.mu.Unlock()

	if !ok {
		rec.log.Warnf("recordingData for unknown tab %s, ignoring", meta.TabID)
		return
	}
	if !meta.Final {
		return
	}

	rec.finish(meta.TabID, sess)
}

// HandleBinaryChunk routes one binary frame to the recording primed by
// the most recent recordingData metadata. A stray binary frame with no
// preceding metadata is dropped, never misrouted.
func (rec *Recorder) HandleBinaryChunk(frame []byte) {
	rec.mu.Lock()
	if !rec.lastMetaSeen {
		rec.mu.Unlock()
		rec.log.Warn("binary frame with no preceding recordingData metadata, dropping")
		return
	}
	tabID := rec.lastMetaTab
	rec.lastMetaSeen = false
	sess, ok := rec.byTabID[tabID]
	rec.mu.Unlock()

	if !ok {
		rec.log.Warnf("binary frame for unknown tab %s, dropping", tabID)
		return
	}

	rec.mu.Lock()
	sess.chunks = append(sess.chunks, frame)
	rec.mu.Unlock()
}

func (rec *Recorder) finish(tabID string, sess *recordingSession) {
	rec.mu.Lock()
	delete(rec.byTabID, tabID)
	if sess.timeout != nil {
		sess.timeout.Stop()
	}
	chunks := sess.chunks
	path := sess.outputPath
	rec.mu.Unlock()

	size, err := writeChunks(path, chunks)
	if err != nil {
		rec.failWaiters(sess, stopResult{ok: false, err: err})
		return
	}
	rec.failWaiters(sess, stopResult{ok: true, size: size})
}

func (rec *Recorder) failTimeout(tabID string) {
	rec.mu.Lock()
	sess, ok := rec.byTabID[tabID]
	if ok {
		delete(rec.byTabID, tabID)
	}
	rec.mu.Unlock()
	if !ok {
		return
	}
	rec.failWaiters(sess, stopResult{ok: false, err: fmt.Errorf("Timeout waiting for recording data")})
}

func (rec *Recorder) failWaiters(sess *recordingSession, res stopResult) {
	rec.mu.Lock()
	waiters := sess.stopWaiters
	sess.stopWaiters = nil
	rec.mu.Unlock()
	for _, w := range waiters {
		w <- res
	}
}

// HandleExtensionDisconnect fails every in-progress recording with
// success:false, discarding accumulated chunks: no partial file is
// ever written.
func (rec *Recorder) HandleExtensionDisconnect() {
	rec.mu.Lock()
	sessions := make([]*recordingSession, 0, len(rec.byTabID))
	for _, sess := range rec.byTabID {
		sessions = append(sessions, sess)
	}
	rec.byTabID = make(map[string]*recordingSession)
	rec.lastMetaSeen = false
	rec.mu.Unlock()

	for _, sess := range sessions {
		if sess.timeout != nil {
			sess.timeout.Stop()
		}
		rec.failWaiters(sess, stopResult{ok: false, err: fmt.Errorf("Extension disconnected")})
	}
}

// writeChunks concatenates chunks and writes them to path in a single
// call, so an observer either sees no file or the complete, byte-exact
// recording, never a partial write.
func writeChunks(path string, chunks [][]byte) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	var total int64
	buf := make([]byte, 0, totalLen(chunks))
	for _, c := range chunks {
		buf = append(buf, c...)
		total += int64(len(c))
	}
	// Write beside the target and rename into place, so the final path
	// never holds a partly written file.
	tmp := path + ".part"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return total, nil
}

func totalLen(chunks [][]byte) int {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	return n
}

// mustEnvelope builds a fire-and-forget recording-control frame. These
// carry no id: the relay tracks completion through recordingData
// metadata and stopWaiters, not through the extension's request/response
// pending table.
func mustEnvelope(method string, params json.RawMessage) []byte {
	b, _ := json.Marshal(&Envelope{Method: method, Params: params})
	return b
}
