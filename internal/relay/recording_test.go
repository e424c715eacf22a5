package relay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_StartRejectsEmptyTabID(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	_, err := rec.Start(StartRequest{SessionID: "s1", OutputPath: "/tmp/out.webm"})
	require.Error(t, err)
}

func TestRecorder_StartFailsWhenExtensionUnavailable(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0) // link is Idle, WriteRaw fails
	_, err := rec.Start(StartRequest{TabID: "tab-1", OutputPath: "/tmp/out.webm"})
	require.Error(t, err)
	assert.False(t, rec.IsRecording("tab-1"), "a failed Start must not leave a dangling session")
}

func TestRecorder_StartRejectsDuplicateTab(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	rec.byTabID["tab-1"] = &recordingSession{tabID: "tab-1"}

	_, err := rec.Start(StartRequest{TabID: "tab-1", OutputPath: "/tmp/out.webm"})
	require.Error(t, err)
}

func TestRecorder_HandleMetadataIgnoresUnknownTab(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	raw, _ := json.Marshal(recordingMetadata{TabID: "ghost", Final: false})
	rec.HandleMetadata(raw) // must not panic, must not create a session

	assert.False(t, rec.IsRecording("ghost"))
}

func TestRecorder_BinaryChunkRoutingAndFinish(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "capture.webm")

	rec := NewRecorder(NewExtensionLink(), 0)
	sess := &recordingSession{tabID: "tab-1", outputPath: outputPath, startedAt: time.Now()}
	rec.byTabID["tab-1"] = sess

	meta, _ := json.Marshal(recordingMetadata{TabID: "tab-1", Final: false})
	rec.HandleMetadata(meta)
	rec.HandleBinaryChunk([]byte("hello "))

	meta2, _ := json.Marshal(recordingMetadata{TabID: "tab-1", Final: false})
	rec.HandleMetadata(meta2)
	rec.HandleBinaryChunk([]byte("world"))

	waiter := make(chan stopResult, 1)
	rec.mu.Lock()
	sess.stopWaiters = append(sess.stopWaiters, waiter)
	rec.mu.Unlock()

	finalMeta, _ := json.Marshal(recordingMetadata{TabID: "tab-1", Final: true})
	rec.HandleMetadata(finalMeta)

	res := <-waiter
	require.True(t, res.ok)
	assert.EqualValues(t, len("hello world"), res.size)

	data, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	assert.False(t, rec.IsRecording("tab-1"), "finish must remove the session")
}

func TestRecorder_StrayBinaryFrameWithNoMetadataIsDropped(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	sess := &recordingSession{tabID: "tab-1"}
	rec.byTabID["tab-1"] = sess

	rec.HandleBinaryChunk([]byte("orphan"))

	assert.Empty(t, sess.chunks)
}

func TestRecorder_BinaryFrameConsumesMetadataOnce(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	sess := &recordingSession{tabID: "tab-1"}
	rec.byTabID["tab-1"] = sess

	meta, _ := json.Marshal(recordingMetadata{TabID: "tab-1", Final: false})
	rec.HandleMetadata(meta)
	rec.HandleBinaryChunk([]byte("one"))
	rec.HandleBinaryChunk([]byte("two")) // no metadata primed this time, must drop

	assert.Equal(t, [][]byte{[]byte("one")}, sess.chunks)
}

func TestRecorder_CancelDiscardsWithoutWritingFile(t *testing.T) {
	dir := t.TempDir()
	outputPath := filepath.Join(dir, "never.webm")

	rec := NewRecorder(NewExtensionLink(), 0)
	sess := &recordingSession{tabID: "tab-1", outputPath: outputPath}
	rec.byTabID["tab-1"] = sess

	waiter := make(chan stopResult, 1)
	rec.mu.Lock()
	sess.stopWaiters = append(sess.stopWaiters, waiter)
	rec.mu.Unlock()

	_ = rec.Cancel("tab-1")

	res := <-waiter
	assert.False(t, res.ok)
	assert.False(t, rec.IsRecording("tab-1"))

	_, err := os.Stat(outputPath)
	assert.True(t, os.IsNotExist(err), "cancel must never write a file")
}

func TestRecorder_CancelUnknownTabErrors(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	err := rec.Cancel("ghost")
	require.Error(t, err)
}

func TestRecorder_FailTimeoutResolvesWaiters(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	sess := &recordingSession{tabID: "tab-1"}
	rec.byTabID["tab-1"] = sess

	waiter := make(chan stopResult, 1)
	rec.mu.Lock()
	sess.stopWaiters = append(sess.stopWaiters, waiter)
	rec.mu.Unlock()

	rec.failTimeout("tab-1")

	res := <-waiter
	assert.False(t, res.ok)
	assert.False(t, rec.IsRecording("tab-1"))
}

func TestRecorder_HandleExtensionDisconnectFailsAllInProgress(t *testing.T) {
	rec := NewRecorder(NewExtensionLink(), 0)
	sessA := &recordingSession{tabID: "tab-a"}
	sessB := &recordingSession{tabID: "tab-b"}
	rec.byTabID["tab-a"] = sessA
	rec.byTabID["tab-b"] = sessB

	waiterA := make(chan stopResult, 1)
	waiterB := make(chan stopResult, 1)
	rec.mu.Lock()
	sessA.stopWaiters = append(sessA.stopWaiters, waiterA)
	sessB.stopWaiters = append(sessB.stopWaiters, waiterB)
	rec.mu.Unlock()

	rec.HandleExtensionDisconnect()

	resA := <-waiterA
	resB := <-waiterB
	assert.False(t, resA.ok)
	assert.False(t, resB.ok)
	assert.False(t, rec.IsRecording("tab-a"))
	assert.False(t, rec.IsRecording("tab-b"))
}

func TestWriteChunks_ConcatenatesAndCreatesDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.bin")

	size, err := writeChunks(path, [][]byte{[]byte("abc"), []byte("def")})
	require.NoError(t, err)
	assert.EqualValues(t, 6, size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestMustEnvelope_ProducesValidFrame(t *testing.T) {
	params, _ := json.Marshal(map[string]string{"tabId": "tab-1"})
	frame := mustEnvelope(MethodStartRecording, params)

	env, err := DecodeEnvelope(frame)
	require.NoError(t, err)
	assert.Equal(t, MethodStartRecording, env.Method)
	assert.Zero(t, env.ID)
}
