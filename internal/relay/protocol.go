package relay

// RelayVersion is reported by Browser.getVersion and GET /version.
// Bump it alongside any change to the relay's wire behavior.
const RelayVersion = "1.0.0"

// InterceptedMethods is the fixed, documented set of CDP methods the
// router answers locally instead of forwarding to the extension, because
// chrome.debugger cannot express them or because no live tab is
// required to answer. Extending this table changes wire semantics and
// must be done deliberately: see handleLocalCommand in router.go for
// what each one actually does.
var InterceptedMethods = map[string]bool{
	"Target.setAutoAttach":        true,
	"Target.getTargets":           true,
	"Target.attachToTarget":       true,
	"Target.detachFromTarget":     true,
	"Browser.getVersion":          true,
	"Browser.close":               true,
	"Browser.setDownloadBehavior": true,
}

// Recording control methods, dispatched over the same extension JSON
// channel as CDP commands but never forwarded as CDP (see recording.go).
const (
	MethodStartRecording  = "startRecording"
	MethodStopRecording   = "stopRecording"
	MethodIsRecording     = "isRecording"
	MethodCancelRecording = "cancelRecording"
	MethodRecordingData   = "recordingData"
)

// Extension-originated signals that drive the target manager rather than
// being forwarded as CDP events.
const (
	SignalTabAttached  = "tabAttached"
	SignalTabDetached  = "tabDetached"
	SignalTabNavigated = "tabNavigated"
)

// CDP error codes the relay itself produces (as opposed to passing an
// extension-originated error through unchanged).
const (
	ErrCodeExtensionUnavailable = -32000
	ErrCodeInternal             = -32001
)
