package events

import "fmt"

// TopicExtensionBroadcast is reserved for relay-wide announcements (currently unused
// by the router, which always fans out per-client; kept for future browser-context-
// scoped broadcasts).
const TopicExtensionBroadcast = "relay.extension.broadcast"

// ClientTopic returns the topic a single CDP client's delivery goroutine subscribes
// to. Responses, fanned-out events, and synthesized target-lifecycle notifications
// for that client are all emitted on this topic, which is what gives them their
// required per-client ordering (see router.go).
func ClientTopic(clientID string) string {
	return fmt.Sprintf("relay.client.%s", clientID)
}
