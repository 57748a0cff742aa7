package agent

import (
	"time"

	"netmaster/agent/netconf"
)

// NotificationKind tags an event for the consuming UI.
type NotificationKind string

const (
	NoteStatus        NotificationKind = "status"
	NoteError         NotificationKind = "error"
	NoteSession       NotificationKind = "session"
	NoteRPC           NotificationKind = "rpc"
	NoteDeviceAdded   NotificationKind = "device-added"
	NoteDeviceRemoved NotificationKind = "device-removed"
	NoteServer        NotificationKind = "server"
)

// Notification is the one event shape the facade emits. Every field beyond
// Kind, Message, and Timestamp is optional and depends on the kind; internal
// component types never leak past this struct.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Message string           `json:"message,omitempty"`
	// State carries the session state for NoteSession and the server state
	// ("running", "stopped", "error") for NoteServer.
	State string `json:"state,omitempty"`
	// Result is set for NoteRPC.
	Result *netconf.RpcResult `json:"result,omitempty"`
	// Device is set for NoteDeviceAdded and NoteDeviceRemoved.
	Device    *DiscoveredDevice `json:"device,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
