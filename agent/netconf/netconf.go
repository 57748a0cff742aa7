// Package netconf implements a single-session NETCONF client: SSH transport
// with password or agent authentication, capability exchange, RFC 6242 message
// framing, and a catalog of named RPC operations.
package netconf

import (
	"fmt"
	"net"
	"strconv"
)

// DefaultPort is the IANA-assigned port for NETCONF over SSH.
const DefaultPort = 830

// Endpoint identifies a device to connect to. It is immutable once a session
// has been opened with it.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	// UseAgent enables SSH agent authentication (SSH_AUTH_SOCK) in addition
	// to password authentication.
	UseAgent bool `json:"use_agent"`
}

// Addr returns the host:port dial address, applying DefaultPort when the
// endpoint does not name one.
func (e Endpoint) Addr() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s", e.Username, e.Addr())
}

// State describes the lifecycle of a session. Only the session itself moves
// between states.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBusy
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Datastore names a configuration store on the device.
type Datastore string

const (
	StoreRunning Datastore = "running"
	StoreStartup Datastore = "startup"
)

// Operation is a single RPC to execute: either a named template from the
// catalog or a raw XML payload typed by the operator. It is consumed exactly
// once by the dispatcher.
type Operation struct {
	// Template selects a catalog template. Empty means Payload carries a raw
	// RPC body to send verbatim (after a well-formedness check).
	Template TemplateID
	// Payload is the raw RPC body when Template is empty.
	Payload string
	// Store is the source/target datastore for configuration templates.
	Store Datastore
	// Arg carries the template parameter where one is needed (install URL,
	// datetime, config body for edit-config).
	Arg string
}

func (op Operation) String() string {
	if op.Template != "" {
		if op.Store != "" {
			return fmt.Sprintf("%s(%s)", op.Template, op.Store)
		}
		return string(op.Template)
	}
	return "raw-rpc"
}

// RpcResult is the outcome of one executed operation. OK distinguishes a
// success payload from a protocol-level error reply; transport faults are
// reported as errors from Execute, not as results.
type RpcResult struct {
	OK      bool   `json:"ok"`
	Payload string `json:"payload,omitempty"`
	Message string `json:"message,omitempty"`
}
