package netconf

import "fmt"

// ConnectErrorKind classifies why establishing a session failed.
type ConnectErrorKind int

const (
	ConnectUnreachable ConnectErrorKind = iota
	ConnectAuthRejected
	ConnectHandshakeFailed
	ConnectTimeout
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectUnreachable:
		return "unreachable"
	case ConnectAuthRejected:
		return "authentication rejected"
	case ConnectHandshakeFailed:
		return "handshake failed"
	case ConnectTimeout:
		return "timeout"
	}
	return "unknown"
}

// ConnectError is returned by Connect. The Kind is machine-checkable, the
// wrapped error keeps the underlying cause.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connect: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("connect: %s", e.Kind)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DispatchErrorKind classifies why an Execute call failed without producing a
// device reply.
type DispatchErrorKind int

const (
	DispatchNotConnected DispatchErrorKind = iota
	DispatchBusy
	DispatchMalformedRequest
	DispatchTimeout
	DispatchTransportFault
)

func (k DispatchErrorKind) String() string {
	switch k {
	case DispatchNotConnected:
		return "not connected"
	case DispatchBusy:
		return "busy"
	case DispatchMalformedRequest:
		return "malformed request"
	case DispatchTimeout:
		return "timeout"
	case DispatchTransportFault:
		return "transport fault"
	}
	return "unknown"
}

// DispatchError is returned by Dispatcher.Execute. Timeout and TransportFault
// kinds mean the session has been forced to StateFailed and the caller must
// reconnect; the other kinds never touched the network.
type DispatchError struct {
	Kind DispatchErrorKind
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("dispatch: %s", e.Kind)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// CatalogErrorKind classifies template lookup failures.
type CatalogErrorKind int

const (
	CatalogNotFound CatalogErrorKind = iota
	CatalogPermissionDenied
)

func (k CatalogErrorKind) String() string {
	switch k {
	case CatalogNotFound:
		return "not found"
	case CatalogPermissionDenied:
		return "permission denied"
	}
	return "unknown"
}

// CatalogError is returned when a template cannot be produced, typically when
// an externally supplied fragment file is missing. It is per-request: the
// catalog itself stays usable.
type CatalogError struct {
	Kind CatalogErrorKind
	Path string
	Err  error
}

func (e *CatalogError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("catalog: %s: %s", e.Path, e.Kind)
	}
	return fmt.Sprintf("catalog: %s", e.Kind)
}

func (e *CatalogError) Unwrap() error { return e.Err }
