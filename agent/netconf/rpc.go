package netconf

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

const baseNS = "urn:ietf:params:xml:ns:netconf:base:1.0"

// DefaultRPCTimeout bounds an Execute round-trip when the caller's context
// carries no deadline.
const DefaultRPCTimeout = 30 * time.Second

type rpcError struct {
	Severity string `xml:"error-severity"`
	Tag      string `xml:"error-tag"`
	Message  string `xml:"error-message"`
}

func (e rpcError) text() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = strings.TrimSpace(e.Tag)
	}
	if msg == "" {
		msg = "unspecified protocol error"
	}
	return msg
}

type rpcReply struct {
	XMLName   xml.Name   `xml:"rpc-reply"`
	MessageID string     `xml:"message-id,attr"`
	Errors    []rpcError `xml:"rpc-error"`
	OK        *struct{}  `xml:"ok"`
	Data      struct {
		Inner string `xml:",innerxml"`
	} `xml:"data"`
	Inner string `xml:",innerxml"`
}

// Dispatcher serializes operations into requests, sends them on a session,
// and correlates the reply. One dispatcher serves the whole process; the
// per-session Busy state is what excludes concurrent calls.
type Dispatcher struct {
	catalog *Catalog
}

// NewDispatcher returns a dispatcher rendering named templates from catalog.
func NewDispatcher(catalog *Catalog) *Dispatcher {
	return &Dispatcher{catalog: catalog}
}

// Execute runs one operation against the session and blocks the calling
// worker until the correlated reply arrives or the deadline elapses.
//
// A protocol-level <rpc-error> reply is not a fault: it comes back as
// RpcResult{OK: false} with the extracted error text and the session stays
// connected. A returned *DispatchError of kind Timeout or TransportFault
// means the session has been forced to StateFailed; NotConnected, Busy, and
// MalformedRequest never contacted the device.
func (d *Dispatcher) Execute(ctx context.Context, s *Session, op Operation) (RpcResult, error) {
	if s == nil {
		return RpcResult{}, &DispatchError{Kind: DispatchNotConnected}
	}
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateBusy)) {
		if s.State() == StateBusy {
			return RpcResult{}, &DispatchError{Kind: DispatchBusy}
		}
		return RpcResult{}, &DispatchError{Kind: DispatchNotConnected,
			Err: fmt.Errorf("session is %s", s.State())}
	}

	body, err := d.renderBody(op)
	if err != nil {
		// Never reached the wire; the session is still good.
		s.state.Store(int32(StateConnected))
		return RpcResult{}, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRPCTimeout)
		defer cancel()
	}

	id := s.msgID.Add(1)
	req := fmt.Sprintf(`<rpc message-id="%d" xmlns=%q>%s</rpc>`, id, baseNS, body)
	if err := s.fr.WriteMsg([]byte(req)); err != nil {
		s.fail()
		return RpcResult{}, &DispatchError{Kind: DispatchTransportFault, Err: err}
	}

	reply, derr := d.awaitReply(ctx, s, id)
	if derr != nil {
		// Once the deadline passes the in-flight request's outcome is
		// unknown, so the session cannot be reused.
		s.fail()
		return RpcResult{}, derr
	}

	s.state.Store(int32(StateConnected))
	if len(reply.Errors) > 0 {
		msgs := make([]string, len(reply.Errors))
		for i, e := range reply.Errors {
			msgs[i] = e.text()
		}
		return RpcResult{OK: false, Message: strings.Join(msgs, "; ")}, nil
	}
	payload := strings.TrimSpace(reply.Data.Inner)
	if payload == "" && reply.OK == nil {
		payload = strings.TrimSpace(reply.Inner)
	}
	return RpcResult{OK: true, Payload: Pretty(payload), Message: "ok"}, nil
}

// renderBody produces the request body for op: template substitution for
// named operations, a well-formedness check for raw payloads.
func (d *Dispatcher) renderBody(op Operation) (string, error) {
	if op.Template != "" {
		body, err := d.catalog.Render(op)
		if err != nil {
			var cerr *CatalogError
			if errors.As(err, &cerr) {
				return "", err
			}
			return "", &DispatchError{Kind: DispatchMalformedRequest, Err: err}
		}
		if err := WellFormed(body); err != nil {
			return "", &DispatchError{Kind: DispatchMalformedRequest, Err: err}
		}
		return body, nil
	}
	if strings.TrimSpace(op.Payload) == "" {
		return "", &DispatchError{Kind: DispatchMalformedRequest,
			Err: fmt.Errorf("empty payload")}
	}
	if err := WellFormed(op.Payload); err != nil {
		return "", &DispatchError{Kind: DispatchMalformedRequest, Err: err}
	}
	return op.Payload, nil
}

type frameResult struct {
	data []byte
	err  error
}

// awaitReply reads frames until the reply carrying our message-id shows up.
// Unsolicited messages (event notifications) are skipped. Exactly one request
// is ever in flight, so replies cannot interleave.
func (d *Dispatcher) awaitReply(ctx context.Context, s *Session, id uint64) (*rpcReply, *DispatchError) {
	ch := make(chan frameResult, 1)
	for {
		go func() {
			data, err := s.fr.ReadMsg()
			ch <- frameResult{data: data, err: err}
		}()
		select {
		case <-ctx.Done():
			return nil, &DispatchError{Kind: DispatchTimeout, Err: ctx.Err()}
		case r := <-ch:
			if r.err != nil {
				return nil, &DispatchError{Kind: DispatchTransportFault, Err: r.err}
			}
			var reply rpcReply
			if err := xml.Unmarshal(r.data, &reply); err != nil {
				if isNotification(r.data) {
					continue
				}
				return nil, &DispatchError{Kind: DispatchTransportFault,
					Err: fmt.Errorf("malformed reply: %w", err)}
			}
			want := fmt.Sprintf("%d", id)
			if reply.MessageID != "" && reply.MessageID != want {
				return nil, &DispatchError{Kind: DispatchTransportFault,
					Err: fmt.Errorf("reply message-id %q does not match request %s", reply.MessageID, want)}
			}
			return &reply, nil
		}
	}
}

// isNotification sniffs the root element of an unsolicited message.
func isNotification(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	// Skip any XML declaration before sniffing the root element.
	if strings.HasPrefix(trimmed, "<?") {
		if i := strings.Index(trimmed, "?>"); i >= 0 {
			trimmed = strings.TrimSpace(trimmed[i+2:])
		}
	}
	return strings.HasPrefix(trimmed, "<notification")
}
