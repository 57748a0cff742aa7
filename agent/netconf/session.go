package netconf

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	capBase10 = "urn:ietf:params:netconf:base:1.0"
	capBase11 = "urn:ietf:params:netconf:base:1.1"

	// DefaultDialTimeout bounds dialing plus the SSH and hello handshakes.
	DefaultDialTimeout = 30 * time.Second
)

type helloMsg struct {
	XMLName      xml.Name `xml:"hello"`
	SessionID    uint64   `xml:"session-id,omitempty"`
	Capabilities []string `xml:"capabilities>capability"`
}

// Session is an authenticated, capability-negotiated channel to one device.
// At most one exists at a time; it is created by Connect and destroyed by
// Close or a fatal transport fault. Only the session mutates its own state.
type Session struct {
	endpoint  Endpoint
	sessionID uint64

	state atomic.Int32
	caps  map[string]bool

	client  *ssh.Client
	sshSess *ssh.Session
	stdin   io.WriteCloser

	fr    framer
	msgID atomic.Uint64

	closeOnce sync.Once
}

// Connect resolves, dials, authenticates, and performs the capability
// exchange. mDNS names (.local) are resolved by the OS resolver inside the
// dial, which may take several seconds; callers run Connect on a worker, not
// on a presentation thread. On failure nothing is left open.
func Connect(ctx context.Context, ep Endpoint) (*Session, error) {
	s := &Session{endpoint: ep, caps: make(map[string]bool)}
	s.state.Store(int32(StateConnecting))

	auth, err := authMethods(ep)
	if err != nil {
		s.state.Store(int32(StateFailed))
		return nil, &ConnectError{Kind: ConnectAuthRejected, Err: err}
	}

	cfg := &ssh.ClientConfig{
		User: ep.Username,
		Auth: auth,
		// The original client connects with host key verification off; these
		// are lab devices reached over a direct link.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         DefaultDialTimeout,
	}

	dialer := net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		s.state.Store(int32(StateFailed))
		return nil, &ConnectError{Kind: classifyDial(err), Err: err}
	}

	// One deadline covers the SSH handshake and the hello exchange; cleared
	// once the session is up.
	deadline := time.Now().Add(cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, ep.Addr(), cfg)
	if err != nil {
		conn.Close()
		s.state.Store(int32(StateFailed))
		kind := ConnectHandshakeFailed
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "no supported methods remain") {
			kind = ConnectAuthRejected
		} else if isTimeout(err) {
			kind = ConnectTimeout
		}
		return nil, &ConnectError{Kind: kind, Err: err}
	}
	s.client = ssh.NewClient(sshConn, chans, reqs)

	if err := s.openSubsystem(); err != nil {
		s.client.Close()
		s.state.Store(int32(StateFailed))
		return nil, &ConnectError{Kind: ConnectHandshakeFailed, Err: err}
	}

	if err := s.exchangeHello(); err != nil {
		s.client.Close()
		s.state.Store(int32(StateFailed))
		kind := ConnectHandshakeFailed
		if isTimeout(err) {
			kind = ConnectTimeout
		}
		return nil, &ConnectError{Kind: kind, Err: err}
	}

	_ = conn.SetDeadline(time.Time{})
	s.state.Store(int32(StateConnected))
	return s, nil
}

func (s *Session) openSubsystem() error {
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return err
	}
	if err := sess.RequestSubsystem("netconf"); err != nil {
		sess.Close()
		return fmt.Errorf("netconf subsystem: %w", err)
	}
	s.sshSess = sess
	s.stdin = stdin
	// Hello is always exchanged with end-of-message framing.
	s.fr = newEOMFramer(stdout, stdin)
	return nil
}

// exchangeHello sends our hello, parses the peer's, and switches to chunked
// framing when both ends support base:1.1.
func (s *Session) exchangeHello() error {
	ours := helloMsg{Capabilities: []string{capBase10, capBase11}}
	out, err := xml.Marshal(ours)
	if err != nil {
		return err
	}
	if err := s.fr.WriteMsg([]byte(xml.Header + string(out))); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	raw, err := s.fr.ReadMsg()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	return s.negotiate(raw)
}

func (s *Session) negotiate(rawHello []byte) error {
	var theirs helloMsg
	if err := xml.Unmarshal(rawHello, &theirs); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}
	if len(theirs.Capabilities) == 0 {
		return errors.New("peer hello advertises no capabilities")
	}
	for _, c := range theirs.Capabilities {
		s.caps[c] = true
	}
	if !s.caps[capBase10] && !s.caps[capBase11] {
		return errors.New("peer supports no known base protocol version")
	}
	s.sessionID = theirs.SessionID
	if s.caps[capBase11] {
		if ef, ok := s.fr.(*eomFramer); ok {
			s.fr = newChunkedFramer(ef.r, ef.w)
		}
	}
	return nil
}

// Capabilities returns the peer's negotiated capability set, sorted.
func (s *Session) Capabilities() []string {
	caps := make([]string, 0, len(s.caps))
	for c := range s.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// SessionID returns the server-assigned session identifier.
func (s *Session) SessionID() uint64 { return s.sessionID }

// Endpoint returns the endpoint this session was opened against.
func (s *Session) Endpoint() Endpoint { return s.endpoint }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Alive reports whether the session can still carry operations.
func (s *Session) Alive() bool {
	st := s.State()
	return st == StateConnected || st == StateBusy
}

// fail marks the session unusable and releases the channel. Used by the
// dispatcher on transport faults.
func (s *Session) fail() {
	s.state.Store(int32(StateFailed))
	s.teardown()
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.sshSess != nil {
			_ = s.sshSess.Close()
		}
		if s.client != nil {
			_ = s.client.Close()
		}
	})
}

// Close releases the channel and moves to StateDisconnected. It is
// idempotent and safe in any state; a polite <close-session/> is attempted
// when the session is still healthy.
func (s *Session) Close() error {
	if s.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnected)) {
		id := s.msgID.Add(1)
		req := fmt.Sprintf(`<rpc message-id="%d" xmlns=%q><close-session/></rpc>`, id, baseNS)
		_ = s.fr.WriteMsg([]byte(req))
	} else {
		s.state.Store(int32(StateDisconnected))
	}
	s.teardown()
	return nil
}

func authMethods(ep Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if ep.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if ac, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(ac).Signers))
			}
		}
	}
	if ep.Password != "" {
		methods = append(methods, ssh.Password(ep.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no usable credentials: no password and no reachable SSH agent")
	}
	return methods, nil
}

func classifyDial(err error) ConnectErrorKind {
	if isTimeout(err) {
		return ConnectTimeout
	}
	return ConnectUnreachable
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
