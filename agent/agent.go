// Package agent ties the NETCONF session engine, mDNS discovery, and the
// upgrade file server together behind one asynchronous facade. Commands
// return immediately; outcomes arrive on the notification stream.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"netmaster/agent/netconf"
	"netmaster/agent/storage"
	"netmaster/agent/upgrade"
)

// Agent owns at most one device session and at most one upgrade server at a
// time. All exported methods are safe for concurrent use.
type Agent struct {
	settings *Settings
	disp     *netconf.Dispatcher
	store    *storage.Store
	notes    chan Notification
	// exec dispatches one operation; split out so tests can script replies.
	exec func(ctx context.Context, s *netconf.Session, op netconf.Operation) (netconf.RpcResult, error)

	mu       sync.Mutex
	session  *netconf.Session
	server   *upgrade.Server
	browser  *Browser
	bridge   *Bridge
	firmware string

	wg     sync.WaitGroup
	closed bool
}

// New builds an agent from settings. The history store opens eagerly so a
// bad path fails fast; an empty history path keeps history in memory.
func New(settings *Settings) (*Agent, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	SetDebugEnabled(settings.Log.Debug)
	if settings.Log.File != "" {
		OpenLogFile(settings.Log.File)
	}
	storage.SetLogger(pkgLogger{})
	upgrade.SetLogger(pkgLogger{})

	store, err := storage.Open(settings.History.Path)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		settings: settings,
		disp:     netconf.NewDispatcher(netconf.NewCatalog(settings.Fragments.Dir)),
		store:    store,
		notes:    make(chan Notification, 64),
	}
	a.exec = a.disp.Execute
	return a, nil
}

// Notifications is the agent's outbound event stream. The channel is never
// closed while the agent is live; consumers stop reading after Close.
func (a *Agent) Notifications() <-chan Notification { return a.notes }

// Settings returns the configuration the agent was built with.
func (a *Agent) Settings() *Settings { return a.settings }

// History exposes the underlying store for read-side queries.
func (a *Agent) History() *storage.Store { return a.store }

func (a *Agent) emit(n Notification) {
	n.Timestamp = time.Now()
	a.mu.Lock()
	bridge := a.bridge
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return
	}
	if bridge != nil {
		bridge.Publish(n)
	}
	select {
	case a.notes <- n:
	default:
		Warn("notification dropped, consumer not keeping up", "kind", string(n.Kind))
	}
}

func (a *Agent) emitError(msg string) {
	Error(msg)
	a.emit(Notification{Kind: NoteError, Message: msg})
}

// spawn runs fn on a tracked worker goroutine.
func (a *Agent) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Connect starts an asynchronous connection attempt to the configured
// device. The outcome arrives as a NoteSession notification.
func (a *Agent) Connect() {
	a.mu.Lock()
	if a.session != nil && a.session.Alive() {
		a.mu.Unlock()
		a.emitError("already connected")
		return
	}
	a.mu.Unlock()

	ep := a.settings.Endpoint()
	a.emit(Notification{Kind: NoteSession, State: netconf.StateConnecting.String(), Message: ep.String()})
	a.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), netconf.DefaultDialTimeout)
		defer cancel()
		sess, err := netconf.Connect(ctx, ep)
		if err != nil {
			a.emit(Notification{Kind: NoteSession, State: netconf.StateFailed.String(), Message: err.Error()})
			return
		}
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			sess.Close()
			return
		}
		old := a.session
		a.session = sess
		a.mu.Unlock()
		if old != nil {
			old.Close()
		}
		a.emit(Notification{Kind: NoteSession, State: netconf.StateConnected.String(), Message: ep.String()})
	})
}

// Disconnect closes the current session, if any.
func (a *Agent) Disconnect() {
	a.mu.Lock()
	sess := a.session
	a.session = nil
	a.mu.Unlock()
	if sess == nil {
		return
	}
	a.spawn(func() {
		sess.Close()
		a.emit(Notification{Kind: NoteSession, State: netconf.StateDisconnected.String()})
	})
}

// Run executes one operation against the current session asynchronously.
// The reply, or the dispatch failure, arrives as a notification; every
// attempt that reached the device is recorded in history.
func (a *Agent) Run(op netconf.Operation) {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		a.emitError("no session: connect first")
		return
	}
	a.spawn(func() {
		res, ok := a.execute(sess, op)
		if !ok {
			return
		}
		a.emit(Notification{Kind: NoteRPC, Message: op.String(), Result: &res})
	})
}

// RunAndFetch executes op and, when the device accepts it, follows up with a
// fetch on the same session so the caller sees the post-operation state. The
// composition terminates in exactly one NoteRPC: the first result when the
// device rejects op, the fetch result otherwise.
func (a *Agent) RunAndFetch(op, fetch netconf.Operation) {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		a.emitError("no session: connect first")
		return
	}
	a.spawn(func() {
		res, ok := a.execute(sess, op)
		if !ok {
			return
		}
		if !res.OK {
			a.emit(Notification{Kind: NoteRPC, Message: op.String(), Result: &res})
			return
		}
		a.emit(Notification{Kind: NoteStatus, Message: op.String() + ": accepted, fetching " + fetch.String()})
		fres, ok := a.execute(sess, fetch)
		if !ok {
			return
		}
		a.emit(Notification{Kind: NoteRPC, Message: op.String() + " then " + fetch.String(), Result: &fres})
	})
}

// execute runs one operation synchronously, records it, and reports dispatch
// failures. The bool is false when no device reply was produced. A successful
// status fetch also notes the reported firmware version for later downgrade
// checks.
func (a *Agent) execute(sess *netconf.Session, op netconf.Operation) (netconf.RpcResult, bool) {
	res, err := a.exec(context.Background(), sess, op)
	if err != nil {
		a.emitError(op.String() + ": " + err.Error())
		if !sess.Alive() {
			a.emit(Notification{Kind: NoteSession, State: sess.State().String()})
		}
		return netconf.RpcResult{}, false
	}
	a.recordRPC(sess.Endpoint().Host, op, res)
	if op.Template == netconf.TmplGetStatus && res.OK {
		if fw := FirmwareVersion(res.Payload); fw != "" {
			a.mu.Lock()
			a.firmware = fw
			a.mu.Unlock()
			Debug("device firmware noted", "version", fw)
		}
	}
	return res, true
}

func (a *Agent) recordRPC(host string, op netconf.Operation, res netconf.RpcResult) {
	rec := &storage.RPCRecord{Host: host, Operation: op.String(), OK: res.OK, Message: res.Message}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.store.RecordRPC(ctx, rec); err != nil {
		Error("history write failed", "err", err)
	}
}

// StartBrowse begins mDNS discovery. Device events are forwarded as
// notifications, enriched with SNMP system info when the device answers.
func (a *Agent) StartBrowse() {
	a.mu.Lock()
	if a.browser != nil {
		a.mu.Unlock()
		a.emitError("discovery already running")
		return
	}
	b, err := StartBrowse()
	if err != nil {
		a.mu.Unlock()
		a.emitError("discovery start failed: " + err.Error())
		return
	}
	a.browser = b
	a.mu.Unlock()

	a.spawn(func() {
		for ev := range b.Events() {
			a.onDiscovery(ev)
		}
	})
	a.emit(Notification{Kind: NoteStatus, Message: "discovery started"})
}

func (a *Agent) onDiscovery(ev DiscoveryEvent) {
	dev := ev.Device
	switch ev.Kind {
	case DeviceAdded:
		a.recordDevice(dev)
		a.spawn(func() {
			if info := ProbeDevice(dev); info.Descr != "" {
				a.emit(Notification{Kind: NoteStatus, Message: dev.Name + ": " + info.Descr})
			}
		})
		a.emit(Notification{Kind: NoteDeviceAdded, Device: &dev})
	case DeviceRemoved:
		a.emit(Notification{Kind: NoteDeviceRemoved, Device: &dev})
	}
}

func (a *Agent) recordDevice(dev DiscoveredDevice) {
	addr := ""
	if len(dev.Addrs) > 0 {
		addr = dev.Addrs[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.store.RecordDevice(ctx, dev.Name, addr, dev.Port); err != nil {
		Error("history write failed", "err", err)
	}
}

// StopBrowse ends discovery. No-op when discovery is not running.
func (a *Agent) StopBrowse() {
	a.mu.Lock()
	b := a.browser
	a.browser = nil
	a.mu.Unlock()
	if b == nil {
		return
	}
	b.Stop()
	a.emit(Notification{Kind: NoteStatus, Message: "discovery stopped"})
}

// StartServer brings up the upgrade file server with the configured spec.
func (a *Agent) StartServer() {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		a.emitError("server already running")
		return
	}
	a.mu.Unlock()

	spec := a.settings.ServerSpec()
	a.mu.Lock()
	fw := a.firmware
	a.mu.Unlock()
	if spec.File != "" {
		switch {
		case PackageVersion(spec.File) == nil:
			Warn("upgrade package filename carries no version", "file", spec.File)
		case fw != "" && IsDowngrade(fw, spec.File):
			Warn("upgrade package is older than device firmware", "file", spec.File, "firmware", fw)
			a.emit(Notification{Kind: NoteStatus,
				Message: fmt.Sprintf("warning: package %s is older than device firmware %s", spec.File, fw)})
		}
	}
	srv, err := upgrade.Start(spec)
	if err != nil {
		a.emit(Notification{Kind: NoteServer, State: "error", Message: err.Error()})
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		srv.Stop()
		return
	}
	a.server = srv
	a.mu.Unlock()
	a.emit(Notification{Kind: NoteServer, State: "running", Message: srv.PackageURL()})
}

// StopServer tears the upgrade server down, cutting in-flight transfers.
func (a *Agent) StopServer() {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return
	}
	srv.Stop()
	a.emit(Notification{Kind: NoteServer, State: "stopped"})
}

// ServerURL returns the package URL of the running upgrade server, or empty
// when no server is up.
func (a *Agent) ServerURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		return ""
	}
	return a.server.PackageURL()
}

// EnableBridge starts the websocket event bridge on addr. Subsequent
// notifications are mirrored to every subscriber.
func (a *Agent) EnableBridge(addr string) error {
	b, err := StartBridge(addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.bridge = b
	a.mu.Unlock()
	return nil
}

// Close stops every component and waits for workers to finish.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	sess, srv, b, br := a.session, a.server, a.browser, a.bridge
	a.session, a.server, a.browser, a.bridge = nil, nil, nil, nil
	a.mu.Unlock()

	if b != nil {
		b.Stop()
	}
	if srv != nil {
		srv.Stop()
	}
	if sess != nil {
		sess.Close()
	}
	if br != nil {
		br.Stop()
	}
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		Error("history close failed", "err", err)
	}
	CloseLogFile()
}
