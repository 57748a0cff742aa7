package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service NETCONF-over-SSH devices advertise.
const ServiceType = "_netconf-ssh._tcp"

const browseDomain = "local."

// expirySweepInterval is how often the browser checks for advertisements
// whose TTL has lapsed without a goodbye packet.
const expirySweepInterval = 2 * time.Second

// DiscoveredDevice is one advertised device, keyed by instance name.
type DiscoveredDevice struct {
	Name  string   `json:"name"`
	Addrs []string `json:"addrs"`
	Port  int      `json:"port"`
}

// DiscoveryEventKind tags a discovery event.
type DiscoveryEventKind int

const (
	DeviceAdded DiscoveryEventKind = iota
	DeviceRemoved
)

func (k DiscoveryEventKind) String() string {
	if k == DeviceAdded {
		return "added"
	}
	return "removed"
}

// DiscoveryEvent is one incremental change to the live device set. An Added
// for a name always precedes its Removed; the consumer merges events into
// its own presentation set.
type DiscoveryEvent struct {
	Kind   DiscoveryEventKind
	Device DiscoveredDevice
}

type seenDevice struct {
	dev     DiscoveredDevice
	expires time.Time
}

// Browser is one browse session. It holds only the state needed to detect
// duplicate and expired advertisements; Stop is idempotent and ends event
// delivery.
type Browser struct {
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan DiscoveryEvent
	stopOnce sync.Once

	mu   sync.Mutex
	seen map[string]*seenDevice
}

func newBrowser() *Browser {
	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan DiscoveryEvent, 16),
		seen:   make(map[string]*seenDevice),
	}
}

// StartBrowse begins listening for service advertisements on the local
// segment. Each call returns a fresh handle; browsing is restartable after
// Stop.
func StartBrowse() (*Browser, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	b := newBrowser()
	entries := make(chan *zeroconf.ServiceEntry)
	go b.consume(entries)
	if err := resolver.Browse(b.ctx, ServiceType, browseDomain, entries); err != nil {
		b.cancel()
		return nil, err
	}
	Info("mDNS browse start", "service", ServiceType)
	return b, nil
}

// Events is the browse result stream. The channel is closed after Stop.
func (b *Browser) Events() <-chan DiscoveryEvent { return b.events }

// Stop releases all listener resources. No further events are delivered on
// this handle; in-flight network operations are not waited for.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		Info("mDNS browse stop", "service", ServiceType)
	})
}

// Devices returns a snapshot of the currently live set.
func (b *Browser) Devices() []DiscoveredDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DiscoveredDevice, 0, len(b.seen))
	for _, sd := range b.seen {
		out = append(out, sd.dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (b *Browser) consume(entries <-chan *zeroconf.ServiceEntry) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	defer close(b.events)
	for {
		select {
		case <-b.ctx.Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			b.deliver(b.apply(e, time.Now()))
		case now := <-ticker.C:
			b.deliver(b.sweep(now))
		}
	}
}

func (b *Browser) deliver(evs []DiscoveryEvent) {
	for _, ev := range evs {
		select {
		case b.events <- ev:
		case <-b.ctx.Done():
			return
		}
	}
}

// apply folds one advertisement into the live set. A zero TTL is a goodbye
// packet and withdraws the instance.
func (b *Browser) apply(e *zeroconf.ServiceEntry, now time.Time) []DiscoveryEvent {
	name := e.Instance
	if name == "" {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if e.TTL == 0 {
		if _, ok := b.seen[name]; !ok {
			return nil
		}
		dev := b.seen[name].dev
		delete(b.seen, name)
		Debug("device withdrawn", "name", name)
		return []DiscoveryEvent{{Kind: DeviceRemoved, Device: dev}}
	}

	var addrs []string
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	dev := DiscoveredDevice{Name: name, Addrs: addrs, Port: e.Port}
	expires := now.Add(time.Duration(e.TTL) * time.Second)

	prev, known := b.seen[name]
	b.seen[name] = &seenDevice{dev: dev, expires: expires}
	if known && equalDevices(prev.dev, dev) {
		// Re-announcement, just a TTL refresh.
		return nil
	}
	Debug("device advertised", "name", name, "addrs", addrs, "port", e.Port)
	if known {
		// Address or port changed: withdraw the old advertisement first so
		// every Added is paired with exactly one Removed.
		return []DiscoveryEvent{
			{Kind: DeviceRemoved, Device: prev.dev},
			{Kind: DeviceAdded, Device: dev},
		}
	}
	return []DiscoveryEvent{{Kind: DeviceAdded, Device: dev}}
}

// sweep withdraws instances whose advertisement TTL lapsed.
func (b *Browser) sweep(now time.Time) []DiscoveryEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var evs []DiscoveryEvent
	for name, sd := range b.seen {
		if now.After(sd.expires) {
			delete(b.seen, name)
			Debug("device expired", "name", name)
			evs = append(evs, DiscoveryEvent{Kind: DeviceRemoved, Device: sd.dev})
		}
	}
	return evs
}

func equalDevices(a, b DiscoveredDevice) bool {
	if a.Name != b.Name || a.Port != b.Port || len(a.Addrs) != len(b.Addrs) {
		return false
	}
	for i := range a.Addrs {
		if a.Addrs[i] != b.Addrs[i] {
			return false
		}
	}
	return true
}
