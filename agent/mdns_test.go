package agent

import (
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func entry(name string, ttl uint32, port int, addrs ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(name, ServiceType, browseDomain)
	e.TTL = ttl
	e.Port = port
	for _, a := range addrs {
		e.AddrIPv4 = append(e.AddrIPv4, net.ParseIP(a))
	}
	return e
}

func TestApplyAddAndRefresh(t *testing.T) {
	b := newBrowser()
	now := time.Now()

	evs := b.apply(entry("sw1", 120, 830, "10.0.0.5"), now)
	if len(evs) != 1 || evs[0].Kind != DeviceAdded {
		t.Fatalf("expected one added event, got %+v", evs)
	}
	dev := evs[0].Device
	if dev.Name != "sw1" || dev.Port != 830 || len(dev.Addrs) != 1 || dev.Addrs[0] != "10.0.0.5" {
		t.Fatalf("unexpected device: %+v", dev)
	}

	// Identical re-announcement is only a TTL refresh.
	evs = b.apply(entry("sw1", 120, 830, "10.0.0.5"), now.Add(time.Minute))
	if len(evs) != 0 {
		t.Fatalf("re-announcement produced events: %+v", evs)
	}

	// A changed address withdraws the old advertisement before the new one,
	// so every added event is paired with exactly one removed.
	evs = b.apply(entry("sw1", 120, 830, "10.0.0.9"), now.Add(time.Minute))
	if len(evs) != 2 {
		t.Fatalf("expected removed+added pair on change, got %+v", evs)
	}
	if evs[0].Kind != DeviceRemoved || evs[0].Device.Addrs[0] != "10.0.0.5" {
		t.Fatalf("expected removal of old advertisement first, got %+v", evs[0])
	}
	if evs[1].Kind != DeviceAdded || evs[1].Device.Addrs[0] != "10.0.0.9" {
		t.Fatalf("expected added event with new addr, got %+v", evs[1])
	}
	if len(b.Devices()) != 1 {
		t.Fatalf("live set should hold one device, got %+v", b.Devices())
	}
}

func TestApplyGoodbye(t *testing.T) {
	b := newBrowser()
	now := time.Now()

	b.apply(entry("sw1", 120, 830, "10.0.0.5"), now)
	evs := b.apply(entry("sw1", 0, 830), now)
	if len(evs) != 1 || evs[0].Kind != DeviceRemoved || evs[0].Device.Name != "sw1" {
		t.Fatalf("expected removed event, got %+v", evs)
	}
	if len(b.Devices()) != 0 {
		t.Fatal("device still in live set after goodbye")
	}

	// Goodbye for an unknown instance is ignored.
	if evs := b.apply(entry("ghost", 0, 830), now); len(evs) != 0 {
		t.Fatalf("goodbye for unknown instance produced events: %+v", evs)
	}
}

func TestSweepExpiresStaleEntries(t *testing.T) {
	b := newBrowser()
	now := time.Now()

	b.apply(entry("sw1", 10, 830, "10.0.0.5"), now)
	b.apply(entry("sw2", 120, 830, "10.0.0.6"), now)

	if evs := b.sweep(now.Add(5 * time.Second)); len(evs) != 0 {
		t.Fatalf("premature expiry: %+v", evs)
	}
	evs := b.sweep(now.Add(11 * time.Second))
	if len(evs) != 1 || evs[0].Kind != DeviceRemoved || evs[0].Device.Name != "sw1" {
		t.Fatalf("expected sw1 expired, got %+v", evs)
	}
	devs := b.Devices()
	if len(devs) != 1 || devs[0].Name != "sw2" {
		t.Fatalf("unexpected live set: %+v", devs)
	}
}

func TestBrowserStopIdempotent(t *testing.T) {
	b := newBrowser()
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		b.consume(entries)
		close(done)
	}()

	b.Stop()
	b.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume loop did not exit after Stop")
	}
	if _, ok := <-b.Events(); ok {
		t.Fatal("events channel not closed after Stop")
	}
}
