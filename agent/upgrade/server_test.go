package upgrade

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func writePackage(t *testing.T, dir, name string, size int) string {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write package: %v", err)
	}
	return path
}

func startTestServer(t *testing.T, dir string) *Server {
	t.Helper()
	s, err := Start(Spec{BindAddr: "127.0.0.1", Port: 0, Root: dir, File: "fw.pkg"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestServeWholeFile(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "fw.pkg", 64*1024)
	s := startTestServer(t, dir)

	resp, err := http.Get("http://" + s.Addr() + "/fw.pkg")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 64*1024 {
		t.Fatalf("got %d bytes, want %d", len(body), 64*1024)
	}
}

func TestStartRejectsMissingPackage(t *testing.T) {
	dir := t.TempDir()
	if _, err := Start(Spec{BindAddr: "127.0.0.1", Root: dir, File: "absent.pkg"}); err == nil {
		t.Fatal("expected error for missing package file")
	}
}

func TestAddressInUseLeavesRunningServerAlone(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "fw.pkg", 1024)
	first := startTestServer(t, dir)

	_, portStr, _ := net.SplitHostPort(first.Addr())
	port, _ := strconv.Atoi(portStr)

	_, err := Start(Spec{BindAddr: "127.0.0.1", Port: port, Root: dir, File: "fw.pkg"})
	var berr *BindError
	if !errors.As(err, &berr) || berr.Kind != BindAddressInUse {
		t.Fatalf("got %v, want BindError{AddressInUse}", err)
	}

	// The first server is unaffected.
	resp, err := http.Get("http://" + first.Addr() + "/fw.pkg")
	if err != nil {
		t.Fatalf("GET after failed second bind: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestStopThenRestartSameSpec(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "fw.pkg", 1024)
	s, err := Start(Spec{BindAddr: "127.0.0.1", Port: 0, Root: dir, File: "fw.pkg"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)
	spec := Spec{BindAddr: "127.0.0.1", Port: port, Root: dir, File: "fw.pkg"}

	s.Stop()
	s.Stop() // idempotent

	var again *Server
	// The socket close is immediate, but give the OS a moment on slow CI.
	for i := 0; i < 20; i++ {
		again, err = Start(spec)
		if err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("restart on same spec: %v", err)
	}
	again.Stop()
}

func TestSlowClientDoesNotBlockOthers(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "fw.pkg", 256*1024)
	s := startTestServer(t, dir)

	// A client that connects, sends nothing, and hangs.
	slow, err := net.Dial("tcp", s.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer slow.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + s.Addr() + "/fw.pkg")
	if err != nil {
		t.Fatalf("GET alongside a stalled connection: %v", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
}

func TestStopTerminatesInFlightTransfer(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "fw.pkg", 8*1024*1024)
	s := startTestServer(t, dir)

	resp, err := http.Get("http://" + s.Addr() + "/fw.pkg")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	// Read a little, then pull the server out from under the transfer.
	if _, err := io.ReadFull(resp.Body, make([]byte, 4096)); err != nil {
		t.Fatalf("initial read: %v", err)
	}
	s.Stop()

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not terminate after Stop")
	}
}

func TestPackageURL(t *testing.T) {
	dir := t.TempDir()
	writePackage(t, dir, "fw.pkg", 16)
	s := startTestServer(t, dir)

	_, portStr, _ := net.SplitHostPort(s.Addr())
	want := fmt.Sprintf("http://127.0.0.1:%s/fw.pkg", portStr)
	if got := s.PackageURL(); got != want {
		t.Fatalf("PackageURL: got %q want %q", got, want)
	}
}

func TestPackageURLUnspecifiedBindUsesInterfaceAddr(t *testing.T) {
	ifs, err := Interfaces()
	if err != nil || len(ifs) == 0 {
		t.Skip("no non-loopback interface available")
	}
	dir := t.TempDir()
	writePackage(t, dir, "fw.pkg", 16)
	s, err := Start(Spec{BindAddr: "", Port: 0, Root: dir, File: "fw.pkg"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	got := s.PackageURL()
	if strings.Contains(got, "0.0.0.0") || strings.Contains(got, "[::]") {
		t.Fatalf("URL host is not dialable from a device: %q", got)
	}
	if !strings.Contains(got, ifs[0].Addr) {
		t.Fatalf("URL %q does not use interface address %s", got, ifs[0].Addr)
	}
}
