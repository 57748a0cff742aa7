package netconf

import (
	"bytes"
	"strings"
	"testing"
)

func TestEOMRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newEOMFramer(&buf, &buf)
	msg := "<rpc message-id=\"1\"><get-config/></rpc>"
	if err := f.WriteMsg([]byte(msg)); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	got, err := f.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if string(got) != msg {
		t.Fatalf("round trip: got %q want %q", got, msg)
	}
}

func TestEOMReadStripsSurroundingWhitespace(t *testing.T) {
	r := strings.NewReader("\n<hello/>\n]]>]]>")
	f := newEOMFramer(r, nil)
	got, err := f.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if string(got) != "<hello/>" {
		t.Fatalf("got %q", got)
	}
}

func TestChunkedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := newChunkedFramer(&buf, &buf)
	msg := "<rpc message-id=\"7\"><close-session/></rpc>"
	if err := f.WriteMsg([]byte(msg)); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	got, err := f.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if string(got) != msg {
		t.Fatalf("round trip: got %q want %q", got, msg)
	}
}

func TestChunkedReadMultipleChunks(t *testing.T) {
	// Two chunks forming one message, as a 1.1 server may split them.
	stream := "\n#5\n<rpc>\n#6\n</rpc>\n##\n"
	f := newChunkedFramer(strings.NewReader(stream), nil)
	got, err := f.ReadMsg()
	if err != nil {
		t.Fatalf("ReadMsg: %v", err)
	}
	if string(got) != "<rpc></rpc>" {
		t.Fatalf("got %q", got)
	}
}

func TestChunkedReadBadSize(t *testing.T) {
	f := newChunkedFramer(strings.NewReader("\n#zz\nxxxx\n##\n"), nil)
	if _, err := f.ReadMsg(); err == nil {
		t.Fatal("expected error for non-numeric chunk size")
	}
}

func TestChunkedReadGarbageHeader(t *testing.T) {
	f := newChunkedFramer(strings.NewReader("<rpc/>"), nil)
	if _, err := f.ReadMsg(); err == nil {
		t.Fatal("expected error for missing chunk header")
	}
}
