package netconf

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// framer encodes and decodes one NETCONF message per call. Two encodings
// exist (RFC 6242): the legacy end-of-message delimiter used for the hello
// exchange and base:1.0 peers, and chunked framing for base:1.1 peers.
type framer interface {
	WriteMsg([]byte) error
	ReadMsg() ([]byte, error)
}

var eomDelimiter = []byte("]]>]]>")

// maxMsgSize bounds a single decoded message so a misbehaving peer cannot
// make us buffer without limit.
const maxMsgSize = 64 << 20

type eomFramer struct {
	w io.Writer
	r *bufio.Reader
}

func newEOMFramer(r io.Reader, w io.Writer) *eomFramer {
	return &eomFramer{w: w, r: bufio.NewReader(r)}
}

func (f *eomFramer) WriteMsg(msg []byte) error {
	if _, err := f.w.Write(msg); err != nil {
		return err
	}
	_, err := f.w.Write(eomDelimiter)
	return err
}

func (f *eomFramer) ReadMsg() ([]byte, error) {
	var buf bytes.Buffer
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if b == '>' && bytes.HasSuffix(buf.Bytes(), eomDelimiter) {
			return bytes.TrimSpace(buf.Bytes()[:buf.Len()-len(eomDelimiter)]), nil
		}
		if buf.Len() > maxMsgSize {
			return nil, fmt.Errorf("message exceeds %d bytes without end-of-message marker", maxMsgSize)
		}
	}
}

type chunkedFramer struct {
	w io.Writer
	r *bufio.Reader
}

func newChunkedFramer(r io.Reader, w io.Writer) *chunkedFramer {
	return &chunkedFramer{w: w, r: bufio.NewReader(r)}
}

func (f *chunkedFramer) WriteMsg(msg []byte) error {
	// A single chunk per message is always valid.
	if _, err := fmt.Fprintf(f.w, "\n#%d\n", len(msg)); err != nil {
		return err
	}
	if _, err := f.w.Write(msg); err != nil {
		return err
	}
	_, err := io.WriteString(f.w, "\n##\n")
	return err
}

func (f *chunkedFramer) ReadMsg() ([]byte, error) {
	var buf bytes.Buffer
	for {
		size, end, err := f.readChunkHeader()
		if err != nil {
			return nil, err
		}
		if end {
			return bytes.TrimSpace(buf.Bytes()), nil
		}
		if buf.Len()+size > maxMsgSize {
			return nil, fmt.Errorf("chunked message exceeds %d bytes", maxMsgSize)
		}
		if _, err := io.CopyN(&buf, f.r, int64(size)); err != nil {
			return nil, err
		}
	}
}

// readChunkHeader consumes "\n#<size>\n" or the end-of-chunks marker "\n##\n".
func (f *chunkedFramer) readChunkHeader() (size int, end bool, err error) {
	// LF before '#'; tolerate extra line breaks between chunks.
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return 0, false, err
		}
		if b == '\n' || b == '\r' {
			continue
		}
		if b == '#' {
			break
		}
		return 0, false, fmt.Errorf("chunked framing: unexpected byte %q in header", b)
	}
	line, err := f.r.ReadString('\n')
	if err != nil {
		return 0, false, err
	}
	line = line[:len(line)-1]
	if line == "#" {
		return 0, true, nil
	}
	size, err = strconv.Atoi(line)
	if err != nil || size <= 0 {
		return 0, false, fmt.Errorf("chunked framing: bad chunk size %q", line)
	}
	return size, false, nil
}
