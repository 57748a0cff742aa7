package netconf

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// WellFormed reports whether s parses as XML. Raw operator payloads and
// external fragments are checked with this before they go near the wire; no
// schema validation is attempted.
func WellFormed(s string) error {
	dec := xml.NewDecoder(strings.NewReader(s))
	sawElement := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if !sawElement {
				return errors.New("no XML element found")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			sawElement = true
		}
	}
}

// Pretty re-indents an XML fragment for display. On any parse trouble the
// input is returned unchanged; this is a presentation helper, never a
// validation step.
func Pretty(s string) string {
	var out bytes.Buffer
	dec := xml.NewDecoder(strings.NewReader(s))
	enc := xml.NewEncoder(&out)
	enc.Indent("", "  ")
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s
		}
		// Drop inter-element whitespace so re-indenting is stable.
		if cd, ok := tok.(xml.CharData); ok {
			if len(bytes.TrimSpace(cd)) == 0 {
				continue
			}
		}
		if err := enc.EncodeToken(tok); err != nil {
			return s
		}
	}
	if err := enc.Flush(); err != nil {
		return s
	}
	return strings.TrimSpace(out.String())
}

// escapeXML escapes a template argument for embedding in element content.
func escapeXML(s string) string {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return s
	}
	return buf.String()
}
