package netconf

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderGetConfig(t *testing.T) {
	c := NewCatalog(t.TempDir())
	body, err := c.Render(Operation{Template: TmplGetConfig, Store: StoreStartup})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "<startup/>") {
		t.Fatalf("body %q missing startup source", body)
	}

	// Default store is running.
	body, err = c.Render(Operation{Template: TmplGetConfig})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "<running/>") {
		t.Fatalf("body %q missing running source", body)
	}

	if _, err := c.Render(Operation{Template: TmplGetConfig, Store: "candidate"}); err == nil {
		t.Fatal("expected error for unsupported datastore")
	}
}

func TestRenderCopyConfigIsRunningToStartup(t *testing.T) {
	c := NewCatalog(t.TempDir())
	body, err := c.Render(Operation{Template: TmplCopyConfig})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "<target><startup/></target>") ||
		!strings.Contains(body, "<source><running/></source>") {
		t.Fatalf("save must copy running to startup, got %q", body)
	}
	if err := WellFormed(body); err != nil {
		t.Fatalf("body not well-formed: %v", err)
	}
}

func TestRenderVendorRPCs(t *testing.T) {
	c := NewCatalog(t.TempDir())
	cases := []struct {
		op   Operation
		want string
	}{
		{Operation{Template: TmplSystemRestart}, "<system-restart"},
		{Operation{Template: TmplFactoryReset}, "<factory-reset"},
		{Operation{Template: TmplGetStatus}, "ds:operational"},
		{Operation{Template: TmplSetDatetime, Arg: "2026-08-30T12:00:00+02:00"}, "<current-datetime>2026-08-30T12:00:00+02:00"},
		{Operation{Template: TmplInstallBundle, Arg: "http://10.0.0.1:8080/fw.pkg"}, "<url>http://10.0.0.1:8080/fw.pkg</url>"},
	}
	for _, tc := range cases {
		body, err := c.Render(tc.op)
		if err != nil {
			t.Fatalf("%s: %v", tc.op.Template, err)
		}
		if !strings.Contains(body, tc.want) {
			t.Fatalf("%s: body %q missing %q", tc.op.Template, body, tc.want)
		}
		if err := WellFormed(body); err != nil {
			t.Fatalf("%s: not well-formed: %v", tc.op.Template, err)
		}
	}
}

func TestRenderInstallBundleEscapesURL(t *testing.T) {
	c := NewCatalog(t.TempDir())
	body, err := c.Render(Operation{Template: TmplInstallBundle, Arg: "http://h/a&b.pkg"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "a&amp;b.pkg") {
		t.Fatalf("URL not escaped: %q", body)
	}
}

func TestRenderEditConfigWrapsBody(t *testing.T) {
	c := NewCatalog(t.TempDir())
	body, err := c.Render(Operation{Template: TmplEditConfig, Store: StoreStartup, Arg: "<system><hostname>sw1</hostname></system>"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "<target><startup/></target>") || !strings.Contains(body, "<hostname>sw1</hostname>") {
		t.Fatalf("edit-config body wrong: %q", body)
	}
	if _, err := c.Render(Operation{Template: TmplEditConfig}); err == nil {
		t.Fatal("expected error for empty edit-config body")
	}
}

func TestFieldbusFragmentMissing(t *testing.T) {
	c := NewCatalog(t.TempDir())
	_, err := c.Render(Operation{Template: TmplEnableFieldbus})
	var cerr *CatalogError
	if !errors.As(err, &cerr) || cerr.Kind != CatalogNotFound {
		t.Fatalf("got %v, want CatalogError{NotFound}", err)
	}

	// The catalog stays usable for everything else.
	if _, err := c.Render(Operation{Template: TmplGetConfig}); err != nil {
		t.Fatalf("catalog unusable after missing fragment: %v", err)
	}
}

func TestFieldbusFragmentLoaded(t *testing.T) {
	dir := t.TempDir()
	frag := `<fieldbus xmlns="urn:example:fieldbus"><enabled>true</enabled></fieldbus>`
	if err := os.WriteFile(filepath.Join(dir, "enable-fieldbus.xml"), []byte(frag), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	c := NewCatalog(dir)
	body, err := c.Render(Operation{Template: TmplEnableFieldbus})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if body != frag {
		t.Fatalf("fragment body: got %q want %q", body, frag)
	}
	if _, err := c.Render(Operation{Template: TmplDisableFieldbus}); err == nil {
		t.Fatal("disable fragment absent, expected NotFound")
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	c := NewCatalog(t.TempDir())
	if _, err := c.Render(Operation{Template: "explode"}); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestWellFormed(t *testing.T) {
	if err := WellFormed("<a><b>x</b></a>"); err != nil {
		t.Fatalf("well-formed input rejected: %v", err)
	}
	if err := WellFormed("<a><b></a>"); err == nil {
		t.Fatal("mismatched tags accepted")
	}
}

func TestPrettyIndents(t *testing.T) {
	in := "<a><b>x</b><c/></a>"
	out := Pretty(in)
	if !strings.Contains(out, "\n") {
		t.Fatalf("expected indented output, got %q", out)
	}
	if Pretty("<broken") != "<broken" {
		t.Fatal("Pretty must return unparseable input unchanged")
	}
}
