package agent

import "testing"

func TestPackageVersion(t *testing.T) {
	cases := []struct {
		file string
		want string
	}{
		{"os-image-v24.11.1.pkg", "24.11.1"},
		{"bundle-1.2.3.tar.gz", "1.2.3"},
		{"firmware-2.0.0-rc.1.pkg", "2.0.0-rc.1"},
		{"noversion.pkg", ""},
		{"", ""},
	}
	for _, c := range cases {
		v := PackageVersion(c.file)
		if c.want == "" {
			if v != nil {
				t.Errorf("PackageVersion(%q) = %v, want nil", c.file, v)
			}
			continue
		}
		if v == nil || v.String() != c.want {
			t.Errorf("PackageVersion(%q) = %v, want %s", c.file, v, c.want)
		}
	}
}

func TestFirmwareVersion(t *testing.T) {
	payload := `<system-state xmlns="urn:ietf:params:xml:ns:yang:ietf-system">
  <platform><os-name>Infix</os-name><os-version> 24.11.1 </os-version></platform>
</system-state>`
	if got := FirmwareVersion(payload); got != "24.11.1" {
		t.Errorf("FirmwareVersion = %q, want 24.11.1", got)
	}
	if got := FirmwareVersion("<data/>"); got != "" {
		t.Errorf("FirmwareVersion on payload without version = %q, want empty", got)
	}
}

func TestIsDowngrade(t *testing.T) {
	if !IsDowngrade("24.11.1", "os-image-v24.10.0.pkg") {
		t.Error("older package not flagged as downgrade")
	}
	if IsDowngrade("24.11.1", "os-image-v25.1.0.pkg") {
		t.Error("newer package flagged as downgrade")
	}
	if IsDowngrade("24.11.1", "os-image-v24.11.1.pkg") {
		t.Error("same version flagged as downgrade")
	}
	// Unknown versions never block.
	if IsDowngrade("garbage", "os-image-v1.0.0.pkg") {
		t.Error("unknown device version flagged as downgrade")
	}
	if IsDowngrade("24.11.1", "noversion.pkg") {
		t.Error("unversioned package flagged as downgrade")
	}
}
