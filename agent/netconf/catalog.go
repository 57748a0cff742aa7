package netconf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TemplateID names a built-in operation template.
type TemplateID string

const (
	// TmplGetConfig fetches a datastore (Operation.Store, default running).
	TmplGetConfig TemplateID = "get-config"
	// TmplCopyConfig copies running to startup, the "save" operation. The
	// copy is atomic at the protocol level; read-back verification is the
	// caller's business.
	TmplCopyConfig TemplateID = "copy-config"
	// TmplEditConfig merges Operation.Arg into the target store.
	TmplEditConfig TemplateID = "edit-config"
	// TmplGetStatus fetches operational data (interfaces and system state).
	TmplGetStatus TemplateID = "get-status"
	// TmplSystemRestart reboots the device.
	TmplSystemRestart TemplateID = "system-restart"
	// TmplFactoryReset restores factory defaults.
	TmplFactoryReset TemplateID = "factory-reset"
	// TmplSetDatetime sets the device clock to Operation.Arg (RFC 3339),
	// defaulting to the local time of the call.
	TmplSetDatetime TemplateID = "set-datetime"
	// TmplInstallBundle starts an upgrade from the package URL in
	// Operation.Arg.
	TmplInstallBundle TemplateID = "install-bundle"
	// TmplEnableFieldbus and TmplDisableFieldbus resolve to externally
	// supplied XML fragments; a missing fragment file fails only the request
	// that needed it.
	TmplEnableFieldbus  TemplateID = "enable-fieldbus"
	TmplDisableFieldbus TemplateID = "disable-fieldbus"
)

// Fragment file names looked up under the catalog's fragment directory.
const (
	enableFieldbusFile  = "enable-fieldbus.xml"
	disableFieldbusFile = "disable-fieldbus.xml"
)

const getStatusBody = `<get-data xmlns="urn:ietf:params:xml:ns:yang:ietf-netconf-nmda"
          xmlns:ds="urn:ietf:params:xml:ns:yang:ietf-datastores">
    <datastore>ds:operational</datastore>
    <subtree-filter>
        <interfaces xmlns="urn:ietf:params:xml:ns:yang:ietf-interfaces"/>
        <system-state xmlns="urn:ietf:params:xml:ns:yang:ietf-system"/>
    </subtree-filter>
</get-data>`

// Catalog produces RPC bodies from operation templates. Templates are pure
// data; nothing here touches the network.
type Catalog struct {
	// FragmentDir is where the fieldbus fragment files live. Empty means the
	// executable's directory.
	FragmentDir string
}

// NewCatalog returns a catalog reading external fragments from dir, falling
// back to the executable's directory when dir is empty.
func NewCatalog(dir string) *Catalog {
	if dir == "" {
		if exe, err := os.Executable(); err == nil {
			dir = filepath.Dir(exe)
		} else {
			dir = "."
		}
	}
	return &Catalog{FragmentDir: dir}
}

// Render produces the RPC body for a named template. Raw payloads are not
// handled here; the dispatcher sends those verbatim.
func (c *Catalog) Render(op Operation) (string, error) {
	switch op.Template {
	case TmplGetConfig:
		store, err := sourceStore(op.Store)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<get-config><source><%s/></source></get-config>", store), nil
	case TmplCopyConfig:
		return "<copy-config><target><startup/></target><source><running/></source></copy-config>", nil
	case TmplEditConfig:
		store, err := sourceStore(op.Store)
		if err != nil {
			return "", err
		}
		if op.Arg == "" {
			return "", fmt.Errorf("edit-config: empty configuration")
		}
		return fmt.Sprintf(`<edit-config><target><%s/></target><config xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">%s</config></edit-config>`,
			store, op.Arg), nil
	case TmplGetStatus:
		return getStatusBody, nil
	case TmplSystemRestart:
		return `<system-restart xmlns="urn:ietf:params:xml:ns:yang:ietf-system"/>`, nil
	case TmplFactoryReset:
		return `<factory-reset xmlns="urn:ietf:params:xml:ns:yang:ietf-factory-default"/>`, nil
	case TmplSetDatetime:
		ts := op.Arg
		if ts == "" {
			ts = time.Now().Round(time.Second).Format(time.RFC3339)
		}
		return fmt.Sprintf(`<set-current-datetime xmlns="urn:ietf:params:xml:ns:yang:ietf-system"><current-datetime>%s</current-datetime></set-current-datetime>`,
			escapeXML(ts)), nil
	case TmplInstallBundle:
		if op.Arg == "" {
			return "", fmt.Errorf("install-bundle: missing package URL")
		}
		return fmt.Sprintf(`<install-bundle xmlns="urn:infix:system:ns:yang:1.0"><url>%s</url></install-bundle>`,
			escapeXML(op.Arg)), nil
	case TmplEnableFieldbus:
		return c.loadFragment(enableFieldbusFile)
	case TmplDisableFieldbus:
		return c.loadFragment(disableFieldbusFile)
	}
	return "", fmt.Errorf("unknown template %q", op.Template)
}

func sourceStore(s Datastore) (Datastore, error) {
	switch s {
	case "":
		return StoreRunning, nil
	case StoreRunning, StoreStartup:
		return s, nil
	}
	return "", fmt.Errorf("unknown datastore %q", s)
}

func (c *Catalog) loadFragment(name string) (string, error) {
	path := filepath.Join(c.FragmentDir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		kind := CatalogNotFound
		if os.IsPermission(err) {
			kind = CatalogPermissionDenied
		}
		return "", &CatalogError{Kind: kind, Path: path, Err: err}
	}
	return string(data), nil
}
