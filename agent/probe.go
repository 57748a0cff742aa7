package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

const (
	oidSysDescr = "1.3.6.1.2.1.1.1.0"
	oidSysName  = "1.3.6.1.2.1.1.5.0"
)

// SysInfo is what an SNMP probe of a discovered device yields. Both fields
// may be empty when the device does not answer SNMP.
type SysInfo struct {
	Name  string `json:"name,omitempty"`
	Descr string `json:"descr,omitempty"`
}

// snmpConn is the slice of gosnmp the probe needs, split out for tests.
type snmpConn interface {
	Connect() error
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

type gosnmpConn struct {
	conn *gosnmp.GoSNMP
}

func (c *gosnmpConn) Connect() error { return c.conn.Connect() }
func (c *gosnmpConn) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	return c.conn.Get(oids)
}
func (c *gosnmpConn) Close() error { return c.conn.Conn.Close() }

func newSNMPConn(addr string) snmpConn {
	return &gosnmpConn{conn: &gosnmp.GoSNMP{
		Target:    addr,
		Port:      161,
		Community: "public",
		Version:   gosnmp.Version2c,
		Timeout:   2 * time.Second,
		Retries:   1,
	}}
}

// probeSysInfo asks a device for its system name and description. Discovery
// works fine without SNMP, so callers treat an error as a missing enrichment
// rather than a failure.
func probeSysInfo(c snmpConn) (SysInfo, error) {
	if err := c.Connect(); err != nil {
		return SysInfo{}, fmt.Errorf("snmp connect: %w", err)
	}
	defer c.Close()

	pkt, err := c.Get([]string{oidSysDescr, oidSysName})
	if err != nil {
		return SysInfo{}, fmt.Errorf("snmp get: %w", err)
	}

	var info SysInfo
	for _, v := range pkt.Variables {
		s, ok := pduString(v)
		if !ok {
			continue
		}
		switch v.Name {
		case "." + oidSysDescr, oidSysDescr:
			info.Descr = s
		case "." + oidSysName, oidSysName:
			info.Name = s
		}
	}
	return info, nil
}

func pduString(v gosnmp.SnmpPDU) (string, bool) {
	switch val := v.Value.(type) {
	case string:
		return strings.TrimSpace(val), true
	case []byte:
		return strings.TrimSpace(string(val)), true
	default:
		return "", false
	}
}

// ProbeDevice enriches a discovered device with SNMP system info.
func ProbeDevice(dev DiscoveredDevice) SysInfo {
	if len(dev.Addrs) == 0 {
		return SysInfo{}
	}
	info, err := probeSysInfo(newSNMPConn(dev.Addrs[0]))
	if err != nil {
		Debug("snmp probe failed", "device", dev.Name, "err", err)
		return SysInfo{}
	}
	return info
}
