package upgrade

import "net"

// Interface is a usable bind target for the upgrade server: a named network
// interface with its first IPv4 address.
type Interface struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Interfaces enumerates non-loopback interfaces that are up and carry an
// IPv4 address, for the operator to pick the one the device can reach.
func Interfaces() ([]Interface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []Interface
	for _, nif := range ifs {
		if nif.Flags&net.FlagUp == 0 || nif.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := nif.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipn.IP.To4(); ip4 != nil {
				out = append(out, Interface{Name: nif.Name, Addr: ip4.String()})
				break
			}
		}
	}
	return out, nil
}
