package engine

import (
	"net"
	"strings"
)

var meteredPrefixes = []string{"wwan", "rmnet", "ccmni", "pdp", "ppp", "usb", "wwp"}

// InterfaceChecker inspects local interfaces. Cellular and tethered links are
// treated as metered.
type InterfaceChecker struct{}

func (InterfaceChecker) Connected() bool {
	return len(activeInterfaces()) > 0
}

func (InterfaceChecker) Unmetered() bool {
	for _, name := range activeInterfaces() {
		if !isMetered(name) {
			return true
		}
	}
	return false
}

func isMetered(name string) bool {
	name = strings.ToLower(name)
	for _, p := range meteredPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func activeInterfaces() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var names []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err == nil && len(addrs) > 0 {
			names = append(names, iface.Name)
		}
	}
	return names
}
