package stats

import (
	"errors"
	"net"
	"strings"
)

// ErrInterfaceNotFound is returned when the tunnel interface cannot be found.
var ErrInterfaceNotFound = errors.New("tunnel interface not found")

// ResolveInterface confirms that the interface reported by the daemon exists.
// When name is empty or unknown it falls back to the tunnel interface
// carrying assignedIP.
func ResolveInterface(name, assignedIP string) (string, error) {
	if name != "" {
		if _, err := net.InterfaceByName(name); err == nil {
			return name, nil
		}
	}
	return DetectTunnelInterface(assignedIP)
}

// DetectTunnelInterface finds the tunnel interface that has assignedIP.
func DetectTunnelInterface(assignedIP string) (string, error) {
	if assignedIP == "" {
		return "", ErrInterfaceNotFound
	}

	targetIP := net.ParseIP(assignedIP)
	if targetIP == nil {
		return "", ErrInterfaceNotFound
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if !isTunnelInterface(iface.Name) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip != nil && ip.Equal(targetIP) {
				return iface.Name, nil
			}
		}
	}

	return "", ErrInterfaceNotFound
}

// isTunnelInterface matches the names the daemon gives tun/tap devices.
func isTunnelInterface(name string) bool {
	return strings.HasPrefix(name, "tun") || strings.HasPrefix(name, "tap")
}
