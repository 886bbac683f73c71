package scpi

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the raw SCPI socket port used by Rigol LXI instruments.
const DefaultPort = 5555

// UnsupportedResourceError reports a VISA interface this tool cannot open.
type UnsupportedResourceError struct {
	Resource  string
	Interface string
}

func (e *UnsupportedResourceError) Error() string {
	return fmt.Sprintf("resource %q: %s interface is not supported (use a LAN resource such as TCPIP0::192.168.1.10::INSTR)", e.Resource, e.Interface)
}

// ParseResource converts a VISA style resource string into a host:port
// address for the raw socket transport. Accepted forms:
//
//	TCPIP0::192.168.1.10::INSTR        -> 192.168.1.10:5555
//	TCPIP0::192.168.1.10::5025::SOCKET -> 192.168.1.10:5025
//	tcp://192.168.1.10:5555
//	192.168.1.10[:5555]
func ParseResource(resource string) (string, error) {
	r := strings.TrimSpace(resource)
	if r == "" {
		return "", fmt.Errorf("empty resource name")
	}

	if strings.HasPrefix(strings.ToLower(r), "tcp://") {
		return withDefaultPort(r[len("tcp://"):])
	}

	if !strings.Contains(r, "::") {
		return withDefaultPort(r)
	}

	parts := strings.Split(r, "::")
	iface := strings.ToUpper(parts[0])
	switch {
	case strings.HasPrefix(iface, "TCPIP"):
	case strings.HasPrefix(iface, "USB"):
		return "", &UnsupportedResourceError{Resource: r, Interface: "USB"}
	case strings.HasPrefix(iface, "ASRL"):
		return "", &UnsupportedResourceError{Resource: r, Interface: "serial"}
	case strings.HasPrefix(iface, "GPIB"):
		return "", &UnsupportedResourceError{Resource: r, Interface: "GPIB"}
	default:
		return "", &UnsupportedResourceError{Resource: r, Interface: parts[0]}
	}

	if len(parts) < 2 || parts[1] == "" {
		return "", fmt.Errorf("resource %q: missing host", r)
	}
	host := parts[1]
	last := strings.ToUpper(parts[len(parts)-1])

	switch {
	case len(parts) == 4 && last == "SOCKET":
		port, err := strconv.Atoi(parts[2])
		if err != nil || port <= 0 || port > 65535 {
			return "", fmt.Errorf("resource %q: invalid port %q", r, parts[2])
		}
		return net.JoinHostPort(host, strconv.Itoa(port)), nil
	case len(parts) == 2 || (len(parts) == 3 && last == "INSTR"):
		// VXI-11 INSTR resources are served over the raw socket instead.
		return net.JoinHostPort(host, strconv.Itoa(DefaultPort)), nil
	case len(parts) == 4 && last == "INSTR":
		// TCPIP0::host::inst0::INSTR
		return net.JoinHostPort(host, strconv.Itoa(DefaultPort)), nil
	default:
		return "", fmt.Errorf("resource %q: unrecognised TCPIP resource form", r)
	}
}

func withDefaultPort(addr string) (string, error) {
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	return net.JoinHostPort(addr, strconv.Itoa(DefaultPort)), nil
}
