package forward

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultListenHost is used when a forward spec omits the local host.
const DefaultListenHost = "0.0.0.0"

var ErrBadForward = errors.New("expected [lhost:]lport rhost:rport")

// Spec is a parsed port forward.
type Spec struct {
	LocalHost  string
	LocalPort  uint16
	RemoteHost string
	RemotePort uint16
}

func (s Spec) String() string {
	return fmt.Sprintf("%s -> %s",
		net.JoinHostPort(s.LocalHost, strconv.Itoa(int(s.LocalPort))),
		net.JoinHostPort(s.RemoteHost, strconv.Itoa(int(s.RemotePort))))
}

// ParseHostPorts parses "[lhost:]lport rhost:rport".
func ParseHostPorts(s string) (Spec, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Spec{}, fmt.Errorf("%q: %w", s, ErrBadForward)
	}

	var spec Spec
	var err error

	local := fields[0]
	if strings.Contains(local, ":") {
		var port string
		spec.LocalHost, port, err = net.SplitHostPort(local)
		if err != nil {
			return Spec{}, fmt.Errorf("%q: %w", local, ErrBadForward)
		}
		if spec.LocalHost == "" {
			spec.LocalHost = DefaultListenHost
		}
		local = port
	} else {
		spec.LocalHost = DefaultListenHost
	}
	if spec.LocalPort, err = ParsePort(local); err != nil {
		return Spec{}, err
	}

	host, port, err := net.SplitHostPort(fields[1])
	if err != nil || host == "" {
		return Spec{}, fmt.Errorf("%q: %w", fields[1], ErrBadForward)
	}
	spec.RemoteHost = host
	if spec.RemotePort, err = ParsePort(port); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// ParsePort parses a TCP port in 1..65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return uint16(n), nil
}

// ParseListenAddr parses "[lhost:]lport" with the same defaults as
// ParseHostPorts.
func ParseListenAddr(s string) (string, uint16, error) {
	host, port := DefaultListenHost, s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		if h := strings.Trim(s[:i], "[]"); h != "" {
			host = h
		}
		port = s[i+1:]
	}
	p, err := ParsePort(port)
	if err != nil {
		return "", 0, err
	}
	return host, p, nil
}
