package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	defaultTCPPort = "5000"
	defaultWSPort  = "8080"
	defaultSSHPort = "2222"

	relaySSHVersionPrefix = "SSH-2.0-ChatRelay"
)

// endpoint is a parsed server address
type endpoint struct {
	scheme  string // tcp, ws, wss or ssh
	user    string // ssh only
	address string // host:port
}

func (e endpoint) String() string {
	switch e.scheme {
	case "tcp":
		return e.address
	case "ssh":
		if e.user != "" {
			return fmt.Sprintf("ssh://%s@%s", e.user, e.address)
		}
	}
	return e.scheme + "://" + e.address
}

// parseServerAddress accepts host[:port] or scheme://[user@]host[:port]
// with scheme tcp, ws, wss or ssh
func parseServerAddress(raw string) (endpoint, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return endpoint{}, errors.New("server address is empty")
	}

	ep := endpoint{scheme: "tcp"}
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return endpoint{}, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			ep.scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			ep.user = u.User.Username()
		}
		hostPort = u.Host
	}

	var defaultPort string
	switch ep.scheme {
	case "tcp":
		defaultPort = defaultTCPPort
	case "ws", "wss":
		defaultPort = defaultWSPort
	case "ssh":
		defaultPort = defaultSSHPort
	default:
		return endpoint{}, fmt.Errorf("unsupported server scheme %q", ep.scheme)
	}

	host, port, err := splitHostPortWithDefault(hostPort, defaultPort)
	if err != nil {
		return endpoint{}, err
	}
	ep.address = net.JoinHostPort(host, port)
	return ep, nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}

	return "", "", err
}
