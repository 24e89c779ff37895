package session

import (
	"fmt"
	"net"
	"net/url"
)

// splitBrokerURL parses "mqtts://host:port" or "mqtt://host:port" into
// its host, port, and scheme. Astarte's pairing API always returns a
// port; a missing one is treated as malformed rather than defaulted,
// since defaulting silently would mask a misconfigured broker entry.
func splitBrokerURL(raw string) (host string, port int, scheme string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, "", fmt.Errorf("session: parse broker url %q: %w", raw, err)
	}
	if u.Scheme != "mqtt" && u.Scheme != "mqtts" {
		return "", 0, "", fmt.Errorf("session: unsupported broker scheme %q", u.Scheme)
	}
	h, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, "", fmt.Errorf("session: broker url %q missing host:port: %w", raw, err)
	}
	var p int
	if _, err := fmt.Sscanf(portStr, "%d", &p); err != nil {
		return "", 0, "", fmt.Errorf("session: broker url %q has non-numeric port: %w", raw, err)
	}
	return h, p, u.Scheme, nil
}
