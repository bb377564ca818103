package vectordb

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/iasik/symbol-indexer/internal/schema"
)

// DefaultAddress is used when a request does not name a store.
const DefaultAddress = "127.0.0.1:19530"

// ParseAddress normalizes addr into a scheme and host:port pair. It accepts
// "host:port", a bare "host" (port defaults to defaultPort) and
// "http(s)://host[:port]".
func ParseAddress(addr string, defaultPort int) (scheme, hostPort string, err error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = DefaultAddress
	}

	scheme = "http"
	if strings.Contains(addr, "://") {
		u, perr := url.Parse(addr)
		if perr != nil {
			return "", "", &schema.ValidationError{Field: "address", Reason: perr.Error()}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", "", &schema.ValidationError{Field: "address", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
		}
		if u.Path != "" && u.Path != "/" {
			return "", "", &schema.ValidationError{Field: "address", Reason: "must not contain a path"}
		}
		scheme = u.Scheme
		addr = u.Host
	}

	host, port := addr, strconv.Itoa(defaultPort)
	if strings.Contains(addr, ":") {
		h, p, serr := net.SplitHostPort(addr)
		if serr != nil {
			return "", "", &schema.ValidationError{Field: "address", Reason: serr.Error()}
		}
		host, port = h, p
	}

	if host == "" {
		return "", "", &schema.ValidationError{Field: "address", Reason: fmt.Sprintf("missing host in %q", addr)}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", "", &schema.ValidationError{Field: "address", Reason: fmt.Sprintf("invalid port %q", port)}
	}

	return scheme, net.JoinHostPort(host, port), nil
}
