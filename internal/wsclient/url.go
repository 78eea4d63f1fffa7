package wsclient

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

const (
	maxHostLen  = 64
	maxPathLen  = 128
	defaultPort = 80
)

// Endpoint is a parsed ws:// URL.
type Endpoint struct {
	Host string
	Port int
	Path string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("ws://%s:%d%s", e.Host, e.Port, e.Path)
}

// ParseURL parses ws://host[:port]/path. Secure URLs are rejected.
func ParseURL(raw string) (Endpoint, error) {
	var ep Endpoint
	rest, ok := strings.CutPrefix(raw, "ws://")
	if !ok {
		if strings.HasPrefix(raw, "wss://") {
			return ep, voiceerr.Application("parse url", errors.New("wss:// is not supported"))
		}
		return ep, voiceerr.Application("parse url", fmt.Errorf("url %q must start with ws://", raw))
	}

	hostport, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport, path = rest[:i], rest[i:]
	}

	ep.Host, ep.Port = hostport, defaultPort
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		port, err := strconv.Atoi(hostport[i+1:])
		if err != nil || port <= 0 || port > 65535 {
			return ep, voiceerr.Application("parse url", fmt.Errorf("invalid port in %q", raw))
		}
		ep.Host, ep.Port = hostport[:i], port
	}

	switch {
	case ep.Host == "":
		return ep, voiceerr.Application("parse url", fmt.Errorf("missing host in %q", raw))
	case len(ep.Host) >= maxHostLen:
		return ep, voiceerr.Application("parse url", fmt.Errorf("host longer than %d bytes", maxHostLen-1))
	case len(path) >= maxPathLen:
		return ep, voiceerr.Application("parse url", fmt.Errorf("path longer than %d bytes", maxPathLen-1))
	}
	ep.Path = path
	return ep, nil
}
