package relay

import (
	"strings"

	"github.com/nostr-dev-kit/ndk-go/nerrors"
)

// Normalize produces the bit-exact relay URL form used for relay identity
// (spec §6): trim whitespace; default to wss:// if no scheme is present;
// lowercase scheme and host; drop a leading www.; drop user/password/
// fragment/query is kept but path always ends in '/'; drop default ports
// (80 for ws, 443 for wss). Two URLs are the same relay iff their normalized
// forms are byte-identical.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", nerrors.New(nerrors.Validation, nerrors.CodeInvalidInput).With("reason", "empty relay url")
	}

	scheme := "wss"
	rest := s
	if idx := strings.Index(s, "://"); idx >= 0 {
		scheme = strings.ToLower(s[:idx])
		rest = s[idx+3:]
	}
	if scheme != "ws" && scheme != "wss" {
		return "", nerrors.New(nerrors.Validation, nerrors.CodeInvalidInput).With("reason", "unsupported scheme "+scheme)
	}

	// strip fragment
	if idx := strings.Index(rest, "#"); idx >= 0 {
		rest = rest[:idx]
	}
	// split off path/query before touching the authority component; the
	// authority ends at whichever of '/' or '?' comes first, since a query
	// string can appear with no preceding path segment (e.g. "host?x=1").
	authority := rest
	pathAndQuery := ""
	idx := strings.IndexAny(rest, "/?")
	if idx >= 0 {
		authority = rest[:idx]
		pathAndQuery = rest[idx:]
	}
	// strip user:password@
	if idx := strings.LastIndex(authority, "@"); idx >= 0 {
		authority = authority[idx+1:]
	}
	authority = strings.ToLower(authority)
	authority = strings.TrimPrefix(authority, "www.")

	host, port := splitHostPort(authority)
	defaultPort := "443"
	if scheme == "ws" {
		defaultPort = "80"
	}
	if port == defaultPort {
		authority = host
	}

	// ensure path ends with '/', inserting it before any '?query' if missing.
	path := pathAndQuery
	if path == "" {
		path = "/"
	} else if path[0] == '?' {
		path = "/" + path
	} else if qIdx := strings.IndexByte(path, '?'); qIdx >= 0 {
		if path[qIdx-1] != '/' {
			path = path[:qIdx] + "/" + path[qIdx:]
		}
	} else if !strings.HasSuffix(path, "/") {
		path += "/"
	}

	return scheme + "://" + authority + path, nil
}

func splitHostPort(authority string) (host, port string) {
	// bracketed IPv6 literal, e.g. [::1]:4848
	if strings.HasPrefix(authority, "[") {
		if end := strings.Index(authority, "]"); end >= 0 {
			host = authority[:end+1]
			if len(authority) > end+1 && authority[end+1] == ':' {
				port = authority[end+2:]
			}
			return host, port
		}
	}
	if idx := strings.LastIndex(authority, ":"); idx >= 0 {
		return authority[:idx], authority[idx+1:]
	}
	return authority, ""
}
