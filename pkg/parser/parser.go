// Package parser extracts (user, address, inbound) tuples from xray
// accepted-connection log lines.
package parser

import (
	"regexp"
	"strings"
)

// Sample line:
//
//	from tcp:203.0.113.5:48290 accepted tcp:example.com:443 [VMESS_TCP -> IPv4] email: 42.alice
var rx = regexp.MustCompile(
	`(?i)from\s+(?:tcp:|udp:)?` +
		`(?:\[(?P<ipv6>[0-9a-fA-F:]+)\]|(?P<ipv4>\d{1,3}(?:\.\d{1,3}){3})):(?P<port>\d+)` +
		`.*?\baccepted\b.*?\[(?P<bracket>[^\]]+)\].*?\bemail:\s*(?P<email>\S+)`)

var (
	idxIPv6    = rx.SubexpIndex("ipv6")
	idxIPv4    = rx.SubexpIndex("ipv4")
	idxBracket = rx.SubexpIndex("bracket")
	idxEmail   = rx.SubexpIndex("email")
)

// Tuple is one parsed accepted-connection event
type Tuple struct {
	User    string
	Address string
	Inbound string
}

// Relevant is the fast-path filter: lines without both tokens can never
// parse and are skipped without running the regex.
func Relevant(line string) bool {
	return strings.Contains(line, "accepted") && strings.Contains(line, "email:")
}

// Parse extracts the tuple from one log line. The second return is
// false when any field is missing; malformed input never panics.
func Parse(line string) (Tuple, bool) {
	m := rx.FindStringSubmatch(line)
	if m == nil {
		return Tuple{}, false
	}
	addr := m[idxIPv4]
	if addr == "" {
		addr = m[idxIPv6]
	}
	user := m[idxEmail]
	inbound := inboundFromBracket(m[idxBracket])
	if addr == "" || user == "" || inbound == "" {
		return Tuple{}, false
	}
	return Tuple{User: user, Address: addr, Inbound: inbound}, true
}

// inboundFromBracket reduces "[VMESS_TCP -> IPv4]" content to the
// inbound label left of the first -> or >>.
func inboundFromBracket(s string) string {
	if i := strings.Index(s, "->"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, ">>"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "default"
	}
	return s
}

// DisplayUser trims the numeric account prefix from a user identifier
// for operator-facing messages ("42.alice" becomes "alice"). The raw
// identifier stays the tracking key.
func DisplayUser(user string) string {
	first, rest, ok := strings.Cut(user, ".")
	if !ok || first == "" || rest == "" {
		return user
	}
	for _, r := range first {
		if r < '0' || r > '9' {
			return user
		}
	}
	return rest
}
