package remote

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/types"
)

var fingerprintRx = regexp.MustCompile(`SHA256:[A-Za-z0-9+/=]+`)

func hostKeyMismatch(out []byte) bool {
	return bytes.Contains(out, []byte("IDENTIFICATION HAS CHANGED"))
}

// hostKeyGuard clears a rotated host key from known_hosts at most once
// per host for the process lifetime. Later mismatches surface as
// connectivity failures.
type hostKeyGuard struct {
	mu      sync.Mutex
	cleared map[string]bool
}

func newHostKeyGuard() *hostKeyGuard {
	return &hostKeyGuard{cleared: make(map[string]bool)}
}

// clearOnce removes the stale entry and reports whether a retry is
// warranted. Returns false when this host was already cleared before.
func (g *hostKeyGuard) clearOnce(node types.NodeSpec, logger zerolog.Logger) bool {
	g.mu.Lock()
	if g.cleared[node.Host] {
		g.mu.Unlock()
		return false
	}
	g.cleared[node.Host] = true
	g.mu.Unlock()

	logger.Warn().
		Str("node", node.Name).
		Str("host", node.Host).
		Msg("host key rotated, clearing known_hosts entry")

	if err := removeKnownHost(node.Host); err != nil {
		logger.Error().
			Str("host", node.Host).
			Err(err).
			Msg("failed to remove known_hosts entry")
		return false
	}
	return true
}

// removeKnownHost deletes every known_hosts entry for host.
// ssh-keygen -R handles hashed entries; a manual pass catches
// comma-joined aliases it can miss.
func removeKnownHost(host string) error {
	cmd := exec.Command("ssh-keygen", "-R", host)
	if err := cmd.Run(); err != nil {
		return err
	}
	filterKnownHostsFile(knownHostsPath(), host)
	return nil
}

func knownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/root/.ssh/known_hosts"
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func filterKnownHostsFile(path, host string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	pattern := regexp.MustCompile(`(^|,)` + regexp.QuoteMeta(host) + `(,|\s)`)
	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if pattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	// best-effort rewrite
	_ = os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o600)
}

// Fingerprint extracts the SHA256 fingerprint from ssh output, or
// "unknown" when absent.
func Fingerprint(out []byte) string {
	if m := fingerprintRx.Find(out); m != nil {
		return string(m)
	}
	return "unknown"
}

func containsLine(out []byte, needle string) bool {
	return bytes.Contains(out, []byte(needle))
}

func outputTail(out []byte, n int) string {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "<empty>"
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "; ")
}
