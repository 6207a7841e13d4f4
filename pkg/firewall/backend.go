package firewall

import (
	"context"
	"strings"

	"github.com/zeroharbor/guardian/pkg/types"
)

// detectScript echoes IPTABLES, NFT, or nothing. iptables (any
// flavor) wins over native nft because the companion set tool gives
// bulk restore.
const detectScript = `BACKEND=""
IPT=$(command -v iptables-nft || command -v iptables || command -v iptables-legacy || true)
if [ -n "$IPT" ]; then BACKEND="IPTABLES"; fi
if [ -z "$BACKEND" ] && command -v nft >/dev/null 2>&1; then BACKEND="NFT"; fi
echo "$BACKEND"`

// detectBackend probes the node's firewall toolchain. The result is
// cached by the enforcer for the process lifetime.
func (e *Enforcer) detectBackend(ctx context.Context, node types.NodeSpec) types.Backend {
	e.mu.Lock()
	if b, ok := e.backends[node.Key()]; ok {
		e.mu.Unlock()
		return b
	}
	e.mu.Unlock()

	res := e.runner.Run(ctx, node, "sh -lc "+shellQuote(detectScript), 0)
	backend := parseBackend(res.Output)
	if !res.Ok() {
		// probe itself failed; do not cache so the next call retries
		e.logger.Warn().
			Str("node", node.Name).
			Int("rc", res.ExitCode).
			Msg("backend detection failed")
		return types.BackendUnknown
	}

	e.mu.Lock()
	e.backends[node.Key()] = backend
	e.mu.Unlock()

	if backend == types.BackendNone {
		e.logger.Error().Str("node", node.Name).Msg("no firewall backend available, enforcement disabled")
	} else {
		e.logger.Info().Str("node", node.Name).Str("backend", string(backend)).Msg("firewall backend detected")
	}
	return backend
}

func parseBackend(out []byte) types.Backend {
	lines := strings.Fields(string(out))
	token := ""
	if len(lines) > 0 {
		token = lines[len(lines)-1]
	}
	switch token {
	case "IPTABLES":
		return types.BackendIPTables
	case "NFT":
		return types.BackendNFT
	default:
		return types.BackendNone
	}
}
