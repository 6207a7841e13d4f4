package firewall

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/zeroharbor/guardian/pkg/types"
)

const (
	// SetV4 and SetV6 are the timed address sets, named identically
	// across the fleet.
	SetV4 = "guardian_ban"
	SetV6 = "guardian_ban6"

	// setCapacity bounds the kernel sets
	setCapacity = 1048576
)

// sudoPrelude resolves to a $SUDO prefix usable for non-root logins
const sudoPrelude = `SUDO=""; if [ "$(id -u)" != 0 ]; then if command -v sudo >/dev/null 2>&1; then SUDO="sudo"; fi; fi`

// resolveIPT picks whichever iptables flavor is installed
const resolveIPT = `IPT=$(command -v iptables-nft || command -v iptables || command -v iptables-legacy || true)
IPT6=$(command -v ip6tables-nft || command -v ip6tables || command -v ip6tables-legacy || true)`

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// conntrackFlush drops tracked connections for addr in both
// directions so established flows are not grandfathered past the drop
// rule.
func conntrackFlush(addr string) string {
	q := shellQuote(addr)
	return fmt.Sprintf(`if command -v conntrack >/dev/null 2>&1; then
conntrack -D -s %s >/dev/null 2>&1 || true
conntrack -D -d %s >/dev/null 2>&1 || true
fi`, q, q)
}

// iptablesRules emits the three enforcement rules for one (tool,
// chain, set) combination: TCP reject with reset, UDP reject with
// port-unreachable, final drop. Each is check-then-insert so repeated
// ensure calls never duplicate; rules are inserted at the top in
// reverse so the drop ends up after the two rejects.
func iptablesRules(tool, chain, set, udpReject string) string {
	var b strings.Builder
	rules := []string{
		fmt.Sprintf("-p tcp -m set --match-set %s src -j REJECT --reject-with tcp-reset", set),
		fmt.Sprintf("-p udp -m set --match-set %s src -j REJECT --reject-with %s", set, udpReject),
		fmt.Sprintf("-m set --match-set %s src -j DROP", set),
	}
	for i := len(rules) - 1; i >= 0; i-- {
		rule := rules[i]
		fmt.Fprintf(&b, "$%s -C %s %s 2>/dev/null || $SUDO $%s -I %s 1 %s\n",
			tool, chain, rule, tool, chain, rule)
	}
	return b.String()
}

// buildEnsureScript installs the timed sets and enforcement rules for
// one backend. Idempotent: sets are created with -exist /
// list-then-add, rules are check-then-insert. Chain preference is the
// container runtime's DOCKER-USER chain when present, else the top of
// INPUT and FORWARD.
func buildEnsureScript(backend types.Backend) string {
	switch backend {
	case types.BackendIPTables:
		return buildEnsureIPTables()
	case types.BackendNFT:
		return buildEnsureNFT()
	default:
		return "true"
	}
}

func buildEnsureIPTables() string {
	var b strings.Builder
	b.WriteString(sudoPrelude + "\n")
	b.WriteString(resolveIPT + "\n")
	b.WriteString(`( command -v ipset >/dev/null 2>&1 ) || \
  ( $SUDO apt-get update -y >/dev/null 2>&1 && $SUDO apt-get install -y ipset >/dev/null 2>&1 ) || \
  ( $SUDO apk add --no-cache ipset >/dev/null 2>&1 ) || \
  ( $SUDO yum install -y ipset >/dev/null 2>&1 ) || true
[ -z "$IPT" ] && exit 61
`)
	fmt.Fprintf(&b, "$SUDO ipset create %s hash:ip timeout 0 maxelem %d -exist\n", SetV4, setCapacity)
	fmt.Fprintf(&b, "$SUDO ipset create %s hash:ip family inet6 timeout 0 maxelem %d -exist\n", SetV6, setCapacity)

	b.WriteString(`if $IPT -S DOCKER-USER >/dev/null 2>&1; then
`)
	b.WriteString(indent(iptablesRules("IPT", "DOCKER-USER", SetV4, "icmp-port-unreachable"), "  "))
	b.WriteString(`else
`)
	b.WriteString(indent(iptablesRules("IPT", "INPUT", SetV4, "icmp-port-unreachable"), "  "))
	b.WriteString(indent(iptablesRules("IPT", "FORWARD", SetV4, "icmp-port-unreachable"), "  "))
	b.WriteString(`fi
if [ -n "$IPT6" ]; then
  if $IPT6 -S DOCKER-USER >/dev/null 2>&1; then
`)
	b.WriteString(indent(iptablesRules("IPT6", "DOCKER-USER", SetV6, "icmp6-port-unreachable"), "    "))
	b.WriteString(`  else
`)
	b.WriteString(indent(iptablesRules("IPT6", "INPUT", SetV6, "icmp6-port-unreachable"), "    "))
	b.WriteString(indent(iptablesRules("IPT6", "FORWARD", SetV6, "icmp6-port-unreachable"), "    "))
	b.WriteString(`  fi
fi
true`)
	return b.String()
}

func buildEnsureNFT() string {
	var b strings.Builder
	b.WriteString(sudoPrelude + "\n")
	b.WriteString(`$SUDO nft list table inet filter >/dev/null 2>&1 || $SUDO nft add table inet filter
if ! $SUDO nft list chain inet filter DOCKER-USER >/dev/null 2>&1; then
  $SUDO nft list chain inet filter input >/dev/null 2>&1 || $SUDO nft add chain inet filter input '{ type filter hook input priority 0; }'
  $SUDO nft list chain inet filter forward >/dev/null 2>&1 || $SUDO nft add chain inet filter forward '{ type filter hook forward priority 0; }'
fi
`)
	fmt.Fprintf(&b, "$SUDO nft list set inet filter %s >/dev/null 2>&1 || $SUDO nft add set inet filter %s '{ type ipv4_addr; size %d; timeout 0s; flags timeout; }'\n", SetV4, SetV4, setCapacity)
	fmt.Fprintf(&b, "$SUDO nft list set inet filter %s >/dev/null 2>&1 || $SUDO nft add set inet filter %s '{ type ipv6_addr; size %d; timeout 0s; flags timeout; }'\n", SetV6, SetV6, setCapacity)
	b.WriteString(`if $SUDO nft list chain inet filter DOCKER-USER >/dev/null 2>&1; then CHAINS="DOCKER-USER"; else CHAINS="input forward"; fi
for CH in $CHAINS; do
`)
	fmt.Fprintf(&b, "  RS=$($SUDO nft list chain inet filter $CH 2>/dev/null)\n")
	nftRules := []struct{ set, match, action, probe string }{
		{SetV4, "ip saddr @" + SetV4, "meta l4proto tcp reject with tcp reset", "tcp reject"},
		{SetV4, "ip saddr @" + SetV4, "meta l4proto udp reject", "udp reject"},
		{SetV4, "ip saddr @" + SetV4, "drop", "drop"},
		{SetV6, "ip6 saddr @" + SetV6, "meta l4proto tcp reject with tcp reset", "tcp reject"},
		{SetV6, "ip6 saddr @" + SetV6, "meta l4proto udp reject", "udp reject"},
		{SetV6, "ip6 saddr @" + SetV6, "drop", "drop"},
	}
	// insert rule puts each rule at the top, so go in reverse to keep
	// each family's drop after its rejects
	for i := len(nftRules) - 1; i >= 0; i-- {
		r := nftRules[i]
		fmt.Fprintf(&b, "  echo \"$RS\" | grep -q %s || $SUDO nft insert rule inet filter $CH %s %s\n",
			shellQuote("@"+r.set+" .*"+r.probe), r.match, r.action)
	}
	b.WriteString(`done
true`)
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}

// buildVerifyScript lists sets and rules and prints one fixture line
// per expectation; the enforcer checks them all before caching the
// node as ensured.
func buildVerifyScript(backend types.Backend) string {
	switch backend {
	case types.BackendIPTables:
		return sudoPrelude + "\n" + resolveIPT + "\n" + fmt.Sprintf(`$SUDO ipset list -n 2>/dev/null | grep -qx %s && echo SET_V4_OK
$SUDO ipset list -n 2>/dev/null | grep -qx %s && echo SET_V6_OK
{ $IPT -S DOCKER-USER 2>/dev/null; $IPT -S INPUT 2>/dev/null; $IPT -S FORWARD 2>/dev/null; } | grep -q -- "--match-set %s" && echo RULES_V4_OK
true`, SetV4, SetV6, SetV4)
	case types.BackendNFT:
		return sudoPrelude + "\n" + fmt.Sprintf(`$SUDO nft list set inet filter %s >/dev/null 2>&1 && echo SET_V4_OK
$SUDO nft list set inet filter %s >/dev/null 2>&1 && echo SET_V6_OK
$SUDO nft list ruleset 2>/dev/null | grep -q '@%s' && echo RULES_V4_OK
true`, SetV4, SetV6, SetV4)
	default:
		return "true"
	}
}

// banItem is one pending address drained into a batch
type banItem struct {
	addr     string
	ttl      time.Duration
	enqueued time.Time
}

// buildBatchScript builds the single remote command applying a drained
// batch. The iptables branch feeds a restore-format payload to ipset's
// bulk mode; the nft branch refreshes TTLs by delete-then-add. Both
// flush conntrack for every address in the batch.
func buildBatchScript(backend types.Backend, items []banItem) string {
	var b strings.Builder
	b.WriteString(sudoPrelude + "\n")

	switch backend {
	case types.BackendIPTables:
		b.WriteString("$SUDO ipset restore <<'GUARDIAN_EOF'\n")
		for _, it := range items {
			set := SetV4
			if types.IsIPv6(it.addr) {
				set = SetV6
			}
			fmt.Fprintf(&b, "add %s %s timeout %d -exist\n", set, it.addr, int(it.ttl.Seconds()))
		}
		b.WriteString("GUARDIAN_EOF\n")

	case types.BackendNFT:
		// delete first so re-adding refreshes the element TTL
		for _, it := range items {
			set := SetV4
			if types.IsIPv6(it.addr) {
				set = SetV6
			}
			fmt.Fprintf(&b, "$SUDO nft delete element inet filter %s '{ %s }' 2>/dev/null || true\n", set, it.addr)
		}
		for _, group := range groupBySetAndTTL(items) {
			fmt.Fprintf(&b, "$SUDO nft add element inet filter %s '{ %s }'\n", group.set, group.elements)
		}
	}

	for _, it := range items {
		b.WriteString(conntrackFlush(it.addr) + "\n")
	}
	b.WriteString("true")
	return b.String()
}

type elementGroup struct {
	set      string
	elements string
}

// groupBySetAndTTL joins same-TTL elements into one comma-separated
// add, deterministically ordered for stable batches.
func groupBySetAndTTL(items []banItem) []elementGroup {
	type key struct {
		set  string
		secs int
	}
	grouped := map[key][]string{}
	var order []key
	for _, it := range items {
		set := SetV4
		if types.IsIPv6(it.addr) {
			set = SetV6
		}
		k := key{set: set, secs: int(it.ttl.Seconds())}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], fmt.Sprintf("%s timeout %ds", it.addr, k.secs))
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].set != order[j].set {
			return order[i].set < order[j].set
		}
		return order[i].secs < order[j].secs
	})
	groups := make([]elementGroup, 0, len(order))
	for _, k := range order {
		groups = append(groups, elementGroup{set: k.set, elements: strings.Join(grouped[k], ", ")})
	}
	return groups
}

// buildBanScript adds one address and confirms membership; the caller
// looks for the TEST_FAIL marker.
func buildBanScript(backend types.Backend, addr string, ttl time.Duration) string {
	set := SetV4
	isV6 := types.IsIPv6(addr)
	if isV6 {
		set = SetV6
	}
	q := shellQuote(addr)
	secs := int(ttl.Seconds())

	var b strings.Builder
	b.WriteString(sudoPrelude + "\n")
	switch backend {
	case types.BackendIPTables:
		family := ""
		if isV6 {
			family = " family inet6"
		}
		fmt.Fprintf(&b, "( command -v ipset >/dev/null 2>&1 ) || exit 62\n")
		fmt.Fprintf(&b, "$SUDO ipset create %s hash:ip%s timeout 0 maxelem %d -exist\n", set, family, setCapacity)
		fmt.Fprintf(&b, "$SUDO ipset add %s %s timeout %d -exist\n", set, q, secs)
		b.WriteString(conntrackFlush(addr) + "\n")
		fmt.Fprintf(&b, "$SUDO ipset test %s %s >/dev/null 2>&1 || echo __TEST_FAIL__\n", set, q)
	case types.BackendNFT:
		fmt.Fprintf(&b, "$SUDO nft delete element inet filter %s '{ %s }' 2>/dev/null || true\n", set, addr)
		fmt.Fprintf(&b, "$SUDO nft add element inet filter %s '{ %s timeout %ds }' || echo __TEST_FAIL__\n", set, addr, secs)
		b.WriteString(conntrackFlush(addr) + "\n")
		fmt.Fprintf(&b, "$SUDO nft get element inet filter %s '{ %s }' >/dev/null 2>&1 || echo __TEST_FAIL__\n", set, addr)
	default:
		b.WriteString("echo __TEST_FAIL__\n")
	}
	b.WriteString("true")
	return b.String()
}

// buildUnbanScript removes one address from its family set, safe when
// the set is absent.
func buildUnbanScript(backend types.Backend, addr string) string {
	set := SetV4
	if types.IsIPv6(addr) {
		set = SetV6
	}
	q := shellQuote(addr)

	var b strings.Builder
	b.WriteString(sudoPrelude + "\n")
	switch backend {
	case types.BackendIPTables:
		fmt.Fprintf(&b, "(command -v ipset >/dev/null 2>&1) && $SUDO ipset del %s %s 2>/dev/null || true\n", set, q)
	case types.BackendNFT:
		fmt.Fprintf(&b, "$SUDO nft list set inet filter %s >/dev/null 2>&1 && $SUDO nft delete element inet filter %s '{ %s }' 2>/dev/null || true\n", set, set, addr)
	}
	b.WriteString(conntrackFlush(addr) + "\n")
	b.WriteString("true")
	return b.String()
}

// buildMembershipScript tests addr's presence in its family set
func buildMembershipScript(backend types.Backend, addr string) string {
	set := SetV4
	if types.IsIPv6(addr) {
		set = SetV6
	}
	switch backend {
	case types.BackendIPTables:
		return fmt.Sprintf("ipset test %s %s >/dev/null 2>&1", set, shellQuote(addr))
	case types.BackendNFT:
		return fmt.Sprintf("nft get element inet filter %s '{ %s }' >/dev/null 2>&1", set, addr)
	default:
		return "false"
	}
}

// buildFlushScript empties both family sets (fleet-wide unban-all)
func buildFlushScript(backend types.Backend) string {
	switch backend {
	case types.BackendIPTables:
		return sudoPrelude + "\n" + fmt.Sprintf("$SUDO ipset flush %s 2>/dev/null || true\n$SUDO ipset flush %s 2>/dev/null || true\ntrue", SetV4, SetV6)
	case types.BackendNFT:
		return sudoPrelude + "\n" + fmt.Sprintf("$SUDO nft flush set inet filter %s 2>/dev/null || true\n$SUDO nft flush set inet filter %s 2>/dev/null || true\ntrue", SetV4, SetV6)
	default:
		return "true"
	}
}

// buildStatusScript prints parseable status fixture lines
func buildStatusScript(backend types.Backend) string {
	switch backend {
	case types.BackendIPTables:
		return sudoPrelude + "\n" + resolveIPT + "\n" + fmt.Sprintf(`$SUDO ipset list -n 2>/dev/null | grep -qx %s && echo set_v4=1
$SUDO ipset list -n 2>/dev/null | grep -qx %s && echo set_v6=1
$IPT -S DOCKER-USER 2>/dev/null | grep -q -- "--match-set %s" && echo chain_DOCKER-USER=1
$IPT -S INPUT 2>/dev/null | grep -q -- "--match-set %s" && echo chain_INPUT=1
$IPT -S FORWARD 2>/dev/null | grep -q -- "--match-set %s" && echo chain_FORWARD=1
true`, SetV4, SetV6, SetV4, SetV4, SetV4)
	case types.BackendNFT:
		return sudoPrelude + "\n" + fmt.Sprintf(`$SUDO nft list set inet filter %s >/dev/null 2>&1 && echo set_v4=1
$SUDO nft list set inet filter %s >/dev/null 2>&1 && echo set_v6=1
$SUDO nft list chain inet filter DOCKER-USER 2>/dev/null | grep -q '@%s' && echo chain_DOCKER-USER=1
$SUDO nft list chain inet filter input 2>/dev/null | grep -q '@%s' && echo chain_input=1
$SUDO nft list chain inet filter forward 2>/dev/null | grep -q '@%s' && echo chain_forward=1
true`, SetV4, SetV6, SetV4, SetV4, SetV4)
	default:
		return "true"
	}
}
