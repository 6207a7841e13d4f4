package stream

import (
	"fmt"
	"strings"
)

// marker prefixes every control line emitted by the remote script
const marker = "[guardian-stream]"

// shellQuote wraps s in single quotes for POSIX sh
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// buildScript returns the remote shell script that locates the proxy
// process inside the target container and streams its stdout/stderr
// through the in-container /proc filesystem. The inner loop keeps
// retrying when the process is absent or its descriptors are
// unreadable, announcing each state through marker sentinels.
//
// When the configured container is missing, any container whose
// process list contains xray is adopted instead.
func buildScript(container string) string {
	return fmt.Sprintf(`SUDO=""; if [ "$(id -u)" != 0 ]; then if command -v sudo >/dev/null 2>&1; then SUDO="sudo"; fi; fi
if ! command -v docker >/dev/null 2>&1; then echo '%[1]s no_docker'; exit 41; fi
TARGET=%[2]s
if ! $SUDO docker inspect "$TARGET" >/dev/null 2>&1; then
  for c in $($SUDO docker ps --format '{{.Names}}' 2>/dev/null); do
    if $SUDO docker exec "$c" sh -lc 'command -v pgrep >/dev/null 2>&1 && pgrep -xo xray >/dev/null 2>&1 || ps | grep -i \bxray\b | grep -v grep >/dev/null 2>&1'; then TARGET="$c"; break; fi
  done
fi
if ! $SUDO docker inspect "$TARGET" >/dev/null 2>&1; then echo '%[1]s no_container'; exit 42; fi
echo '%[1]s attach container='$TARGET
exec $SUDO docker exec -i "$TARGET" sh -c 'if ! command -v pgrep >/dev/null 2>&1; then (apk add --no-cache procps 2>/dev/null || (apt-get update -y >/dev/null 2>&1 && apt-get install -y procps >/dev/null 2>&1) || yum install -y procps-ng >/dev/null 2>&1 || true); fi; while true; do if command -v pgrep >/dev/null 2>&1; then pid=$(pgrep -xo xray); else pid=$(ps | grep -i \bxray\b | grep -v grep | awk "{print $1; exit}"); fi; if [ -z "$pid" ]; then echo "%[1]s no_xray_process"; sleep 2; continue; fi; if [ ! -r /proc/$pid/fd/1 ]; then echo "%[1]s fd_unreadable pid=$pid"; sleep 2; continue; fi; echo "%[1]s follow pid=$pid"; cat /proc/$pid/fd/1 /proc/$pid/fd/2 2>/dev/null || true; sleep 1; done'`,
		marker, shellQuote(container))
}

// diagScript reports descriptor permissions for the proxy process,
// used when fd_unreadable repeats.
const diagScript = `pid=$(pgrep -xo xray || ps | grep -i \bxray\b | grep -v grep | awk '{print $1;exit}'); if [ -n "$pid" ]; then echo '[guardian-diag] ls_fd:'; ls -l /proc/$pid/fd 2>/dev/null | head -20; echo '[guardian-diag] stat_fd1:'; stat /proc/$pid/fd/1 2>/dev/null || true; fi`
