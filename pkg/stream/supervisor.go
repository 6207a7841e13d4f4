package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/metrics"
	"github.com/zeroharbor/guardian/pkg/remote"
	"github.com/zeroharbor/guardian/pkg/types"
)

const (
	// relaunchPause separates consecutive stream attachments
	relaunchPause = 4 * time.Second
	// shortUptime marks a stream death as part of a failure streak
	shortUptime = 10 * time.Second
)

// Supervisor attaches to the proxy's log stream on one node and keeps
// it attached across process and container restarts. Classified lines
// are delivered on Lines; the channel closes when Run returns.
type Supervisor struct {
	node   types.NodeSpec
	runner *remote.Runner
	logger zerolog.Logger
	out    chan types.StreamLine

	failureStreak int
	diagCounter   int
	lastDiag      time.Time
}

// NewSupervisor creates a supervisor for one node
func NewSupervisor(node types.NodeSpec, runner *remote.Runner) *Supervisor {
	return &Supervisor{
		node:   node,
		runner: runner,
		logger: log.WithNode(node.Name),
		out:    make(chan types.StreamLine, 256),
	}
}

// Lines is the supervisor's output channel
func (s *Supervisor) Lines() <-chan types.StreamLine {
	return s.out
}

// Run drives the outer attach loop until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.out)

	probeBackoff := backoff.NewExponentialBackOff()
	probeBackoff.InitialInterval = 2 * time.Second
	probeBackoff.MaxInterval = 30 * time.Second
	probeBackoff.MaxElapsedTime = 0

	for ctx.Err() == nil {
		if s.failureStreak > 0 {
			if !s.runner.Probe(ctx, s.node) {
				s.failureStreak++
				if !sleepCtx(ctx, probeBackoff.NextBackOff()) {
					return
				}
				continue
			}
			probeBackoff.Reset()
			s.diagnoseDocker(ctx)
		}

		s.attachOnce(ctx)

		if !sleepCtx(ctx, relaunchPause) {
			return
		}
	}
}

// attachOnce launches one remote stream session and pumps it until it
// ends. Failure streak accounting follows the session's uptime.
func (s *Supervisor) attachOnce(ctx context.Context) {
	script := buildScript(s.node.Container)
	session, err := s.runner.Stream(ctx, s.node, "sh -lc "+shellQuote(script))
	if err != nil {
		s.failureStreak++
		s.logger.Error().Err(err).Msg("failed to spawn log stream")
		return
	}

	start := time.Now()
	metrics.StreamAttachesTotal.WithLabelValues(s.node.Name).Inc()

	for line := range session.Lines {
		sl := Classify(line)
		switch sl.Sentinel {
		case types.SentinelFDUnreadable:
			s.maybeDiagnose(ctx)
		case types.SentinelFollow:
			s.diagCounter = 0
		case types.SentinelNone:
			if s.runner.DetectHostKeyMismatch(s.node, line) {
				// stale transport; break out to retry on the new key
				session.Kill()
			}
		}
		if !s.emit(ctx, sl) {
			session.Kill()
			break
		}
	}

	rc := session.Wait()
	uptime := time.Since(start)
	if uptime < shortUptime {
		s.failureStreak++
	} else {
		s.failureStreak = 0
	}
	if rc != 0 {
		if rc == 255 {
			s.logger.Error().
				Int("rc", rc).
				Dur("uptime", uptime).
				Msg("ssh session ended (auth/network)")
		} else {
			s.logger.Warn().
				Int("rc", rc).
				Dur("uptime", uptime).
				Msg("log stream wrapper ended")
		}
	}
	metrics.StreamRestartsTotal.WithLabelValues(s.node.Name).Inc()

	s.emit(ctx, types.StreamLine{
		Sentinel: types.SentinelStreamExit,
		Text:     fmt.Sprintf("log_stream_exit rc=%d", rc),
	})
}

func (s *Supervisor) emit(ctx context.Context, line types.StreamLine) bool {
	select {
	case s.out <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

// maybeDiagnose runs a descriptor diagnostic at escalating milestones
func (s *Supervisor) maybeDiagnose(ctx context.Context) {
	s.diagCounter++
	switch s.diagCounter {
	case 5, 15, 30:
	default:
		return
	}
	if time.Since(s.lastDiag) < 10*time.Second {
		return
	}
	s.lastDiag = time.Now()
	res := s.runner.Run(ctx, s.node, "sh -lc "+shellQuote(diagScript), 8*time.Second)
	s.logger.Warn().
		Int("rc", res.ExitCode).
		Str("out", strings.TrimSpace(string(res.Output))).
		Msg("fd_unreadable diagnostics")
}

func (s *Supervisor) diagnoseDocker(ctx context.Context) {
	res := s.runner.Run(ctx, s.node,
		"sh -lc \"command -v docker >/dev/null 2>&1 || echo __NO_DOCKER__; docker ps --format '{{.Names}}' 2>/dev/null | head -20\"",
		20*time.Second)
	text := strings.TrimSpace(string(res.Output))
	if !res.Ok() {
		s.logger.Error().Int("rc", res.ExitCode).Str("out", text).Msg("docker check failed")
		return
	}
	if strings.Contains(text, "__NO_DOCKER__") {
		s.logger.Error().Msg("docker not installed")
		return
	}
	s.logger.Debug().Str("containers", strings.Join(strings.Fields(text), " ")).Msg("docker containers")
}

// Classify turns a raw session line into a StreamLine, recognizing the
// control sentinels emitted by the remote script.
func Classify(line string) types.StreamLine {
	if !strings.HasPrefix(line, marker) {
		return types.StreamLine{Sentinel: types.SentinelNone, Text: line}
	}
	msg := strings.TrimSpace(strings.TrimPrefix(line, marker))
	switch {
	case strings.HasPrefix(msg, "attach"):
		return types.StreamLine{Sentinel: types.SentinelAttach, Text: msg}
	case strings.HasPrefix(msg, "follow pid="):
		return types.StreamLine{Sentinel: types.SentinelFollow, Text: msg}
	case strings.HasPrefix(msg, "no_docker"):
		return types.StreamLine{Sentinel: types.SentinelNoDocker, Text: msg}
	case strings.HasPrefix(msg, "no_container"):
		return types.StreamLine{Sentinel: types.SentinelNoContainer, Text: msg}
	case strings.HasPrefix(msg, "no_xray_process"):
		return types.StreamLine{Sentinel: types.SentinelNoProcess, Text: msg}
	case strings.HasPrefix(msg, "fd_unreadable"):
		return types.StreamLine{Sentinel: types.SentinelFDUnreadable, Text: msg}
	case strings.HasPrefix(msg, "log_stream_exit"):
		return types.StreamLine{Sentinel: types.SentinelStreamExit, Text: msg}
	default:
		// unknown control chatter stays visible to the watcher
		return types.StreamLine{Sentinel: types.SentinelNone, Text: line}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
