package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// forwardInterval is the minimum gap between repeated forwards of the
// same message.
const forwardInterval = 20 * time.Second

// ForwardHook is a zerolog hook that mirrors warn-and-above records to
// the operator channel, rate-limited per message so a flapping node
// cannot flood the chat.
type ForwardHook struct {
	notifier *Notifier

	mu   sync.Mutex
	last map[string]time.Time
}

// NewForwardHook creates the hook
func NewForwardHook(notifier *Notifier) *ForwardHook {
	return &ForwardHook{
		notifier: notifier,
		last:     make(map[string]time.Time),
	}
}

// Run implements zerolog.Hook
func (h *ForwardHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.WarnLevel || message == "" || !h.notifier.Enabled() {
		return
	}

	h.mu.Lock()
	now := time.Now()
	if last, ok := h.last[message]; ok && now.Sub(last) < forwardInterval {
		h.mu.Unlock()
		return
	}
	h.last[message] = now
	// opportunistic cleanup so the map stays bounded
	if len(h.last) > 512 {
		for k, t := range h.last {
			if now.Sub(t) > 10*forwardInterval {
				delete(h.last, k)
			}
		}
	}
	h.mu.Unlock()

	prefix := "⚠️ "
	if level >= zerolog.ErrorLevel {
		prefix = "🛑 "
	}
	go h.notifier.Send(prefix + message)
}
