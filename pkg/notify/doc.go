// Package notify is the operator channel: Telegram outbound messages
// with ban-event coalescing, a warn-level log forwarder, and the
// long-poll control plane for live inspection and unban.
package notify
