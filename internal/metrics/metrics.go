// Package metrics exposes the subsystem's operational counters. Because
// background sync failures are swallowed by design, these counters (and
// the error-level logs next to them) are the only way failures become
// visible; they are meant to be alerted on.
package metrics

import (
	"fmt"
	"io"

	vm "github.com/VictoriaMetrics/metrics"
)

// IncEventOutcome counts one domain event handler run by its outcome
// (applied, skipped_noop, skipped_error).
func IncEventOutcome(handler, outcome string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`roomsync_event_outcome_total{handler=%q,outcome=%q}`, handler, outcome)).Inc()
}

// IncExternalFailure counts a failed external chat backend call by
// operation and error class.
func IncExternalFailure(op, class string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`roomsync_external_failure_total{op=%q,class=%q}`, op, class)).Inc()
}

// IncStaleRoomRecovery counts stale-room recovery attempts.
func IncStaleRoomRecovery() {
	vm.GetOrCreateCounter(`roomsync_stale_room_recovery_total`).Inc()
}

// IncRoomCreated counts external room creations by kind.
func IncRoomCreated(kind string) {
	vm.GetOrCreateCounter(fmt.Sprintf(`roomsync_room_created_total{kind=%q}`, kind)).Inc()
}

// WritePrometheus dumps all counters in Prometheus text format.
func WritePrometheus(w io.Writer) {
	vm.WritePrometheus(w, true)
}
