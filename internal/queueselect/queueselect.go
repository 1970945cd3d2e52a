// Package queueselect implements the deterministic routing-key → queue
// index mapping used to pin related messages to one queue: a hash of the
// routing key modulo the current write-queue count. xxhash was already an
// indirect dependency (pulled in transitively by prometheus/client_golang);
// this package promotes it to direct use so the same hash family backs
// both metrics labels and routing decisions.
package queueselect

import "github.com/cespare/xxhash/v2"

// Select returns the index in [0, queueCount) that routingKey maps to.
// Equal keys always map to equal indices for a fixed queueCount, so the
// same session id always pins to the same queue. queueCount must be > 0.
func Select(routingKey string, queueCount int) int {
	if queueCount <= 0 {
		return 0
	}
	sum := xxhash.Sum64String(routingKey)
	return int(sum % uint64(queueCount))
}
