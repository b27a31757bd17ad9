package queue

import "strings"

// Broker-level naming convention. External tooling (queue dumpers, the
// configure command, recovery scripts) depends on these exact suffixes, so
// each helper appends only a hyphen and a single word.

// DefaultRoutingKey is used for every binding and publish on output
// exchanges. Fan-out is decided by exchange type, not routing keys.
const DefaultRoutingKey = "default"

// InputQueue returns the input queue name for a worker.
func InputQueue(worker string) string { return worker + "-in" }

// OutputExchange returns the output exchange name for a worker. The exchange
// fans out to zero or more downstream input queues.
func OutputExchange(worker string) string { return worker + "-out" }

// QuarantineQueue returns the quarantine queue name for a worker. One
// quarantine queue per worker makes it obvious where a problem is.
func QuarantineQueue(worker string) string { return worker + "-quar" }

// DelayQueue returns the retry delay queue name for a worker. The delay
// queue has no consumers; expired messages dead-letter back into the input
// queue.
func DelayQueue(worker string) string { return worker + "-delay" }

// BaseName strips the suffix from any of the four queue names above,
// returning the worker name.
func BaseName(qname string) string {
	if i := strings.LastIndex(qname, "-"); i >= 0 {
		return qname[:i]
	}
	return qname
}
