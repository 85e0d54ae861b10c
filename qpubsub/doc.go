// Package qpubsub contains in-process publish-subscribe primitives.
//
// The [Notifier] type covers the case of a single terminal event,
// such as a connection closing,
// that an unbounded and changing set of goroutines must all observe.
// Subscribing after the event fired is not a race:
// late subscribers observe the same value immediately.
package qpubsub
