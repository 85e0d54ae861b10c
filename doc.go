// Package qdrive drives QUIC connections over datagram sockets.
//
// A QUIC implementation split into a pure protocol engine ([qengine.Engine])
// decides what to send and when its timers fire, but performs no I/O.
// An [*Endpoint] owns a socket ([qsock.Socket]) and pumps those decisions:
// one goroutine receives batches of datagrams and routes them
// to connections by connection ID,
// one goroutine sends every connection's outgoing datagrams in round-robin order,
// and each [*Conn] has a driver goroutine feeding its engine
// and waking the goroutines blocked on its streams.
//
// Blocking operations take a [context.Context];
// cancelling it abandons the operation without touching the stream or connection.
// Streams also implement [io.Reader] and [io.Writer] with deadlines.
//
// Connection-level failures are reported with quic-go's error types,
// such as [*quic.ApplicationError] and [*quic.IdleTimeoutError],
// and stream-level failures with [*quic.StreamError].
package qdrive
