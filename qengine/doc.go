// Package qengine defines the boundary between qdrive
// and a sans-I/O QUIC protocol engine.
//
// An [Engine] is a deterministic state reducer for one connection.
// It never performs I/O and never blocks:
// qdrive feeds it datagrams and timeouts,
// and drains its events, endpoint events, and outgoing datagrams.
// Every method is called with the connection's lock held,
// so implementations need no synchronization of their own.
//
// A [Factory] creates engines for new connections,
// and a [Router] extracts connection identifiers from raw datagrams
// so the endpoint can route them without understanding their contents.
package qengine
