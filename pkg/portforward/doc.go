/*
Package portforward multiplexes TCP connections to a pod's container ports
over a single message-oriented transport, usually a WebSocket.

# Wire format

On start the server sends a two byte init frame, then one four byte port
descriptor per requested port:

	init        0x80 0x01
	descriptor  local port (u16 BE) | remote port (u16 BE)

Every message after that carries one or more frames:

	┌──────────┬───────┬──────────────┬───────────┐
	│ stream u8│ flags │ length u16 BE│ payload   │
	└──────────┴───────┴──────────────┴───────────┘
	flags: 0x00 data, 0x01 close (length must be 0)

Port i owns data stream 2i and error stream 2i+1, so a session carries at
most 128 ports. Frames may be split or coalesced across messages; the
Decoder reassembles them.

# Isolation

Each port has its own backend connection and its own bounded inbound
queue. A failed dial, a malformed frame, a broken backend or a full queue
closes only that port: the reason is sent once on its error stream, followed
by a single close frame on its data stream. Other ports keep relaying.

A client close frame half-closes the backend's write side; the port stays
open until the backend finishes sending. The session ends when the transport
closes, the context is cancelled or every port has closed.
*/
package portforward
