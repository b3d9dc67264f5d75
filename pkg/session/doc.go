/*
Package session implements one point-to-point bridge session.

A Session owns a transport, a codec and an explicit receive buffer. It drives
the connection state machine (Unconnected, Binding or Connecting, Connected,
Closed), enforces the one-time pid handshake before any tick, validates tick
messages against the declared ports and keeps the first fatal error sticky.
*/
package session
