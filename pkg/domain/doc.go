/*
Package domain contains the core types shared by every side of the signal bridge.

It defines the signal value model (ports, values, tick messages), the session
vocabulary (roles, transport kinds, connection and driver states) and the error
taxonomy. This package is kept pure and free of I/O, following Hexagonal
Architecture principles: transports, codecs and drivers depend on it, never the
other way around.

# Key Entities

  - Port: a named, directional, fixed-width signal endpoint of the simulated unit.
  - Value: a tagged boolean or unsigned integer carried by a port.
  - TickMessage: the values exchanged once per tick plus the liveness flag.
  - Handshake: the one-time identity payload a worker sends first.
  - Error: a coded error (TransportSetupFailed, MalformedMessage, ProtocolViolation...).
*/
package domain
