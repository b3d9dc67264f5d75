/*
Package ports defines the driven ports (interfaces) of the signal bridge.

These interfaces decouple sessions, workers and the orchestrator from concrete
transports and simulation engines, so a run can use Unix sockets, ZeroMQ or an
in-process hub without changes to the protocol code.

# Key Interfaces

  - Transport: one point-to-point byte-message channel (stream, reqrep or memory).
  - Engine: the opaque cycle-driven simulation a worker advances one step per tick.
  - Finisher: optional Engine extension reporting that the simulation has ended.
  - Locker: exclusive ownership of a transport address across concurrent runs.
*/
package ports
