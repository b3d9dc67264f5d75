/*
Package sigbridge is a signal IPC bridge between cycle-driven simulation engines
and the orchestrator that drives them.

A worker process hosts an opaque engine and exchanges one message of named
signal values per cycle with the orchestrator. The orchestrator fans out to
many workers at once and keeps them in lock-step: each tick scatters one
message to every running worker and gathers one reply from each, with a
barrier in between.

# Concept

Every session is point-to-point. The worker connects, identifies itself with
its pid and then answers each tick with exactly one engine step:

	worker -> orchestrator   {"pid":4242}
	orchestrator -> worker   {"data_in":5,"on":true}
	worker -> orchestrator   {"data_out":10,"on":true}
	orchestrator -> worker   {"on":false}

The message with "on" set to false is the only way an exchange ends cleanly.
Anything else (a dead peer, a malformed body, a call out of turn) is a coded
domain.Error that is fatal for that session only.

# Packages

  - pkg/domain: ports, values, tick messages and error codes.
  - pkg/codec: the JSON wire form, validated against a port declaration.
  - pkg/adapters/stream, pkg/adapters/reqrep, pkg/adapters/memory: transports.
  - pkg/session: connection state, the handshake and turn-taking rules.
  - pkg/worker: the engine-side driver loop.
  - pkg/orchestrator: scatter/gather fan-out, stop policies and stimulus.
  - pkg/sim: a small engine with example circuits.

# Usage

The sigbridge command wires all of it:

	sigbridge orchestrate --model counter --workers 4 --ticks 32
	sigbridge orchestrate --config run.yaml --metrics-addr :9464
	sigbridge worker --transport reqrep --address ipc:///tmp/w0.ipc --model lfsr

See Example for the same flow as a library, in one process.
*/
package sigbridge
