package domain

import (
	"sort"
	"strings"
)

// TickMessage is the payload exchanged once per tick in either direction.
//
// Alive=false is the terminal sentinel: no further ticks will be produced by
// the sender. Values may be empty in that case.
type TickMessage struct {
	Values map[string]Value
	Alive  bool
}

// NewTick returns an empty live message.
func NewTick() TickMessage {
	return TickMessage{Values: make(map[string]Value), Alive: true}
}

// Stop returns the bare terminal sentinel.
func Stop() TickMessage {
	return TickMessage{Values: map[string]Value{}}
}

// Set stores a value and returns the message to allow chaining.
func (m TickMessage) Set(name string, v Value) TickMessage {
	m.Values[name] = v
	return m
}

// Get returns the value for a port name.
func (m TickMessage) Get(name string) (Value, bool) {
	v, ok := m.Values[name]
	return v, ok
}

// Keys returns the sorted value keys.
func (m TickMessage) Keys() []string {
	keys := make([]string, 0, len(m.Values))
	for k := range m.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders the message as "a: 1 | b: true" for traces.
func (m TickMessage) String() string {
	var b strings.Builder
	for i, k := range m.Keys() {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(m.Values[k].String())
	}
	if !m.Alive {
		if b.Len() > 0 {
			b.WriteString(" | ")
		}
		b.WriteString("off")
	}
	return b.String()
}

// Handshake is the identity payload a worker sends once, before any tick.
type Handshake struct {
	PID int `mapstructure:"pid"`
}
