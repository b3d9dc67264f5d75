package domain

import (
	"fmt"
	"sort"
)

// Wire keys that can never be used as port names.
const (
	KeyAlive = "on"
	KeyPID   = "pid"
)

// MaxWidth is the widest unsigned port a Value can carry.
const MaxWidth = 64

// Direction tells whether a port is driven by the orchestrator (In) or by the engine (Out).
type Direction int

const (
	In Direction = iota
	Out
)

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Kind is the type tag of a Value.
type Kind int

const (
	KindBool Kind = iota
	KindUint
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindUint:
		return "uint"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Port declares one signal endpoint of the simulated unit.
type Port struct {
	Name      string
	Direction Direction
	Kind      Kind
	// Width is the bit width. Bool ports are always 1 bit wide.
	Width uint
}

// BoolPort declares a 1-bit boolean port.
func BoolPort(name string, dir Direction) Port {
	return Port{Name: name, Direction: dir, Kind: KindBool, Width: 1}
}

// UintPort declares an unsigned port of the given width.
func UintPort(name string, dir Direction, width uint) Port {
	return Port{Name: name, Direction: dir, Kind: KindUint, Width: width}
}

// Validate checks the declaration itself.
func (p Port) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("port name is empty")
	}
	if p.Name == KeyAlive || p.Name == KeyPID {
		return fmt.Errorf("port name %q is reserved", p.Name)
	}
	if p.Direction != In && p.Direction != Out {
		return fmt.Errorf("port %q: invalid direction %v", p.Name, p.Direction)
	}
	switch p.Kind {
	case KindBool:
		if p.Width != 1 {
			return fmt.Errorf("port %q: bool ports are 1 bit wide, got %d", p.Name, p.Width)
		}
	case KindUint:
		if p.Width == 0 || p.Width > MaxWidth {
			return fmt.Errorf("port %q: width %d out of range 1..%d", p.Name, p.Width, MaxWidth)
		}
	default:
		return fmt.Errorf("port %q: invalid kind %v", p.Name, p.Kind)
	}
	return nil
}

// Check reports whether v can be carried by p: same kind and fits the declared width.
func (p Port) Check(v Value) error {
	if v.Kind() != p.Kind {
		return fmt.Errorf("port %q expects %s, got %s", p.Name, p.Kind, v.Kind())
	}
	if p.Kind == KindUint && p.Width < MaxWidth && v.Uint()>>p.Width != 0 {
		return fmt.Errorf("port %q: value %d does not fit in %d bits", p.Name, v.Uint(), p.Width)
	}
	return nil
}

// Mask returns the largest value a port of this width can hold.
func (p Port) Mask() uint64 {
	if p.Width >= MaxWidth {
		return ^uint64(0)
	}
	return 1<<p.Width - 1
}

func (p Port) String() string {
	if p.Kind == KindBool {
		return fmt.Sprintf("%s %s bool", p.Direction, p.Name)
	}
	return fmt.Sprintf("%s %s uint[%d]", p.Direction, p.Name, p.Width)
}

// PortSet is an immutable, name-indexed set of port declarations.
type PortSet struct {
	ports []Port
	index map[string]int
}

// NewPortSet validates the declarations and builds the set.
// Declaration order is preserved.
func NewPortSet(ports ...Port) (*PortSet, error) {
	s := &PortSet{
		ports: make([]Port, 0, len(ports)),
		index: make(map[string]int, len(ports)),
	}
	for _, p := range ports {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.index[p.Name]; dup {
			return nil, fmt.Errorf("duplicate port name %q", p.Name)
		}
		s.index[p.Name] = len(s.ports)
		s.ports = append(s.ports, p)
	}
	return s, nil
}

// MustPortSet is like NewPortSet but panics on invalid declarations.
func MustPortSet(ports ...Port) *PortSet {
	s, err := NewPortSet(ports...)
	if err != nil {
		panic(err)
	}
	return s
}

// Lookup returns the port with the given name.
func (s *PortSet) Lookup(name string) (Port, bool) {
	i, ok := s.index[name]
	if !ok {
		return Port{}, false
	}
	return s.ports[i], true
}

// All returns a copy of every declaration in declaration order.
func (s *PortSet) All() []Port {
	out := make([]Port, len(s.ports))
	copy(out, s.ports)
	return out
}

// Filter returns the ports of one direction in declaration order.
func (s *PortSet) Filter(dir Direction) []Port {
	var out []Port
	for _, p := range s.ports {
		if p.Direction == dir {
			out = append(out, p)
		}
	}
	return out
}

// Names returns the sorted port names.
func (s *PortSet) Names() []string {
	names := make([]string, 0, len(s.ports))
	for _, p := range s.ports {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of declared ports.
func (s *PortSet) Len() int { return len(s.ports) }
