package sim

import (
	"sort"

	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/pkg/errors"
)

// DefaultWidth is the data width used when none is requested.
const DefaultWidth = 4

type builder func(width uint) (*domain.PortSet, *Circuit, error)

type entry struct {
	description string
	build       builder
}

var registry = map[string]entry{
	"inverter": {"bitwise inverter, data_out = ^data_in", newInverter},
	"counter":  {"up-counter with synchronous reset and enable", newCounter},
	"lfsr":     {"Galois LFSR, seed 1, maximal length", newLFSR},
}

// Info describes a registered model.
type Info struct {
	Name        string
	Description string
	Ports       []domain.Port
}

// Models lists the registered models at the default width, sorted by name.
func Models() []Info {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]Info, 0, len(names))
	for _, name := range names {
		e := registry[name]
		ps, _, err := e.build(DefaultWidth)
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: name, Description: e.description, Ports: ps.All()})
	}
	return infos
}

// Option configures a Model.
type Option func(*Model)

// WithStepLimit makes the model report Finished after n steps.
func WithStepLimit(n uint64) Option {
	return func(m *Model) {
		m.limit = n
	}
}

// Model is a named circuit behind a port declaration. It implements
// ports.Engine and ports.Finisher.
type Model struct {
	name    string
	ports   *domain.PortSet
	circuit *Circuit
	nets    map[string]int
	limit   uint64
}

// Lookup builds a fresh instance of the named model. A zero width selects DefaultWidth.
func Lookup(name string, width uint, opts ...Option) (*Model, error) {
	e, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown model %q", name)
	}
	if width == 0 {
		width = DefaultWidth
	}
	ps, c, err := e.build(width)
	if err != nil {
		return nil, err
	}

	m := &Model{
		name:    name,
		ports:   ps,
		circuit: c,
		nets:    make(map[string]int, ps.Len()),
	}
	for _, p := range ps.All() {
		m.nets[p.Name] = c.Net(p.Name)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// Ports returns the port declaration.
func (m *Model) Ports() *domain.PortSet { return m.ports }

// Apply drives an input port.
func (m *Model) Apply(name string, v domain.Value) error {
	p, ok := m.ports.Lookup(name)
	if !ok {
		return errors.Errorf("%s: unknown port %q", m.name, name)
	}
	if p.Direction != domain.In {
		return errors.Errorf("%s: port %q is not an input", m.name, name)
	}
	if err := p.Check(v); err != nil {
		return errors.Wrap(err, m.name)
	}
	m.circuit.Drive(m.nets[name], v.Uint())
	return nil
}

// Step advances the circuit by exactly one step.
func (m *Model) Step() error {
	if m.Finished() {
		return errors.Errorf("%s: stepped past its limit of %d", m.name, m.limit)
	}
	m.circuit.Step()
	return nil
}

// Read samples an output port.
func (m *Model) Read(name string) (domain.Value, error) {
	p, ok := m.ports.Lookup(name)
	if !ok {
		return domain.Value{}, errors.Errorf("%s: unknown port %q", m.name, name)
	}
	if p.Direction != domain.Out {
		return domain.Value{}, errors.Errorf("%s: port %q is not an output", m.name, name)
	}
	v := m.circuit.Get(m.nets[name])
	if p.Kind == domain.KindBool {
		return domain.Bool(v != 0), nil
	}
	return domain.Uint(v & p.Mask()), nil
}

// Steps returns how many steps have run.
func (m *Model) Steps() uint64 { return m.circuit.Steps() }

// Finished reports whether the step limit, if any, has been reached.
func (m *Model) Finished() bool {
	return m.limit > 0 && m.circuit.Steps() >= m.limit
}
