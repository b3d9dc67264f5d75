package ports

import "github.com/aretw0/sigbridge/pkg/domain"

// Engine is the opaque cycle-driven simulation a worker drives.
// The bridge only ever applies inputs, advances exactly one step and reads outputs.
type Engine interface {
	// Ports returns the declared port set. It must not change after construction.
	Ports() *domain.PortSet

	// Apply drives an input port. The value takes effect on the next Step.
	Apply(name string, v domain.Value) error

	// Step advances the simulation by exactly one cycle.
	Step() error

	// Read samples an output port after the last Step.
	Read(name string) (domain.Value, error)
}

// Finisher is implemented by engines that can end the simulation on their own.
type Finisher interface {
	Finished() bool
}
