package sim

// A Component updates the next frame of a circuit from its current frame.
type Component func(c *Circuit)

// Circuit is a runnable word-level circuit simulation.
type Circuit struct {
	s0    []uint64 // net states, current frame
	s1    []uint64 // net states, next frame
	cs    []Component
	nets  map[string]int
	steps uint64
}

// NewCircuit returns an empty circuit.
func NewCircuit() *Circuit {
	return &Circuit{nets: make(map[string]int)}
}

// Net returns the number of the named net, allocating it on first use.
func (c *Circuit) Net(name string) int {
	if n, ok := c.nets[name]; ok {
		return n
	}
	n := len(c.s0)
	c.s0 = append(c.s0, 0)
	c.s1 = append(c.s1, 0)
	c.nets[name] = n
	return n
}

// Add mounts components. They run in order on every Step.
func (c *Circuit) Add(cs ...Component) {
	c.cs = append(c.cs, cs...)
}

// Get returns the current state of net n.
func (c *Circuit) Get(n int) uint64 {
	return c.s0[n]
}

// GetBool returns true if net n is non-zero.
func (c *Circuit) GetBool(n int) bool {
	return c.s0[n] != 0
}

// Set sets the next state of net n.
func (c *Circuit) Set(n int, v uint64) {
	c.s1[n] = v
}

// SetBool sets the next state of net n to 1 or 0.
func (c *Circuit) SetBool(n int, b bool) {
	if b {
		c.s1[n] = 1
	} else {
		c.s1[n] = 0
	}
}

// Drive forces net n in both frames. Use it for nets no component writes.
func (c *Circuit) Drive(n int, v uint64) {
	c.s0[n] = v
	c.s1[n] = v
}

// Step advances the simulation by one step.
func (c *Circuit) Step() {
	for _, f := range c.cs {
		f(c)
	}
	c.steps++
	c.s0, c.s1 = c.s1, c.s0
}

// Steps returns the value of the step counter.
func (c *Circuit) Steps() uint64 {
	return c.steps
}

// Size returns the component count in the circuit.
func (c *Circuit) Size() int { return len(c.cs) }
