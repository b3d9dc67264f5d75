// Package sim is a small cycle-driven simulation engine and the example
// circuits workers run behind the bridge: an inverter, an up-counter and a
// Galois LFSR.
//
// Circuits are double-buffered: every Component reads the current frame with
// Get and writes the next frame with Set, and Step swaps the frames. A net is
// written by exactly one component per step, except input nets, which are
// driven from outside with Drive and hold their value between steps.
//
// Models wrap a Circuit and its port declaration and implement ports.Engine.
package sim
