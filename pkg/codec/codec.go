// Package codec maps tick messages and handshakes to their JSON wire form.
//
// Tick bodies are flat objects keyed by port name plus the reserved "on" key:
//
//	{"data_in":5,"on":true}
//
// Keys are always emitted in sorted order so the bytes are deterministic.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/mitchellh/mapstructure"
)

// PayloadKind is what Classify found on the wire.
type PayloadKind int

const (
	PayloadUnknown PayloadKind = iota
	PayloadHandshake
	PayloadTick
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadHandshake:
		return "handshake"
	case PayloadTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Codec encodes and validates messages against one port declaration.
type Codec struct {
	ports *domain.PortSet
}

// New creates a codec for the given ports.
func New(ports *domain.PortSet) *Codec {
	return &Codec{ports: ports}
}

// Ports returns the declaration the codec validates against.
func (c *Codec) Ports() *domain.PortSet {
	return c.ports
}

// EncodeTick renders msg. Every value must belong to a declared port of direction dir.
func (c *Codec) EncodeTick(msg domain.TickMessage, dir domain.Direction) ([]byte, error) {
	body := make(map[string]any, len(msg.Values)+1)
	for name, v := range msg.Values {
		p, err := c.port(name, dir)
		if err != nil {
			return nil, domain.NewError(domain.CodeMalformedMessage, "encode", err)
		}
		if err := p.Check(v); err != nil {
			return nil, domain.NewError(domain.CodeMalformedMessage, "encode", err)
		}
		if p.Kind == domain.KindBool {
			body[name] = v.Bool()
		} else {
			body[name] = v.Uint()
		}
	}
	body[domain.KeyAlive] = msg.Alive

	// encoding/json sorts map keys.
	data, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewError(domain.CodeMalformedMessage, "encode", err)
	}
	return data, nil
}

// DecodeTick parses and validates a tick body whose values belong to direction dir.
func (c *Codec) DecodeTick(data []byte, dir domain.Direction) (domain.TickMessage, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return domain.TickMessage{}, domain.NewError(domain.CodeMalformedMessage, "decode", err)
	}

	alive, ok := raw[domain.KeyAlive]
	if !ok {
		return domain.TickMessage{}, domain.Errorf(domain.CodeMalformedMessage, "decode", "missing %q key", domain.KeyAlive)
	}
	on, ok := alive.(bool)
	if !ok {
		return domain.TickMessage{}, domain.Errorf(domain.CodeMalformedMessage, "decode", "%q must be a boolean, got %v", domain.KeyAlive, alive)
	}
	delete(raw, domain.KeyAlive)

	msg := domain.TickMessage{Values: make(map[string]domain.Value, len(raw)), Alive: on}
	for name, field := range raw {
		p, err := c.port(name, dir)
		if err != nil {
			return domain.TickMessage{}, domain.NewError(domain.CodeMalformedMessage, "decode", err)
		}
		v, err := toValue(p, field)
		if err != nil {
			return domain.TickMessage{}, domain.NewError(domain.CodeMalformedMessage, "decode", err)
		}
		msg.Values[name] = v
	}
	return msg, nil
}

// EncodeHandshake renders {"pid":N}.
func EncodeHandshake(h domain.Handshake) ([]byte, error) {
	if h.PID <= 0 {
		return nil, domain.Errorf(domain.CodeMalformedMessage, "encode", "invalid pid %d", h.PID)
	}
	return json.Marshal(map[string]int{domain.KeyPID: h.PID})
}

// DecodeHandshake parses a handshake body. Any key other than "pid" is rejected.
func DecodeHandshake(data []byte) (domain.Handshake, error) {
	raw, err := decodeObject(data)
	if err != nil {
		return domain.Handshake{}, domain.NewError(domain.CodeMalformedMessage, "decode handshake", err)
	}
	if _, ok := raw[domain.KeyPID]; !ok {
		return domain.Handshake{}, domain.Errorf(domain.CodeMalformedMessage, "decode handshake", "missing %q key", domain.KeyPID)
	}

	var h domain.Handshake
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      &h,
		ErrorUnused: true,
	})
	if err != nil {
		return domain.Handshake{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return domain.Handshake{}, domain.NewError(domain.CodeMalformedMessage, "decode handshake", err)
	}
	if h.PID <= 0 {
		return domain.Handshake{}, domain.Errorf(domain.CodeMalformedMessage, "decode handshake", "invalid pid %d", h.PID)
	}
	return h, nil
}

// Classify tells handshakes from ticks without validating values.
func Classify(data []byte) PayloadKind {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return PayloadUnknown
	}
	_, hasPID := raw[domain.KeyPID]
	_, hasOn := raw[domain.KeyAlive]
	switch {
	case hasOn:
		return PayloadTick
	case hasPID:
		return PayloadHandshake
	default:
		return PayloadUnknown
	}
}

func (c *Codec) port(name string, dir domain.Direction) (domain.Port, error) {
	p, ok := c.ports.Lookup(name)
	if !ok {
		return domain.Port{}, fmt.Errorf("unknown port %q", name)
	}
	if p.Direction != dir {
		return domain.Port{}, fmt.Errorf("port %q is %s, expected %s", name, p.Direction, dir)
	}
	return p, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.New("body is not an object")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after object")
	}
	return raw, nil
}

func toValue(p domain.Port, field any) (domain.Value, error) {
	switch f := field.(type) {
	case bool:
		if p.Kind != domain.KindBool {
			return domain.Value{}, fmt.Errorf("port %q expects a number, got %v", p.Name, f)
		}
		return domain.Bool(f), nil
	case json.Number:
		n, err := strconv.ParseUint(f.String(), 10, 64)
		if err != nil {
			return domain.Value{}, fmt.Errorf("port %q: %s is not an unsigned integer", p.Name, f)
		}
		if p.Kind == domain.KindBool {
			if n > 1 {
				return domain.Value{}, fmt.Errorf("port %q expects a boolean, got %d", p.Name, n)
			}
			return domain.Bool(n == 1), nil
		}
		v := domain.Uint(n)
		if err := p.Check(v); err != nil {
			return domain.Value{}, err
		}
		return v, nil
	default:
		return domain.Value{}, fmt.Errorf("port %q: unsupported value %v", p.Name, field)
	}
}
