// Package daptest provides a map-backed memory simulator for exercising
// code that talks to a target through the dap.Memory interface.
package daptest

import "fmt"

// Hook observes or overrides a 32-bit word access. For reads the returned
// value replaces the stored one when handled is true; for writes a handled
// hook suppresses the store.
type Hook func(address uint64, value uint32, write bool) (uint32, bool)

// SimMemory is a sparse 32-bit word store implementing dap.Memory. Word
// accesses must be naturally aligned, matching MEM-AP behavior. Hooks can be
// attached to individual word addresses to model registers with side
// effects.
type SimMemory struct {
	words map[uint64]uint32
	hooks map[uint64]Hook

	// Writes records every word write in order, for asserting sequences.
	Writes []WordWrite
}

// WordWrite is one recorded 32-bit store.
type WordWrite struct {
	Address uint64
	Value   uint32
}

func New() *SimMemory {
	return &SimMemory{
		words: make(map[uint64]uint32),
		hooks: make(map[uint64]Hook),
	}
}

// SetWord seeds a word without triggering hooks or recording.
func (m *SimMemory) SetWord(address uint64, value uint32) {
	m.words[address&^3] = value
}

// Word returns the stored word, bypassing hooks.
func (m *SimMemory) Word(address uint64) uint32 {
	return m.words[address&^3]
}

// OnWord attaches a hook to one word address.
func (m *SimMemory) OnWord(address uint64, h Hook) {
	m.hooks[address&^3] = h
}

// LoadBytes seeds a byte range.
func (m *SimMemory) LoadBytes(address uint64, data []byte) {
	for i, b := range data {
		a := address + uint64(i)
		w := m.words[a&^3]
		shift := 8 * (a & 3)
		w = w&^(0xFF<<shift) | uint32(b)<<shift
		m.words[a&^3] = w
	}
}

// Bytes reads a byte range out of the store, bypassing hooks.
func (m *SimMemory) Bytes(address uint64, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		a := address + uint64(i)
		out[i] = byte(m.words[a&^3] >> (8 * (a & 3)))
	}
	return out
}

func (m *SimMemory) readWord(address uint64) uint32 {
	v := m.words[address]
	if h, ok := m.hooks[address]; ok {
		if hv, handled := h(address, v, false); handled {
			return hv
		}
	}
	return v
}

func (m *SimMemory) writeWord(address uint64, value uint32) {
	if h, ok := m.hooks[address]; ok {
		if _, handled := h(address, value, true); handled {
			m.Writes = append(m.Writes, WordWrite{address, value})
			return
		}
	}
	m.words[address] = value
	m.Writes = append(m.Writes, WordWrite{address, value})
}

func checkAlign(address uint64, size uint64) error {
	if address%size != 0 {
		return fmt.Errorf("daptest: unaligned %d-byte access at %#x", size, address)
	}
	return nil
}

func (m *SimMemory) ReadWord32(address uint64) (uint32, error) {
	if err := checkAlign(address, 4); err != nil {
		return 0, err
	}
	return m.readWord(address), nil
}

func (m *SimMemory) ReadWord64(address uint64) (uint64, error) {
	if err := checkAlign(address, 8); err != nil {
		return 0, err
	}
	lo := m.readWord(address)
	hi := m.readWord(address + 4)
	return uint64(hi)<<32 | uint64(lo), nil
}

func (m *SimMemory) ReadWord16(address uint64) (uint16, error) {
	if err := checkAlign(address, 2); err != nil {
		return 0, err
	}
	return uint16(m.readWord(address&^3) >> (8 * (address & 3))), nil
}

func (m *SimMemory) ReadWord8(address uint64) (uint8, error) {
	return uint8(m.readWord(address&^3) >> (8 * (address & 3))), nil
}

func (m *SimMemory) WriteWord32(address uint64, value uint32) error {
	if err := checkAlign(address, 4); err != nil {
		return err
	}
	m.writeWord(address, value)
	return nil
}

func (m *SimMemory) WriteWord64(address uint64, value uint64) error {
	if err := checkAlign(address, 8); err != nil {
		return err
	}
	m.writeWord(address, uint32(value))
	m.writeWord(address+4, uint32(value>>32))
	return nil
}

func (m *SimMemory) WriteWord16(address uint64, value uint16) error {
	if err := checkAlign(address, 2); err != nil {
		return err
	}
	w := m.words[address&^3]
	shift := 8 * (address & 3)
	m.writeWord(address&^3, w&^(0xFFFF<<shift)|uint32(value)<<shift)
	return nil
}

func (m *SimMemory) WriteWord8(address uint64, value uint8) error {
	w := m.words[address&^3]
	shift := 8 * (address & 3)
	m.writeWord(address&^3, w&^(0xFF<<shift)|uint32(value)<<shift)
	return nil
}

func (m *SimMemory) Read32(address uint64, out []uint32) error {
	if err := checkAlign(address, 4); err != nil {
		return err
	}
	for i := range out {
		out[i] = m.readWord(address + 4*uint64(i))
	}
	return nil
}

func (m *SimMemory) Write32(address uint64, values []uint32) error {
	if err := checkAlign(address, 4); err != nil {
		return err
	}
	for i, v := range values {
		m.writeWord(address+4*uint64(i), v)
	}
	return nil
}

func (m *SimMemory) Read(address uint64, out []byte) error {
	for i := range out {
		b, err := m.ReadWord8(address + uint64(i))
		if err != nil {
			return err
		}
		out[i] = b
	}
	return nil
}

func (m *SimMemory) Write(address uint64, data []byte) error {
	for i, b := range data {
		if err := m.WriteWord8(address+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

func (m *SimMemory) Flush() error {
	return nil
}
