// Package gcode parses RepRap-dialect G-code lines into immutable commands.
package gcode

import "strconv"

// Mnemonic identifies a command's operation, e.g. G1 or M104.
// The letter lives in the top byte and the number in the low 24 bits so that
// mnemonics are comparable constants.
type Mnemonic uint32

const maxMnemonicNumber = 1<<24 - 1

// Motion and mode mnemonics interpreted by the printer state machine.
const (
	G0   Mnemonic = 'G'<<24 | 0
	G1   Mnemonic = 'G'<<24 | 1
	G2   Mnemonic = 'G'<<24 | 2
	G3   Mnemonic = 'G'<<24 | 3
	G4   Mnemonic = 'G'<<24 | 4
	G28  Mnemonic = 'G'<<24 | 28
	G90  Mnemonic = 'G'<<24 | 90
	G91  Mnemonic = 'G'<<24 | 91
	G92  Mnemonic = 'G'<<24 | 92
	M82  Mnemonic = 'M'<<24 | 82
	M83  Mnemonic = 'M'<<24 | 83
	M104 Mnemonic = 'M'<<24 | 104
	M106 Mnemonic = 'M'<<24 | 106
	M107 Mnemonic = 'M'<<24 | 107
	M109 Mnemonic = 'M'<<24 | 109
	M140 Mnemonic = 'M'<<24 | 140
	M190 Mnemonic = 'M'<<24 | 190
)

// NewMnemonic builds a mnemonic from its letter and number.
func NewMnemonic(letter byte, number int) Mnemonic {
	return Mnemonic(uint32(upper(letter))<<24 | uint32(number)&maxMnemonicNumber)
}

// Letter returns 'G' or 'M'.
func (m Mnemonic) Letter() byte {
	return byte(m >> 24)
}

// Number returns the numeric part of the mnemonic.
func (m Mnemonic) Number() int {
	return int(m & maxMnemonicNumber)
}

// String returns the canonical form, e.g. "G1".
func (m Mnemonic) String() string {
	if m == 0 {
		return ""
	}
	return string(m.Letter()) + strconv.Itoa(m.Number())
}

// IsMotion reports whether the mnemonic moves the toolhead.
// Arcs are treated as straight moves to their end point.
func (m Mnemonic) IsMotion() bool {
	return m == G0 || m == G1 || m == G2 || m == G3
}

// Param is one letter-coded numeric parameter.
type Param struct {
	Letter byte
	Value  float64
}

// Params holds a command's parameters in source order, one per letter.
type Params []Param

// Get returns the value for letter, if present.
func (p Params) Get(letter byte) (float64, bool) {
	for _, pr := range p {
		if pr.Letter == letter {
			return pr.Value, true
		}
	}
	return 0, false
}

// Has reports whether letter is present.
func (p Params) Has(letter byte) bool {
	_, ok := p.Get(letter)
	return ok
}

// Command is a parsed G-code line. Commands are never mutated after parsing.
type Command struct {
	Mnemonic Mnemonic
	Params   Params
	Line     int    // 1-based line number in the source stream
	Raw      string // original text, kept for diagnostics and display
}

// String returns the raw source text.
func (c Command) String() string {
	return c.Raw
}
