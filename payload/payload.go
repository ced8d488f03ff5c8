// Package payload holds the guest programs built into the launcher.
package payload

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

const (
	// LoadAddr is where the programs are placed in guest-physical memory.
	LoadAddr = 0x1000
	// RegionSize is the size of the single guest memory range.
	RegionSize = 0x1000
	// ConsolePort is the port the programs write their output to.
	ConsolePort = 0x3f8
)

// adder adds %bl to %al and prints the sum as one ASCII digit and a
// newline on the console port.
var adder = []byte{
	0xba, 0xf8, 0x03, // mov $0x3f8, %dx
	0x00, 0xd8, // add %bl, %al
	0x04, '0', // add $'0', %al
	0xee,       // out %al, (%dx)
	0xb0, '\n', // mov $'\n', %al
	0xee, // out %al, (%dx)
	0xf4, // hlt
}

// Program is a real-mode guest program and its initial operands.
type Program struct {
	Name  string
	Entry uint64
	Code  []byte
	RAX   uint64
	RBX   uint64
	// Want is the console output the program must produce.
	Want string
}

// Adder returns the program printing a+b. The sum must be a single digit.
func Adder(a, b uint8) (Program, error) {
	if int(a)+int(b) > 9 {
		return Program{}, fmt.Errorf("payload: %d+%d does not fit in one digit", a, b)
	}
	return Program{
		Name:  "adder",
		Entry: LoadAddr,
		Code:  append([]byte(nil), adder...),
		RAX:   uint64(a),
		RBX:   uint64(b),
		Want:  fmt.Sprintf("%d\n", a+b),
	}, nil
}

// Line is one decoded instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Inst  x86asm.Inst
}

func (l Line) String() string {
	return fmt.Sprintf("%#x: %-12s %s", l.Addr, fmt.Sprintf("% x", l.Bytes), x86asm.GNUSyntax(l.Inst, l.Addr, nil))
}

// Disassemble decodes 16-bit code loaded at addr.
func Disassemble(code []byte, addr uint64) ([]Line, error) {
	var lines []Line
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], 16)
		if err != nil {
			return lines, errors.Wrapf(err, "failed to decode instruction at %#x", addr+uint64(off))
		}
		// Decode reports some truncated encodings as a prefix-only instruction.
		if inst.Op == 0 {
			return lines, errors.Errorf("failed to decode instruction at %#x", addr+uint64(off))
		}
		lines = append(lines, Line{
			Addr:  addr + uint64(off),
			Bytes: code[off : off+inst.Len],
			Inst:  inst,
		})
		off += inst.Len
	}
	return lines, nil
}

// Listing returns the disassembly of code as text, one instruction per line.
func Listing(code []byte, addr uint64) (string, error) {
	lines, err := Disassemble(code, addr)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
