package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/vmcore/memory"
	"golang.org/x/arch/x86/x86asm"
)

// ErrBadRegister indicates the register file is too short to hold RIP.
var ErrBadRegister = errors.New("bad register")

// ripOffset is the position of RIP in the KVM general purpose register
// layout: 16 GPRs precede it.
const ripOffset = 16 * 8

// Inst decodes the instruction at the vCPU's RIP and returns it in GNU
// syntax. The guest is assumed to run with flat segments and paging off,
// which is how vCPUs are set up at boot.
func (m *Machine) Inst(cpu int) (string, error) {
	c, err := m.VCPU(cpu)
	if err != nil {
		return "", err
	}

	st, err := c.Hypervisor().GetState()
	if err != nil {
		return "", fmt.Errorf("Inst: GetState: %w", err)
	}

	if len(st.Regs) < ripOffset+8 {
		return "", fmt.Errorf("Inst: %d byte register file: %w", len(st.Regs), ErrBadRegister)
	}

	rip := binary.LittleEndian.Uint64(st.Regs[ripOffset:])

	// We know the PC; grab a bunch of bytes there, then decode and print
	insn := make([]byte, 16)
	if err := m.mem.Read(memory.GuestAddress(rip), insn); err != nil {
		// Near the end of RAM; fall back to what is left.
		insn = insn[:1]
		if err := m.mem.Read(memory.GuestAddress(rip), insn); err != nil {
			return "", fmt.Errorf("reading PC at %#x: %w", rip, err)
		}
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return Asm(&d, rip), nil
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return x86asm.GNUSyntax(*d, pc, nil)
}
