// cpu_65c02.go - W65C02S execution core

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
cpu_65c02.go - 65C02 Core

The coprocessor firmware proper never executes 6502 code, but the system
is meaningless without a bus master, so this core stands in for the
W65C02S during development, testing and the interactive runner. It
implements the documented instructions the synthesized action routines,
the OS call return sequence and ordinary test programs use, with per-
instruction cycle counts so the pacer can hold it to PHI2.

Dispatch is a flat 256-entry table of small functions. Unimplemented
opcodes execute as single-byte NOPs; the 65C02 treats undefined opcodes as
NOPs of various lengths, and nothing in this system depends on them.

Decimal mode is not implemented. The D flag is tracked but ADC/SBC always
run binary; no firmware path sets it.
*/

package main

import "sync/atomic"

const (
	STACK_BASE   = 0x0100
	RESET_VECTOR = 0xFFFC
	IRQ_VECTOR   = 0xFFFE
	NMI_VECTOR   = 0xFFFA
)

const (
	CARRY_FLAG     = 0x01
	ZERO_FLAG      = 0x02
	INTERRUPT_FLAG = 0x04
	DECIMAL_FLAG   = 0x08
	BREAK_FLAG     = 0x10
	UNUSED_FLAG    = 0x20
	OVERFLOW_FLAG  = 0x40
	NEGATIVE_FLAG  = 0x80
)

var nzTable [256]byte

func init() {
	for i := 0; i < 256; i++ {
		if i == 0 {
			nzTable[i] |= ZERO_FLAG
		}
		if i&0x80 != 0 {
			nzTable[i] |= NEGATIVE_FLAG
		}
	}
}

// Bus8 is the memory protocol of the core: one byte per bus cycle.
type Bus8 interface {
	Read(addr uint16) byte
	Write(addr uint16, value byte)
}

type op65 struct {
	exec   func(*CPU65C02)
	cycles byte
}

type CPU65C02 struct {
	PC uint16
	SP byte
	A  byte
	X  byte
	Y  byte
	SR byte

	Cycles uint64

	bus     Bus8
	running atomic.Bool
	extra   byte // page-cross / branch-taken cycles for the current op
	table   [256]op65
}

func NewCPU65C02(bus Bus8) *CPU65C02 {
	cpu := &CPU65C02{
		bus: bus,
		SP:  0xFF,
		SR:  UNUSED_FLAG,
	}
	cpu.initTable()
	cpu.running.Store(true)
	return cpu
}

func (c *CPU65C02) Running() bool { return c.running.Load() }

func (c *CPU65C02) SetRunning(state bool) { c.running.Store(state) }

// Reset loads the reset vector the way the silicon does: SP decremented by
// three, interrupts masked, PC fetched from $FFFC.
func (c *CPU65C02) Reset() {
	c.SP -= 3
	c.SR |= UNUSED_FLAG | INTERRUPT_FLAG
	c.SR &^= DECIMAL_FLAG
	lo := c.bus.Read(RESET_VECTOR)
	hi := c.bus.Read(RESET_VECTOR + 1)
	c.PC = uint16(lo) | uint16(hi)<<8
	c.Cycles += 7
}

// Step executes one instruction and returns the cycles it consumed.
func (c *CPU65C02) Step() int {
	opcode := c.bus.Read(c.PC)
	c.PC++
	c.extra = 0
	e := &c.table[opcode]
	if e.exec == nil {
		c.Cycles += 2 // undefined opcodes behave as NOPs
		return 2
	}
	e.exec(c)
	n := int(e.cycles + c.extra)
	c.Cycles += uint64(n)
	return n
}

func (c *CPU65C02) updateNZ(value byte) {
	c.SR = (c.SR &^ (ZERO_FLAG | NEGATIVE_FLAG)) | nzTable[value]
}

func (c *CPU65C02) setFlag(flag byte, on bool) {
	if on {
		c.SR |= flag
	} else {
		c.SR &^= flag
	}
}

func (c *CPU65C02) getFlag(flag byte) bool { return c.SR&flag != 0 }

/* Addressing. Each helper fetches operand bytes and returns the effective
 * address.
 */

func (c *CPU65C02) fetch() byte {
	b := c.bus.Read(c.PC)
	c.PC++
	return b
}

func (c *CPU65C02) fetchWord() uint16 {
	lo := c.fetch()
	hi := c.fetch()
	return uint16(lo) | uint16(hi)<<8
}

func (c *CPU65C02) addrZP() uint16  { return uint16(c.fetch()) }
func (c *CPU65C02) addrZPX() uint16 { return uint16(c.fetch() + c.X) }
func (c *CPU65C02) addrAbs() uint16 { return c.fetchWord() }

func (c *CPU65C02) addrAbsX() uint16 {
	base := c.fetchWord()
	addr := base + uint16(c.X)
	if addr&0xFF00 != base&0xFF00 {
		c.extra++
	}
	return addr
}

func (c *CPU65C02) addrAbsY() uint16 {
	base := c.fetchWord()
	addr := base + uint16(c.Y)
	if addr&0xFF00 != base&0xFF00 {
		c.extra++
	}
	return addr
}

/* Stack.
 */

func (c *CPU65C02) push(b byte) {
	c.bus.Write(STACK_BASE|uint16(c.SP), b)
	c.SP--
}

func (c *CPU65C02) pull() byte {
	c.SP++
	return c.bus.Read(STACK_BASE | uint16(c.SP))
}

/* ALU.
 */

func (c *CPU65C02) adc(value byte) {
	carry := uint16(0)
	if c.getFlag(CARRY_FLAG) {
		carry = 1
	}
	sum := uint16(c.A) + uint16(value) + carry
	c.setFlag(CARRY_FLAG, sum > 0xFF)
	c.setFlag(OVERFLOW_FLAG, (c.A^byte(sum))&(value^byte(sum))&0x80 != 0)
	c.A = byte(sum)
	c.updateNZ(c.A)
}

func (c *CPU65C02) sbc(value byte) { c.adc(^value) }

func (c *CPU65C02) compare(reg, value byte) {
	c.setFlag(CARRY_FLAG, reg >= value)
	c.updateNZ(reg - value)
}

func (c *CPU65C02) branch(taken bool) {
	rel := int8(c.fetch())
	if !taken {
		return
	}
	c.extra++
	target := uint16(int32(c.PC) + int32(rel))
	if target&0xFF00 != c.PC&0xFF00 {
		c.extra++
	}
	c.PC = target
}

func (c *CPU65C02) initTable() {
	t := &c.table
	set := func(op byte, cycles byte, exec func(*CPU65C02)) {
		t[op] = op65{exec: exec, cycles: cycles}
	}

	// Loads
	set(0xA9, 2, func(c *CPU65C02) { c.A = c.fetch(); c.updateNZ(c.A) })
	set(0xA5, 3, func(c *CPU65C02) { c.A = c.bus.Read(c.addrZP()); c.updateNZ(c.A) })
	set(0xB5, 4, func(c *CPU65C02) { c.A = c.bus.Read(c.addrZPX()); c.updateNZ(c.A) })
	set(0xAD, 4, func(c *CPU65C02) { c.A = c.bus.Read(c.addrAbs()); c.updateNZ(c.A) })
	set(0xBD, 4, func(c *CPU65C02) { c.A = c.bus.Read(c.addrAbsX()); c.updateNZ(c.A) })
	set(0xB9, 4, func(c *CPU65C02) { c.A = c.bus.Read(c.addrAbsY()); c.updateNZ(c.A) })
	set(0xA2, 2, func(c *CPU65C02) { c.X = c.fetch(); c.updateNZ(c.X) })
	set(0xA6, 3, func(c *CPU65C02) { c.X = c.bus.Read(c.addrZP()); c.updateNZ(c.X) })
	set(0xAE, 4, func(c *CPU65C02) { c.X = c.bus.Read(c.addrAbs()); c.updateNZ(c.X) })
	set(0xA0, 2, func(c *CPU65C02) { c.Y = c.fetch(); c.updateNZ(c.Y) })
	set(0xA4, 3, func(c *CPU65C02) { c.Y = c.bus.Read(c.addrZP()); c.updateNZ(c.Y) })
	set(0xAC, 4, func(c *CPU65C02) { c.Y = c.bus.Read(c.addrAbs()); c.updateNZ(c.Y) })

	// Stores
	set(0x85, 3, func(c *CPU65C02) { c.bus.Write(c.addrZP(), c.A) })
	set(0x95, 4, func(c *CPU65C02) { c.bus.Write(c.addrZPX(), c.A) })
	set(0x8D, 4, func(c *CPU65C02) { c.bus.Write(c.addrAbs(), c.A) })
	set(0x9D, 5, func(c *CPU65C02) { c.bus.Write(c.addrAbsX(), c.A); c.extra = 0 })
	set(0x99, 5, func(c *CPU65C02) { c.bus.Write(c.addrAbsY(), c.A); c.extra = 0 })
	set(0x86, 3, func(c *CPU65C02) { c.bus.Write(c.addrZP(), c.X) })
	set(0x8E, 4, func(c *CPU65C02) { c.bus.Write(c.addrAbs(), c.X) })
	set(0x84, 3, func(c *CPU65C02) { c.bus.Write(c.addrZP(), c.Y) })
	set(0x8C, 4, func(c *CPU65C02) { c.bus.Write(c.addrAbs(), c.Y) })
	set(0x64, 3, func(c *CPU65C02) { c.bus.Write(c.addrZP(), 0) })
	set(0x9C, 4, func(c *CPU65C02) { c.bus.Write(c.addrAbs(), 0) })

	// Transfers
	set(0xAA, 2, func(c *CPU65C02) { c.X = c.A; c.updateNZ(c.X) })
	set(0x8A, 2, func(c *CPU65C02) { c.A = c.X; c.updateNZ(c.A) })
	set(0xA8, 2, func(c *CPU65C02) { c.Y = c.A; c.updateNZ(c.Y) })
	set(0x98, 2, func(c *CPU65C02) { c.A = c.Y; c.updateNZ(c.A) })
	set(0xBA, 2, func(c *CPU65C02) { c.X = c.SP; c.updateNZ(c.X) })
	set(0x9A, 2, func(c *CPU65C02) { c.SP = c.X })

	// Stack
	set(0x48, 3, func(c *CPU65C02) { c.push(c.A) })
	set(0x68, 4, func(c *CPU65C02) { c.A = c.pull(); c.updateNZ(c.A) })
	set(0x08, 3, func(c *CPU65C02) { c.push(c.SR | BREAK_FLAG | UNUSED_FLAG) })
	set(0x28, 4, func(c *CPU65C02) { c.SR = c.pull()&^BREAK_FLAG | UNUSED_FLAG })

	// Arithmetic
	set(0x69, 2, func(c *CPU65C02) { c.adc(c.fetch()) })
	set(0x65, 3, func(c *CPU65C02) { c.adc(c.bus.Read(c.addrZP())) })
	set(0x6D, 4, func(c *CPU65C02) { c.adc(c.bus.Read(c.addrAbs())) })
	set(0xE9, 2, func(c *CPU65C02) { c.sbc(c.fetch()) })
	set(0xE5, 3, func(c *CPU65C02) { c.sbc(c.bus.Read(c.addrZP())) })
	set(0xED, 4, func(c *CPU65C02) { c.sbc(c.bus.Read(c.addrAbs())) })

	// Logic
	set(0x29, 2, func(c *CPU65C02) { c.A &= c.fetch(); c.updateNZ(c.A) })
	set(0x25, 3, func(c *CPU65C02) { c.A &= c.bus.Read(c.addrZP()); c.updateNZ(c.A) })
	set(0x2D, 4, func(c *CPU65C02) { c.A &= c.bus.Read(c.addrAbs()); c.updateNZ(c.A) })
	set(0x09, 2, func(c *CPU65C02) { c.A |= c.fetch(); c.updateNZ(c.A) })
	set(0x05, 3, func(c *CPU65C02) { c.A |= c.bus.Read(c.addrZP()); c.updateNZ(c.A) })
	set(0x0D, 4, func(c *CPU65C02) { c.A |= c.bus.Read(c.addrAbs()); c.updateNZ(c.A) })
	set(0x49, 2, func(c *CPU65C02) { c.A ^= c.fetch(); c.updateNZ(c.A) })
	set(0x45, 3, func(c *CPU65C02) { c.A ^= c.bus.Read(c.addrZP()); c.updateNZ(c.A) })
	set(0x4D, 4, func(c *CPU65C02) { c.A ^= c.bus.Read(c.addrAbs()); c.updateNZ(c.A) })

	// Shifts (accumulator forms)
	set(0x0A, 2, func(c *CPU65C02) {
		c.setFlag(CARRY_FLAG, c.A&0x80 != 0)
		c.A <<= 1
		c.updateNZ(c.A)
	})
	set(0x4A, 2, func(c *CPU65C02) {
		c.setFlag(CARRY_FLAG, c.A&0x01 != 0)
		c.A >>= 1
		c.updateNZ(c.A)
	})
	set(0x2A, 2, func(c *CPU65C02) {
		carry := c.A&0x80 != 0
		c.A <<= 1
		if c.getFlag(CARRY_FLAG) {
			c.A |= 0x01
		}
		c.setFlag(CARRY_FLAG, carry)
		c.updateNZ(c.A)
	})
	set(0x6A, 2, func(c *CPU65C02) {
		carry := c.A&0x01 != 0
		c.A >>= 1
		if c.getFlag(CARRY_FLAG) {
			c.A |= 0x80
		}
		c.setFlag(CARRY_FLAG, carry)
		c.updateNZ(c.A)
	})

	// Compare
	set(0xC9, 2, func(c *CPU65C02) { c.compare(c.A, c.fetch()) })
	set(0xC5, 3, func(c *CPU65C02) { c.compare(c.A, c.bus.Read(c.addrZP())) })
	set(0xCD, 4, func(c *CPU65C02) { c.compare(c.A, c.bus.Read(c.addrAbs())) })
	set(0xE0, 2, func(c *CPU65C02) { c.compare(c.X, c.fetch()) })
	set(0xE4, 3, func(c *CPU65C02) { c.compare(c.X, c.bus.Read(c.addrZP())) })
	set(0xEC, 4, func(c *CPU65C02) { c.compare(c.X, c.bus.Read(c.addrAbs())) })
	set(0xC0, 2, func(c *CPU65C02) { c.compare(c.Y, c.fetch()) })
	set(0xC4, 3, func(c *CPU65C02) { c.compare(c.Y, c.bus.Read(c.addrZP())) })
	set(0xCC, 4, func(c *CPU65C02) { c.compare(c.Y, c.bus.Read(c.addrAbs())) })

	// Increment / decrement
	set(0xE6, 5, func(c *CPU65C02) {
		addr := c.addrZP()
		v := c.bus.Read(addr) + 1
		c.bus.Write(addr, v)
		c.updateNZ(v)
	})
	set(0xEE, 6, func(c *CPU65C02) {
		addr := c.addrAbs()
		v := c.bus.Read(addr) + 1
		c.bus.Write(addr, v)
		c.updateNZ(v)
	})
	set(0xC6, 5, func(c *CPU65C02) {
		addr := c.addrZP()
		v := c.bus.Read(addr) - 1
		c.bus.Write(addr, v)
		c.updateNZ(v)
	})
	set(0xCE, 6, func(c *CPU65C02) {
		addr := c.addrAbs()
		v := c.bus.Read(addr) - 1
		c.bus.Write(addr, v)
		c.updateNZ(v)
	})
	set(0xE8, 2, func(c *CPU65C02) { c.X++; c.updateNZ(c.X) })
	set(0xC8, 2, func(c *CPU65C02) { c.Y++; c.updateNZ(c.Y) })
	set(0xCA, 2, func(c *CPU65C02) { c.X--; c.updateNZ(c.X) })
	set(0x88, 2, func(c *CPU65C02) { c.Y--; c.updateNZ(c.Y) })

	// Branches
	set(0x10, 2, func(c *CPU65C02) { c.branch(!c.getFlag(NEGATIVE_FLAG)) })
	set(0x30, 2, func(c *CPU65C02) { c.branch(c.getFlag(NEGATIVE_FLAG)) })
	set(0x50, 2, func(c *CPU65C02) { c.branch(!c.getFlag(OVERFLOW_FLAG)) })
	set(0x70, 2, func(c *CPU65C02) { c.branch(c.getFlag(OVERFLOW_FLAG)) })
	set(0x90, 2, func(c *CPU65C02) { c.branch(!c.getFlag(CARRY_FLAG)) })
	set(0xB0, 2, func(c *CPU65C02) { c.branch(c.getFlag(CARRY_FLAG)) })
	set(0xD0, 2, func(c *CPU65C02) { c.branch(!c.getFlag(ZERO_FLAG)) })
	set(0xF0, 2, func(c *CPU65C02) { c.branch(c.getFlag(ZERO_FLAG)) })
	set(0x80, 3, func(c *CPU65C02) { c.branch(true); c.extra-- })

	// Jumps
	set(0x4C, 3, func(c *CPU65C02) { c.PC = c.fetchWord() })
	set(0x6C, 6, func(c *CPU65C02) {
		ptr := c.fetchWord()
		lo := c.bus.Read(ptr)
		hi := c.bus.Read(ptr + 1) // 65C02 fixes the NMOS page-wrap bug
		c.PC = uint16(lo) | uint16(hi)<<8
	})
	set(0x20, 6, func(c *CPU65C02) {
		target := c.fetchWord()
		ret := c.PC - 1
		c.push(byte(ret >> 8))
		c.push(byte(ret))
		c.PC = target
	})
	set(0x60, 6, func(c *CPU65C02) {
		lo := c.pull()
		hi := c.pull()
		c.PC = (uint16(lo) | uint16(hi)<<8) + 1
	})
	set(0x40, 6, func(c *CPU65C02) {
		c.SR = c.pull()&^BREAK_FLAG | UNUSED_FLAG
		lo := c.pull()
		hi := c.pull()
		c.PC = uint16(lo) | uint16(hi)<<8
	})

	// Interrupt
	set(0x00, 7, func(c *CPU65C02) {
		ret := c.PC + 1
		c.push(byte(ret >> 8))
		c.push(byte(ret))
		c.push(c.SR | BREAK_FLAG | UNUSED_FLAG)
		c.SR |= INTERRUPT_FLAG
		lo := c.bus.Read(IRQ_VECTOR)
		hi := c.bus.Read(IRQ_VECTOR + 1)
		c.PC = uint16(lo) | uint16(hi)<<8
	})

	// Flags
	set(0x18, 2, func(c *CPU65C02) { c.setFlag(CARRY_FLAG, false) })
	set(0x38, 2, func(c *CPU65C02) { c.setFlag(CARRY_FLAG, true) })
	set(0x58, 2, func(c *CPU65C02) { c.setFlag(INTERRUPT_FLAG, false) })
	set(0x78, 2, func(c *CPU65C02) { c.setFlag(INTERRUPT_FLAG, true) })
	set(0xD8, 2, func(c *CPU65C02) { c.setFlag(DECIMAL_FLAG, false) })
	set(0xF8, 2, func(c *CPU65C02) { c.setFlag(DECIMAL_FLAG, true) })
	set(0xB8, 2, func(c *CPU65C02) { c.setFlag(OVERFLOW_FLAG, false) })

	set(0xEA, 2, func(c *CPU65C02) {})
}
