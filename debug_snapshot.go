// debug_snapshot.go - Machine state snapshot for diagnostics

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

package main

import (
	"io"

	"github.com/davecgh/go-spew/spew"
)

// MachineSnapshot captures the externally observable state of the
// coprocessor at one instant: the register window, the auxiliary stack
// pointer, the clock tree and whatever action is in flight.
type MachineSnapshot struct {
	State     int32
	Phi2Khz   uint32
	SysClkKhz uint32
	Clkdiv    uint32
	ResetUs   uint32
	ResbHigh  bool

	ActionActive bool
	ActionResult int32

	XStackPtr int
	Regs      [WINDOW_SIZE]byte
}

// TakeSnapshot reads a consistent-enough view for debugging. It does not
// pause the machine; fields may be from adjacent task ticks.
func (m *Machine) TakeSnapshot() *MachineSnapshot {
	return &MachineSnapshot{
		State:        m.state.Load(),
		Phi2Khz:      m.clock.Phi2Khz(),
		SysClkKhz:    m.clock.SysClkKhz(),
		Clkdiv:       m.clock.Clkdiv(),
		ResetUs:      m.clock.ResetUs(),
		ResbHigh:     m.clock.ResbHigh(),
		ActionActive: m.action.Active(),
		ActionResult: m.action.Result(),
		XStackPtr:    m.mem.XStackPtr(),
		Regs:         m.mem.RegsSnapshot(),
	}
}

// Dump renders the snapshot for a bug report.
func (s *MachineSnapshot) Dump(w io.Writer) {
	spew.Fdump(w, s)
}
