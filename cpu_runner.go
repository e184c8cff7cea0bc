// cpu_runner.go - 65C02 + SRAM rig driving the register window

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
cpu_runner.go - CPU Runner

Joins a 65C02 core and 64 KiB of SRAM to the machine the way the physical
parts sit on the bus: every access to $FFE0-$FFFF becomes a window cycle
serviced by the bus engine; everything below is plain SRAM. The runner
goroutine honors RESB - it idles while the line is low and re-fetches the
reset vector on the rising edge - and spends cycles against the PHI2
pacer so a 2 kHz machine behaves like one.

The runner is how the interactive binary and the end-to-end tests give
the coprocessor something to talk to. The firmware core never depends on
it.
*/

package main

import (
	"sync/atomic"
	"time"
)

type CPURunner struct {
	cpu     *CPU65C02
	sram    []byte
	engine  *BusEngine
	clock   *ClockController
	running atomic.Bool
	done    chan struct{}
}

// riaBus8 routes 65C02 bus cycles between SRAM and the register window.
type riaBus8 struct {
	r *CPURunner
}

func (b riaBus8) Read(addr uint16) byte {
	if addr >= WINDOW_BASE {
		return b.r.engine.CycleRead(addr)
	}
	return b.r.sram[addr]
}

func (b riaBus8) Write(addr uint16, value byte) {
	if addr >= WINDOW_BASE {
		b.r.engine.CycleWrite(addr, value)
		return
	}
	b.r.sram[addr] = value
}

func NewCPURunner(m *Machine) *CPURunner {
	r := &CPURunner{
		sram:   make([]byte, 0x10000),
		engine: m.engine,
		clock:  m.clock,
	}
	r.cpu = NewCPU65C02(riaBus8{r})
	return r
}

// LoadSRAM places bytes directly into the CPU's RAM, bypassing the bus.
// Tests use it to seed fixtures; production loads go through the action
// controller like any other host transfer.
func (r *CPURunner) LoadSRAM(addr uint16, data []byte) {
	copy(r.sram[addr:], data)
}

// SRAM exposes the raw memory for test assertions.
func (r *CPURunner) SRAM() []byte {
	return r.sram
}

// CPU exposes the core for diagnostics.
func (r *CPURunner) CPU() *CPU65C02 {
	return r.cpu
}

// Start spawns the execution goroutine. Idempotent.
func (r *CPURunner) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.done = make(chan struct{})
	go r.run()
}

// Stop halts execution and waits for the goroutine. Idempotent.
func (r *CPURunner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	<-r.done
}

func (r *CPURunner) run() {
	defer close(r.done)
	pacer := r.clock.NewPacer()
	inReset := true
	for r.running.Load() {
		if !r.clock.ResbHigh() {
			inReset = true
			time.Sleep(200 * time.Microsecond)
			pacer.Rewind()
			continue
		}
		if inReset {
			r.cpu.Reset()
			inReset = false
		}
		pacer.Advance(r.cpu.Step())
	}
}
