// machine.go - Subsystem wiring and the cooperative task scheduler

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
machine.go - Machine

Owns every singleton and runs the cooperative scheduler. Two execution
contexts exist: the capture goroutine inside the bus engine, which never
blocks, and the scheduler goroutine here, which round-robins short task
hooks. Everything longer than a task tick is a state machine.

Starting and stopping the 6502 is a cascade with load-bearing order.
Run: the dispatcher re-arms the window, the action controller synthesizes
its routine immediately before the clock releases the CPU, the clock last.
Stop: the clock drops the CPU into reset first, then the dispatcher and
action controller unwind, the sideband last. Every stop hook is
idempotent, so a reset-the-world signal can fire at any time.

Run() and Stop() are intents. The capture loop and handlers set them with
a flag write; the scheduler applies the transition on its next pass, which
keeps the non-blocking contexts non-blocking.

Changing PHI2 is the one structural event: the engines are torn down, the
dividers reprogrammed so the pipelines stay at a fixed multiple of PHI2,
and the engines rebuilt. The 6502 is held in reset across the transition.
*/

package main

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	machineStopped int32 = iota
	machineStarting
	machineRunning
	machineStopping
)

const SCHEDULER_TICK = 100 * time.Microsecond

type MachineConfig struct {
	Phi2Khz    uint32    // 0 = default
	ResetMs    uint8     // 0 = auto from PHI2
	ConsoleIn  io.Reader // UART host side; nil = disconnected
	ConsoleOut io.Writer
	PixSink    PixSink // nil = headless
}

type Machine struct {
	mem    *CoreMem
	com    *Com
	pix    *PixLink
	clock  *ClockController
	engine *BusEngine
	action *ActionController
	api    *APIDispatcher

	state    atomic.Int32
	breaking atomic.Bool

	reclockMu sync.Mutex
	started   atomic.Bool
	quit      chan struct{}
	group     errgroup.Group
}

func NewMachine(cfg MachineConfig) (*Machine, error) {
	phi2 := cfg.Phi2Khz
	if phi2 == 0 {
		phi2 = PHI2_DEFAULT_KHZ
	}
	if phi2 < PHI2_MIN_KHZ || phi2 > PHI2_MAX_KHZ {
		return nil, fmt.Errorf("PHI2 %d kHz out of range %d-%d", phi2, PHI2_MIN_KHZ, PHI2_MAX_KHZ)
	}

	mem := NewCoreMem()
	pix := NewPixLink(cfg.PixSink)
	com := NewCom(cfg.ConsoleIn, cfg.ConsoleOut)
	clock := NewClockController(phi2, cfg.ResetMs)
	engine := NewBusEngine(mem, pix, com, clock)
	action := NewActionController(mem, clock, engine)
	api := NewAPIDispatcher(mem, clock, pix)

	m := &Machine{
		mem:    mem,
		com:    com,
		pix:    pix,
		clock:  clock,
		engine: engine,
		action: action,
		api:    api,
	}
	engine.attach(action, api)
	action.attach(m)
	api.attach(m)

	engine.Reclock(clock.Clkdiv())
	pix.Reclock(clock.Clkdiv())
	return m, nil
}

// Start brings up the capture loop, the sideband transmitter, the UART
// pumps and the scheduler. Idempotent. The 6502 stays in reset until
// Run().
func (m *Machine) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	m.quit = make(chan struct{})
	m.engine.Start()
	m.pix.Start()
	m.com.Start()
	quit := m.quit
	m.group.Go(func() error {
		m.schedule(quit)
		return nil
	})
}

// Shutdown stops the 6502, waits for the cascade, and tears everything
// down. Idempotent.
func (m *Machine) Shutdown() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	m.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for m.state.Load() != machineStopped && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(m.quit)
	m.group.Wait()
	m.engine.Shutdown()
	m.pix.Shutdown()
	m.com.Shutdown()
}

// Run requests the transition into the 6502-running state.
func (m *Machine) Run() {
	for {
		s := m.state.Load()
		if s == machineRunning || s == machineStarting {
			return
		}
		if m.state.CompareAndSwap(s, machineStarting) {
			return
		}
	}
}

// Stop requests the transition out of the 6502-running state. Safe from
// any context, including the capture loop.
func (m *Machine) Stop() {
	for {
		switch s := m.state.Load(); s {
		case machineStopped, machineStopping:
			return
		case machineStarting:
			if m.state.CompareAndSwap(s, machineStopped) {
				return
			}
		default:
			if m.state.CompareAndSwap(s, machineStopping) {
				return
			}
		}
	}
}

// Break signals the equivalent of a console break: stop if running.
func (m *Machine) Break() {
	m.breaking.Store(true)
}

// Active reports whether the 6502 side of the machine is up or in
// transition.
func (m *Machine) Active() bool {
	return m.state.Load() != machineStopped
}

func (m *Machine) schedule(quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		default:
		}

		m.clock.Task()
		m.engine.Task()
		m.action.Task()
		m.api.Task()
		m.com.Task()

		if m.breaking.Load() {
			m.state.CompareAndSwap(machineStarting, machineStopped)
			m.state.CompareAndSwap(machineRunning, machineStopping)
			m.breaking.Store(false)
		}
		if m.state.Load() == machineStarting {
			m.runCascade()
			m.state.Store(machineRunning)
		}
		if m.state.Load() == machineStopping {
			m.stopCascade()
			m.state.Store(machineStopped)
		}

		time.Sleep(SCHEDULER_TICK)
	}
}

// runCascade is sensitive to order: the action controller must prepare the
// window immediately before the clock releases the 6502, and the clock
// must be last.
func (m *Machine) runCascade() {
	m.api.Run()
	m.action.Prep()
	m.clock.CpuRun()
}

// stopCascade: the 6502 goes into reset first, the sideband flushes last.
// Every hook is idempotent.
func (m *Machine) stopCascade() {
	m.clock.CpuStop()
	m.api.Stop()
	m.action.Stop()
	m.pix.Stop()
}

// SetPhi2Khz reprograms the clock tree. Returns the quantized frequency
// actually synthesized. Setting the current frequency again is a no-op.
func (m *Machine) SetPhi2Khz(khz uint32) (uint32, error) {
	if khz < PHI2_MIN_KHZ || khz > PHI2_MAX_KHZ {
		return 0, fmt.Errorf("PHI2 %d kHz out of range %d-%d", khz, PHI2_MIN_KHZ, PHI2_MAX_KHZ)
	}
	m.reclockMu.Lock()
	defer m.reclockMu.Unlock()

	actual, sys, div := quantizePhi2(khz)
	if actual == m.clock.Phi2Khz() {
		return actual, nil
	}

	// Tear down: CPU into reset, then the engines.
	m.Stop()
	m.clock.CpuStop()
	m.engine.Shutdown()
	m.pix.Shutdown()

	m.clock.apply(actual, sys, div)
	m.engine.Reclock(div)
	m.pix.Reclock(div)

	// Rebuild.
	if m.started.Load() {
		m.engine.Start()
		m.pix.Start()
	}
	return actual, nil
}

// SetResetMs configures the RESB hold time; 0 selects the automatic
// minimum derived from PHI2.
func (m *Machine) SetResetMs(ms uint8) {
	m.clock.SetResetMs(ms)
}
