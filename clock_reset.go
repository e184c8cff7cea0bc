// clock_reset.go - PHI2 clock generation and RESB timing

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
clock_reset.go - Clock & Reset Controller

The controller is the root of the engine tree. PHI2 is synthesized from a
system clock through a 16.8 fixed-point divider: the system clock runs at
32x PHI2, floored at 128 MHz so the bus machine pipelines stay timed, which
means frequencies below 4 MHz are quantized by the divider. The quantized
actual frequency is what gets stored and reported.

RESB handling follows the hardware contract: dropping reset arms a timer
sized so the 6502 sees at least two complete PHI2 cycles (or the configured
reset_ms if longer); the scheduler's clock task raises RESB once the timer
expires. Run/stop ordering relative to the other subsystems is owned by the
machine cascade.

The pacer at the bottom is how emulated bus masters spend cycles: it banks
PHI2 periods and sleeps in coarse slices so a 2 kHz clock feels like 2 kHz
without per-cycle timer syscalls.
*/

package main

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	PHI2_MIN_KHZ     = 100
	PHI2_MAX_KHZ     = 8000
	PHI2_DEFAULT_KHZ = 8000

	// Engine pipelines run at 32x PHI2 off a system clock of at least
	// 128 MHz; 4-8 MHz PHI2 raises the system clock up to 256 MHz.
	SYS_CLK_MIN_KHZ = 128000
	ENGINE_RATE     = 32
)

// quantizePhi2 maps a requested PHI2 to what the divider can synthesize.
// Returns the actual frequency, the system clock, and the 16.8 divider.
func quantizePhi2(khz uint32) (actual, sysClkKhz, clkdiv uint32) {
	sysClkKhz = khz * ENGINE_RATE
	if sysClkKhz < SYS_CLK_MIN_KHZ {
		sysClkKhz = SYS_CLK_MIN_KHZ
	}
	denom := khz * ENGINE_RATE
	clkdiv = (sysClkKhz*256 + denom/2) / denom
	actual = sysClkKhz * 256 / (clkdiv * ENGINE_RATE)
	return
}

type ClockController struct {
	mu        sync.Mutex
	phi2Khz   uint32
	sysClkKhz uint32
	clkdiv    uint32
	resetMs   uint8 // 0 = auto
	resbTimer time.Time

	resb    atomic.Bool
	running atomic.Bool
}

func NewClockController(phi2Khz uint32, resetMs uint8) *ClockController {
	actual, sys, div := quantizePhi2(phi2Khz)
	return &ClockController{
		phi2Khz:   actual,
		sysClkKhz: sys,
		clkdiv:    div,
		resetMs:   resetMs,
	}
}

func (c *ClockController) Phi2Khz() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phi2Khz
}

func (c *ClockController) SysClkKhz() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysClkKhz
}

func (c *ClockController) Clkdiv() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clkdiv
}

// apply installs a new quantized operating point. Only the machine's
// reclock cascade calls this, with the engines torn down.
func (c *ClockController) apply(actual, sysClkKhz, clkdiv uint32) {
	c.mu.Lock()
	c.phi2Khz = actual
	c.sysClkKhz = sysClkKhz
	c.clkdiv = clkdiv
	c.mu.Unlock()
}

// Phi2Period is the duration of one bus cycle.
func (c *ClockController) Phi2Period() time.Duration {
	c.mu.Lock()
	khz := c.phi2Khz
	c.mu.Unlock()
	return time.Duration(1_000_000/khz) * time.Nanosecond
}

func (c *ClockController) SetResetMs(ms uint8) {
	c.mu.Lock()
	c.resetMs = ms
	c.mu.Unlock()
}

func (c *ClockController) ResetMs() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetMs
}

// ResetUs returns the reset hold time in microseconds. May be higher than
// configured to guarantee the 6502 gets two clock cycles during reset.
func (c *ClockController) ResetUs() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	autoMin := (2_000 + c.phi2Khz - 1) / c.phi2Khz
	us := uint32(c.resetMs) * 1000
	if us < autoMin {
		us = autoMin
	}
	return us
}

// ResbHigh reports the state of the reset line.
func (c *ClockController) ResbHigh() bool {
	return c.resb.Load()
}

// SetResb drives the reset line. Dropping it arms the hold timer so the
// next rise honors the reset duration. Safe from the capture context.
func (c *ClockController) SetResb(level bool) {
	if level {
		c.resb.Store(true)
		return
	}
	if c.resb.CompareAndSwap(true, false) {
		hold := time.Duration(c.ResetUs()) * time.Microsecond
		c.mu.Lock()
		c.resbTimer = time.Now().Add(hold)
		c.mu.Unlock()
	}
}

// CpuRun marks the 6502 wanted-running. RESB rises from the clock task
// once the hold timer expires.
func (c *ClockController) CpuRun() {
	c.running.Store(true)
}

// CpuStop drops the 6502 into reset. Idempotent; first in the stop
// cascade.
func (c *ClockController) CpuStop() {
	c.running.Store(false)
	c.SetResb(false)
}

// CpuActive reports whether the 6502 is running or still being held
// through a reset sequence.
func (c *ClockController) CpuActive() bool {
	return c.running.Load() || c.resb.Load()
}

// Task raises RESB when the hold timer has expired. The run cascade
// guarantees the action controller prepared the window before this can
// fire.
func (c *ClockController) Task() {
	if !c.running.Load() || c.resb.Load() {
		return
	}
	c.mu.Lock()
	expired := time.Now().After(c.resbTimer)
	c.mu.Unlock()
	if expired {
		c.resb.Store(true)
	}
}

/* PHI2 pacing for emulated bus masters.
 */

type Phi2Pacer struct {
	clock *ClockController
	next  time.Time
}

func (c *ClockController) NewPacer() *Phi2Pacer {
	return &Phi2Pacer{clock: c, next: time.Now()}
}

// Advance banks n cycles of PHI2 time and sleeps once enough has
// accumulated. Falling far behind real time forfeits the banked credit
// instead of sprinting to catch up.
func (p *Phi2Pacer) Advance(n int) {
	p.next = p.next.Add(time.Duration(n) * p.clock.Phi2Period())
	d := time.Until(p.next)
	if d > 2*time.Millisecond {
		time.Sleep(d - time.Millisecond)
	} else if d < -100*time.Millisecond {
		p.next = time.Now()
	}
}

// Rewind restarts pacing, e.g. after a reset hold.
func (p *Phi2Pacer) Rewind() {
	p.next = time.Now()
}
