// bus_engine.go - Bus cycle capture engine for the register window

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
bus_engine.go - Bus Engine

Three cooperating state machines service every 6502 bus cycle that lands in
the register window, mirroring the PIO + DMA arrangement of the hardware:

    The ingress machine deposits every write into the register file before
    anything else sees it. In hardware this is a chained ping-pong DMA pair
    that turns the five low address bits into a write pointer; here the
    deposit happens inside CycleWrite, ahead of event delivery, so no event
    can ever disagree with the byte in the register file.

    The egress machine drives register file bytes onto the data lines for
    reads. CycleRead latches the byte before the capture loop applies any
    side effects, so a read observes the value as of the cycle it happened
    in, never a half-applied update.

    The event machine feeds a 32-bit FIFO consumed by the capture loop on
    its own goroutine. Every write is captured; reads are captured only for
    every fourth window offset plus one programmable extra address, so
    ordinary register polling does not spam the queue. The extra address is
    normally UART RX and is retargeted by the action controller.

Each bus cycle ends with a barrier that waits for the capture loop to
retire the cycle's event. That models the fixed response window the
hardware has before the next PHI2 edge: anything the 6502 must observe in
the following cycle (a stack mirror refresh, a cursor advance) is in place
when CycleRead/CycleWrite return.

The capture loop itself never blocks: sideband sends drop on saturation,
UART transfers test writability, and stop requests are just flags.
*/

package main

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const BUS_EVENT_FIFO = 8

type BusEngine struct {
	mem   *CoreMem
	pix   *PixLink
	com   *Com
	clock *ClockController

	// Wired after construction; see Machine.
	action *ActionController
	api    *APIDispatcher

	events   chan uint32
	watch    atomic.Uint32 // extra watched read index (5 bits)
	overruns atomic.Uint32
	clkdiv   atomic.Uint32 // 16.8 divider shared by all three machines

	idleMu      sync.Mutex
	idleCond    *sync.Cond
	unprocessed int

	running atomic.Bool
	quit    chan struct{}
	done    chan struct{}
}

func NewBusEngine(mem *CoreMem, pix *PixLink, com *Com, clock *ClockController) *BusEngine {
	e := &BusEngine{
		mem:    mem,
		pix:    pix,
		com:    com,
		clock:  clock,
		events: make(chan uint32, BUS_EVENT_FIFO),
	}
	e.idleCond = sync.NewCond(&e.idleMu)
	e.SetWatchAddress(REG_UART_RX)
	return e
}

// attach completes the wiring loop once the downstream consumers exist.
func (e *BusEngine) attach(action *ActionController, api *APIDispatcher) {
	e.action = action
	e.api = api
}

// SetWatchAddress selects the one extra read address that generates
// events. Every fourth offset (0, 4, 8, ...) is always watched.
func (e *BusEngine) SetWatchAddress(addr uint16) {
	e.watch.Store(uint32(addr & 0x1F))
}

func (e *BusEngine) watched(addr uint16) bool {
	idx := uint32(addr & 0x1F)
	return idx&3 == 0 || idx == e.watch.Load()
}

// CycleWrite services one 6502 write cycle into the window.
func (e *BusEngine) CycleWrite(addr uint16, data byte) {
	e.mem.SetReg(addr, data) // ingress DMA deposit
	e.post(eventWord(addr, data, true))
	e.drain()
}

// CycleRead services one 6502 read cycle from the window and returns the
// byte driven onto the data lines.
func (e *BusEngine) CycleRead(addr uint16) byte {
	data := e.mem.Reg(addr) // egress latches before side effects
	if e.watched(addr) {
		e.post(eventWord(addr, data, false))
		e.drain()
	}
	return data
}

func (e *BusEngine) post(ev uint32) {
	if !e.running.Load() {
		// Engines torn down (reclock in progress); the cycle goes
		// unserviced. The 6502 is in reset whenever this is legal.
		return
	}
	if len(e.events) == cap(e.events) {
		// A full FIFO is a design bug in hardware. The emulation
		// stalls the producer instead of dropping; report either way.
		e.overruns.Add(1)
	}
	e.idleMu.Lock()
	e.unprocessed++
	e.idleMu.Unlock()
	e.events <- ev
}

// drain is the end-of-cycle barrier: wait until the capture loop has
// retired everything posted so far.
func (e *BusEngine) drain() {
	e.idleMu.Lock()
	for e.unprocessed > 0 && e.running.Load() {
		e.idleCond.Wait()
	}
	e.idleMu.Unlock()
}

func (e *BusEngine) retire() {
	e.idleMu.Lock()
	e.unprocessed--
	e.idleCond.Broadcast()
	e.idleMu.Unlock()
}

// Start brings up the capture goroutine. Idempotent.
func (e *BusEngine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	// Discard anything stranded by a teardown mid-cycle.
	for {
		select {
		case <-e.events:
			continue
		default:
		}
		break
	}
	e.idleMu.Lock()
	e.unprocessed = 0
	e.idleMu.Unlock()
	e.quit = make(chan struct{})
	e.done = make(chan struct{})
	go e.capture(e.quit, e.done)
}

// Shutdown stops the capture goroutine and releases any producer parked on
// the cycle barrier. Idempotent.
func (e *BusEngine) Shutdown() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.quit)
	<-e.done
	e.idleMu.Lock()
	e.idleCond.Broadcast()
	e.idleMu.Unlock()
}

// Reclock stores the divider that keeps all three machines at a fixed
// multiple of PHI2.
func (e *BusEngine) Reclock(clkdiv uint32) {
	e.clkdiv.Store(clkdiv)
}

// Task reports FIFO overruns. No recovery is attempted; the design keeps
// the capture loop fast enough that this never fires.
func (e *BusEngine) Task() {
	if n := e.overruns.Swap(0); n > 0 {
		fmt.Printf("Warning: bus event FIFO overrun x%d\n", n)
	}
}

func (e *BusEngine) capture(quit, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			// Flush so no producer stays parked on the barrier.
			for {
				select {
				case <-e.events:
					e.retire()
				default:
					return
				}
			}
		case ev := <-e.events:
			if e.clock.ResbHigh() {
				e.dispatch(ev)
			}
			e.retire()
		}
	}
}

// dispatch is the capture loop body: one bus event in, register file,
// stack, XRAM and sideband side effects out. Must not block.
func (e *BusEngine) dispatch(ev uint32) {
	data := byte(ev)
	switch ev >> EVENT_INDEX_SHIFT {

	case caseRead(ACT_WRITE_WATCH): // action write iteration
		e.action.onWriteBranch()

	case caseWrite(ACT_READ_PORT): // action read capture
		e.action.onReadPort(data)

	case caseWrite(ACT_VERIFY_PORT): // action verify capture
		e.action.onVerifyPort(data)

	case caseWrite(REG_OPCODE): // OS function call
		e.api.onOpcodeWrite(data)

	case caseWrite(REG_XSTACK):
		e.mem.XStackPush(data)

	case caseRead(REG_XSTACK):
		e.mem.XStackPop()

	case caseWrite(REG_XRAM_ADDR1), caseWrite(REG_XRAM_ADDR1 + 1):
		e.mem.CursorRefresh(1)

	case caseWrite(REG_XRAM_RW1):
		addr := e.mem.CursorWrite(1, data)
		e.pix.SendXRAM(addr, data)

	case caseRead(REG_XRAM_RW1):
		e.mem.CursorRead(1)

	case caseWrite(REG_XRAM_ADDR0), caseWrite(REG_XRAM_ADDR0 + 1):
		e.mem.CursorRefresh(0)

	case caseWrite(REG_XRAM_RW0):
		addr := e.mem.CursorWrite(0, data)
		e.pix.SendXRAM(addr, data)

	case caseRead(REG_XRAM_RW0):
		e.mem.CursorRead(0)

	case caseRead(REG_UART_RX):
		if ch := e.com.TakeRx(); ch >= 0 {
			e.mem.SetReg(REG_UART_RX, byte(ch))
			e.mem.SetRegBits(REG_UART_FLOW, UART_RX_READY, true)
		} else {
			e.mem.SetRegBits(REG_UART_FLOW, UART_RX_READY, false)
			e.mem.SetReg(REG_UART_RX, 0)
		}

	case caseWrite(REG_UART_TX):
		if e.com.TxWritable() {
			e.com.TxWrite(data)
		}
		e.mem.SetRegBits(REG_UART_FLOW, UART_TX_READY, e.com.TxWritable())

	case caseRead(REG_UART_FLOW):
		if e.mem.Reg(REG_UART_FLOW)&UART_RX_READY == 0 {
			if ch := e.com.TakeRx(); ch >= 0 {
				e.mem.SetReg(REG_UART_RX, byte(ch))
				e.mem.SetRegBits(REG_UART_FLOW, UART_RX_READY, true)
			}
		}
		e.mem.SetRegBits(REG_UART_FLOW, UART_TX_READY, e.com.TxWritable())
	}
}
