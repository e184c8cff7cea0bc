// action.go - Host-initiated bulk RAM transfers via synthesized 6502 code

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
action.go - Action Controller

The host cannot touch the 6502's RAM directly; only the 6502 can. So the
controller plants a tiny self-modifying routine at the top of the register
window, points the reset vector at it, and lets the 6502 run it. Each
iteration of the routine produces one bus event, which the capture loop
hands back here to patch the routine forward or shut it down.

Bulk write ($FFF0):

    FFF0  A9 ..     LDA #imm      ; imm patched to the next buffer byte
    FFF2  8D .. ..  STA addr      ; addr patched to advance
    FFF5  80 F9     BRA $FFF0
    FFF7  80 FE     BRA $FFF7     ; halt

The event machine watches reads of $FFF6, the branch-back operand, so one
event arrives per iteration. After the last byte the operand is rewritten
to $00 and the 6502 falls into the halt branch. The position counter starts
at -2: below roughly 10 kHz PHI2 the first two stores do not land in SRAM,
so two warm-up iterations rewrite the first byte harmlessly. This is
deliberate; do not remove it without a clocked hardware model.

Bulk read and verify:

    FFF0  AD .. ..  LDA addr      ; addr patched to advance
    FFF3  8D FD FF  STA $FFFD     ; $FFFC for verify
    FFF6  80 F8     BRA $FFF0
    FFF8  80 FE     BRA $FFF8     ; halt

Stores to the magic port are writes, so they always produce events; each
one captures (or compares) a byte and advances the source operand.

Transfers are clamped away from the forbidden regions: writes discard
everything at or above $FF00, reads serve $FFFB-$FFFF from the register
file and zero-pad the rest of the top page, verify checks $FFFB-$FFFF
against the register file without running any 6502 code.

A watchdog of reset time + 250 ms covers a wedged or absent CPU: expiry
forces reset, posts result -2 and returns to idle. 250 ms is the smallest
value that allows 1k transfers at 50 kHz.
*/

package main

import (
	"fmt"
	"hash/crc32"
	"sync"
	"sync/atomic"
	"time"
)

const (
	MBUF_SIZE           = 1024
	ACTION_WATCHDOG_MS  = 250
	ACTION_RESULT_OK    = -1
	ACTION_RESULT_TMOUT = -2
)

const (
	actionIdle int32 = iota
	actionRead
	actionWrite
	actionVerify
)

type ActionController struct {
	mem    *CoreMem
	clock  *ClockController
	engine *BusEngine

	machine *Machine // wired after construction

	state  atomic.Int32
	result atomic.Int32 // -1 OK, -2 timeout, else first verify mismatch

	mu            sync.Mutex
	buf           [MBUF_SIZE]byte
	bufLen        int
	rwAddr        uint16
	rwPos         int32
	rwEnd         int32
	savedResetVec int32 // -1 = none saved
	watchdog      time.Time
}

func NewActionController(mem *CoreMem, clock *ClockController, engine *BusEngine) *ActionController {
	a := &ActionController{
		mem:           mem,
		clock:         clock,
		engine:        engine,
		savedResetVec: -1,
	}
	a.result.Store(ACTION_RESULT_OK)
	return a
}

func (a *ActionController) attach(machine *Machine) {
	a.machine = machine
}

// Active reports an action in flight. Callers poll until it clears, then
// read Result.
func (a *ActionController) Active() bool {
	return a.state.Load() != actionIdle
}

// Result is -1 on success, -2 on watchdog timeout, or the first
// mismatching address of a failed verify.
func (a *ActionController) Result() int32 {
	return a.result.Load()
}

// Buf exposes the transfer buffer after a read completes.
func (a *ActionController) Buf() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, a.bufLen)
	copy(out, a.buf[:a.bufLen])
	return out
}

// BufCRC32 is the checksum the host control plane uses to validate binary
// uploads before starting a write.
func (a *ActionController) BufCRC32() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return crc32.ChecksumIEEE(a.buf[:a.bufLen])
}

func (a *ActionController) checkStart(n int) error {
	if a.clock.CpuActive() {
		return fmt.Errorf("6502 is active")
	}
	if a.Active() {
		return fmt.Errorf("action in progress")
	}
	if n > MBUF_SIZE {
		return fmt.Errorf("transfer too large: %d > %d", n, MBUF_SIZE)
	}
	return nil
}

// StartWrite copies data into SRAM at addr. Bytes that would land at or
// above $FF00 are silently discarded; the preceding bytes still land.
func (a *ActionController) StartWrite(addr uint16, data []byte) error {
	if err := a.checkStart(len(data)); err != nil {
		return err
	}
	a.mu.Lock()
	a.result.Store(ACTION_RESULT_OK)
	a.bufLen = copy(a.buf[:], data)
	l := int32(a.bufLen)
	for l > 0 && int32(addr)+l > FORBID_WRITE_ADDR {
		l--
	}
	if l == 0 {
		a.mu.Unlock()
		return nil
	}
	a.rwAddr = addr
	a.rwEnd = l
	// Warm-up: two extra iterations so slow clocks land the first byte.
	a.rwPos = -2
	a.mu.Unlock()
	a.state.Store(actionWrite)
	a.machine.Run()
	return nil
}

// StartRead copies n bytes of SRAM at addr into the buffer. The watchdog
// region is served from the register file; the rest of the top page reads
// as zero.
func (a *ActionController) StartRead(addr uint16, n int) error {
	if err := a.checkStart(n); err != nil {
		return err
	}
	a.mu.Lock()
	a.result.Store(ACTION_RESULT_OK)
	a.bufLen = n
	l := int32(n)
	for l > 0 && int32(addr)+l > FORBID_VERIFY_ADDR {
		l--
		if int32(addr)+l <= 0xFFFF {
			a.buf[l] = a.mem.Reg(addr + uint16(l))
		} else {
			a.buf[l] = 0
		}
	}
	for l > 0 && int32(addr)+l > FORBID_WRITE_ADDR {
		l--
		a.buf[l] = 0
	}
	if l == 0 {
		a.mu.Unlock()
		return nil
	}
	a.rwAddr = addr
	a.rwEnd = l
	a.rwPos = 0
	a.mu.Unlock()
	a.state.Store(actionRead)
	a.machine.Run()
	return nil
}

// StartVerify compares data against SRAM at addr. The watchdog region is
// compared against the register file immediately; a mismatch there reports
// without running any 6502 code.
func (a *ActionController) StartVerify(addr uint16, data []byte) error {
	if err := a.checkStart(len(data)); err != nil {
		return err
	}
	a.mu.Lock()
	a.result.Store(ACTION_RESULT_OK)
	a.bufLen = copy(a.buf[:], data)
	l := int32(a.bufLen)
	for l > 0 && int32(addr)+l > FORBID_VERIFY_ADDR {
		l--
		if int32(addr)+l <= 0xFFFF && a.buf[l] != a.mem.Reg(addr+uint16(l)) {
			a.result.Store(int32(addr) + l)
		}
	}
	for l > 0 && int32(addr)+l > FORBID_WRITE_ADDR {
		l--
	}
	if l == 0 || a.result.Load() != ACTION_RESULT_OK {
		a.mu.Unlock()
		return nil
	}
	a.rwAddr = addr
	a.rwEnd = l
	a.rwPos = 0
	a.mu.Unlock()
	a.state.Store(actionVerify)
	a.machine.Run()
	return nil
}

// Prep synthesizes the routine for the pending action. Runs in the start
// cascade, immediately before the 6502 is released.
func (a *ActionController) Prep() {
	a.engine.SetWatchAddress(REG_UART_RX)
	state := a.state.Load()
	if state == actionIdle {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.result.Store(ACTION_RESULT_OK)
	a.savedResetVec = int32(a.mem.RegW(REG_RESET_VEC))
	a.mem.SetRegW(REG_RESET_VEC, ACT_ROUTINE_ENTRY)
	a.watchdog = time.Now().
		Add(time.Duration(a.clock.ResetUs()) * time.Microsecond).
		Add(ACTION_WATCHDOG_MS * time.Millisecond)
	switch state {
	case actionWrite:
		a.engine.SetWatchAddress(ACT_WRITE_WATCH)
		a.mem.SetRegs(0xFFF0,
			0xA9, a.buf[0], // LDA #imm
			0x8D, byte(a.rwAddr), byte(a.rwAddr>>8), // STA addr
			0x80, 0xF9, // BRA $FFF0
			0x80, 0xFE) // BRA $FFF7
	case actionRead, actionVerify:
		port := byte(ACT_READ_PORT & 0xFF)
		if state == actionVerify {
			port = byte(ACT_VERIFY_PORT & 0xFF)
		}
		a.mem.SetRegs(0xFFF0,
			0xAD, byte(a.rwAddr), byte(a.rwAddr>>8), // LDA addr
			0x8D, port, 0xFF, // STA magic port
			0x80, 0xF8, // BRA $FFF0
			0x80, 0xFE) // BRA $FFF8
	}
}

// Stop restores the saved reset vector, then idles. The restore is ordered
// before the state change so nobody observes Idle with a patched vector.
func (a *ActionController) Stop() {
	a.mu.Lock()
	if a.savedResetVec >= 0 {
		a.mem.SetRegW(REG_RESET_VEC, uint16(a.savedResetVec))
		a.savedResetVec = -1
	}
	a.mu.Unlock()
	a.state.Store(actionIdle)
	a.engine.SetWatchAddress(REG_UART_RX)
}

// Task checks the watchdog. Expiry forces the 6502 into reset and posts
// the timeout result; the stop cascade does the rest.
func (a *ActionController) Task() {
	if !a.Active() {
		return
	}
	a.mu.Lock()
	expired := time.Now().After(a.watchdog)
	a.mu.Unlock()
	if expired {
		a.result.Store(ACTION_RESULT_TMOUT)
		a.machine.Stop()
	}
}

/* Capture-loop event handlers. One call per iteration of the synthesized
 * routine; none of these may block.
 */

// onWriteBranch handles the watched read of the branch-back operand during
// a bulk write.
func (a *ActionController) onWriteBranch() {
	if a.state.Load() != actionWrite {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rwPos < a.rwEnd {
		if a.rwPos > 0 {
			a.mem.SetReg(0xFFF1, a.buf[a.rwPos])
			a.mem.AddRegW(0xFFF3, 1)
		}
		a.rwPos++
		if a.rwPos == a.rwEnd {
			a.mem.SetReg(ACT_WRITE_WATCH, 0x00)
		}
	} else {
		a.clock.SetResb(false)
		a.machine.Stop()
	}
}

// onReadPort captures one byte stored to the read magic port.
func (a *ActionController) onReadPort(data byte) {
	if a.state.Load() != actionRead {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rwPos < a.rwEnd {
		a.mem.AddRegW(0xFFF1, 1)
		a.buf[a.rwPos] = data
		a.rwPos++
		if a.rwPos == a.rwEnd {
			a.clock.SetResb(false)
			a.machine.Stop()
		}
	}
}

// onVerifyPort compares one byte stored to the verify magic port. The
// first mismatch wins; the source operand was already advanced, so the
// failing address is operand minus one.
func (a *ActionController) onVerifyPort(data byte) {
	if a.state.Load() != actionVerify {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rwPos < a.rwEnd {
		next := a.mem.AddRegW(0xFFF1, 1)
		if a.buf[a.rwPos] != data && a.result.Load() < 0 {
			a.result.Store(int32(next) - 1)
		}
		a.rwPos++
		if a.rwPos == a.rwEnd {
			a.clock.SetResb(false)
			a.machine.Stop()
		}
	}
}
