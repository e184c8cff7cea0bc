package main

import (
	"testing"
	"time"
)

// actionRig is the full hardware-in-the-loop setup: machine plus an
// emulated 65C02 and SRAM answering the synthesized routines.
type actionRig struct {
	*machineRig
	runner *CPURunner
}

func newActionRig(t *testing.T, phi2Khz uint32) *actionRig {
	t.Helper()
	rig := newMachineRig(t, phi2Khz)
	runner := NewCPURunner(rig.m)
	runner.Start()
	t.Cleanup(runner.Stop)
	return &actionRig{machineRig: rig, runner: runner}
}

func (r *actionRig) write(t *testing.T, addr uint16, data []byte) {
	t.Helper()
	if err := r.m.action.StartWrite(addr, data); err != nil {
		t.Fatalf("StartWrite: %v", err)
	}
	r.awaitIdle(t, 5*time.Second)
}

func (r *actionRig) read(t *testing.T, addr uint16, n int) []byte {
	t.Helper()
	if err := r.m.action.StartRead(addr, n); err != nil {
		t.Fatalf("StartRead: %v", err)
	}
	r.awaitIdle(t, 5*time.Second)
	return r.m.action.Buf()
}

func (r *actionRig) verify(t *testing.T, addr uint16, data []byte) int32 {
	t.Helper()
	if err := r.m.action.StartVerify(addr, data); err != nil {
		t.Fatalf("StartVerify: %v", err)
	}
	r.awaitIdle(t, 5*time.Second)
	return r.m.action.Result()
}

func TestActionWriteReadRoundTrip(t *testing.T) {
	rig := newActionRig(t, PHI2_DEFAULT_KHZ)

	rig.write(t, 0x0200, []byte{0x11, 0x22, 0x33})
	if got := rig.m.action.Result(); got != ACTION_RESULT_OK {
		t.Fatalf("write result=%d, want -1", got)
	}

	got := rig.read(t, 0x0200, 3)
	if rig.m.action.Result() != ACTION_RESULT_OK {
		t.Fatalf("read result=%d, want -1", rig.m.action.Result())
	}
	want := []byte{0x11, 0x22, 0x33}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("read[%d]=0x%02X, want 0x%02X (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestActionVerifyMatchAndMismatch(t *testing.T) {
	rig := newActionRig(t, PHI2_DEFAULT_KHZ)

	rig.write(t, 0x0200, []byte{0x11, 0x22, 0x33})
	if got := rig.verify(t, 0x0200, []byte{0x11, 0x22, 0x33}); got != ACTION_RESULT_OK {
		t.Fatalf("verify result=%d, want -1", got)
	}
	if got := rig.verify(t, 0x0200, []byte{0x11, 0x23, 0x33}); got != 0x0201 {
		t.Fatalf("verify result=$%04X, want $0201", got)
	}
}

func TestActionSlowClockWrite(t *testing.T) {
	if testing.Short() {
		t.Skip("slow clock test")
	}
	rig := newActionRig(t, 2000)
	if _, err := rig.m.SetPhi2Khz(100); err != nil {
		t.Fatalf("SetPhi2Khz: %v", err)
	}

	rig.write(t, 0x1000, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	if got := rig.m.action.Result(); got != ACTION_RESULT_OK {
		t.Fatalf("write result=%d, want -1", got)
	}
	got := rig.read(t, 0x1000, 4)
	want := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("read[%d]=0x%02X, want 0x%02X (got %v)", i, got[i], want[i], got)
		}
	}
}

func TestActionWatchdogTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("watchdog test waits out the deadline")
	}
	// No CPU runner: nothing ever answers the synthesized routine.
	rig := newMachineRig(t, PHI2_DEFAULT_KHZ)

	if err := rig.m.action.StartWrite(0x0200, []byte{0x00}); err != nil {
		t.Fatalf("StartWrite: %v", err)
	}
	rig.awaitIdle(t, 2*time.Second)
	if got := rig.m.action.Result(); got != ACTION_RESULT_TMOUT {
		t.Fatalf("result=%d, want -2", got)
	}
	if rig.m.action.Active() {
		t.Fatalf("action still active after watchdog")
	}
}

func TestActionRejectedWhileActive(t *testing.T) {
	rig := newMachineRig(t, PHI2_DEFAULT_KHZ)

	if err := rig.m.action.StartWrite(0x0200, []byte{0x01}); err != nil {
		t.Fatalf("StartWrite: %v", err)
	}
	// No CPU is attached, so the action stays in flight; a second start
	// must be rejected.
	if err := rig.m.action.StartWrite(0x0300, []byte{0x02}); err == nil {
		t.Fatalf("second StartWrite accepted while active")
	}
	rig.m.Stop()
	rig.awaitIdle(t, 2*time.Second)
}

func TestActionWriteClampsForbiddenRegion(t *testing.T) {
	rig := newActionRig(t, PHI2_DEFAULT_KHZ)

	// Crosses into $FF00: the overlapping portion is discarded, the
	// preceding bytes still land.
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	rig.write(t, 0xFEFE, data)
	if got := rig.m.action.Result(); got != ACTION_RESULT_OK {
		t.Fatalf("write result=%d, want -1", got)
	}
	rig.runner.Stop() // quiesce before inspecting SRAM directly
	if got := rig.runner.SRAM()[0xFEFE]; got != 0xDE {
		t.Fatalf("sram[$FEFE]=0x%02X, want 0xDE", got)
	}
	if got := rig.runner.SRAM()[0xFEFF]; got != 0xAD {
		t.Fatalf("sram[$FEFF]=0x%02X, want 0xAD", got)
	}
	if got := rig.runner.SRAM()[0xFF00]; got != 0x00 {
		t.Fatalf("sram[$FF00]=0x%02X, forbidden byte landed", got)
	}
}

func TestActionVerifyWatchdogRegionNoCPU(t *testing.T) {
	// Verify entirely inside $FFFA+: answered from the register file,
	// no 6502 code runs, so no CPU runner is needed.
	rig := newMachineRig(t, PHI2_DEFAULT_KHZ)

	vec := rig.m.mem.RegW(REG_RESET_VEC)
	match := []byte{byte(vec), byte(vec >> 8)}
	if err := rig.m.action.StartVerify(REG_RESET_VEC, match); err != nil {
		t.Fatalf("StartVerify: %v", err)
	}
	if rig.m.action.Active() {
		t.Fatalf("meta verify should complete synchronously")
	}
	if got := rig.m.action.Result(); got != ACTION_RESULT_OK {
		t.Fatalf("result=%d, want -1", got)
	}

	mismatch := []byte{byte(vec) ^ 0xFF, byte(vec >> 8)}
	if err := rig.m.action.StartVerify(REG_RESET_VEC, mismatch); err != nil {
		t.Fatalf("StartVerify: %v", err)
	}
	if got := rig.m.action.Result(); got != int32(REG_RESET_VEC) {
		t.Fatalf("result=$%04X, want $%04X", got, REG_RESET_VEC)
	}
}

func TestActionReadPadsTopPage(t *testing.T) {
	rig := newActionRig(t, PHI2_DEFAULT_KHZ)

	rig.write(t, 0xFEFC, []byte{0x10, 0x20, 0x30})
	got := rig.read(t, 0xFEFC, 8)
	if got[0] != 0x10 || got[1] != 0x20 || got[2] != 0x30 {
		t.Fatalf("low bytes=%v, want 10 20 30 ...", got[:3])
	}
	for i := 4; i < 8; i++ {
		if got[i] != 0 {
			t.Fatalf("read[%d]=0x%02X, want zero padding", i, got[i])
		}
	}
}

func TestActionRejectedOversizeBuffer(t *testing.T) {
	rig := newMachineRig(t, PHI2_DEFAULT_KHZ)
	if err := rig.m.action.StartWrite(0, make([]byte, MBUF_SIZE+1)); err == nil {
		t.Fatalf("oversize write accepted")
	}
	if err := rig.m.action.StartRead(0, MBUF_SIZE+1); err == nil {
		t.Fatalf("oversize read accepted")
	}
}

func TestActionBufCRC32(t *testing.T) {
	rig := newMachineRig(t, PHI2_DEFAULT_KHZ)
	a := rig.m.action
	a.mu.Lock()
	a.bufLen = copy(a.buf[:], []byte("123456789"))
	a.mu.Unlock()
	// Standard CRC-32 check value.
	if got := a.BufCRC32(); got != 0xCBF43926 {
		t.Fatalf("crc=0x%08X, want 0xCBF43926", got)
	}
}

func TestActionRestoresResetVector(t *testing.T) {
	rig := newActionRig(t, PHI2_DEFAULT_KHZ)

	rig.m.mem.SetRegW(REG_RESET_VEC, 0x1234)
	rig.write(t, 0x0400, []byte{0x55})
	if got := rig.m.mem.RegW(REG_RESET_VEC); got != 0x1234 {
		t.Fatalf("reset vector=$%04X after action, want $1234", got)
	}
}

func TestActionLargeTransfer(t *testing.T) {
	rig := newActionRig(t, PHI2_DEFAULT_KHZ)

	data := make([]byte, MBUF_SIZE)
	for i := range data {
		data[i] = byte(i*7 + 3)
	}
	rig.write(t, 0x3000, data)
	if got := rig.m.action.Result(); got != ACTION_RESULT_OK {
		t.Fatalf("write result=%d, want -1", got)
	}
	got := rig.read(t, 0x3000, len(data))
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("read[%d]=0x%02X, want 0x%02X", i, got[i], data[i])
		}
	}
	if got := rig.verify(t, 0x3000, data); got != ACTION_RESULT_OK {
		t.Fatalf("verify result=%d, want -1", got)
	}
}
