// pix.go - PIX sideband link to the companion display/sound processor

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
pix.go - PIX Sideband Link

Unidirectional FIFO to the companion processor. Messages are single 32-bit
words:

    1ddd cccc ssss ssss pppp pppp pppp pppp

where d is the 3-bit device id, c the 4-bit channel, s an 8-bit selector
and p a 16-bit payload. Device 0 is the virtual XRAM device, devices 1-6
are companion devices (1 = VGA), device 7 is reserved for the idle frame
the transmitter inserts when the FIFO drains.

Producers:

    The bus capture loop emits a device-0 message for every write through
    an XRAM cursor. It must never block, so it tests Ready() and drops the
    message when the FIFO is saturated; the companion keeps its own shadow
    of XRAM, so a dropped notification is recoverable.

    The OS call dispatcher and the VGA mode setter use the blocking variant
    for low-rate configuration traffic.

The transmitter goroutine models the PIO shifter: it drains the FIFO into
the attached sink and emits one idle frame whenever the queue empties.
*/

package main

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	PIX_FIFO_DEPTH = 8 // joined TX FIFO depth
	PIX_READY_MAX  = 6 // leave room for capture-loop messages

	PIX_DEVICE_XRAM = 0
	PIX_DEVICE_RIA  = 0 // virtual, not on the physical bus
	PIX_DEVICE_VGA  = 1
	PIX_DEVICE_IDLE = 7
)

func pixMessage(dev, ch, sel byte, payload uint16) uint32 {
	return 1<<31 | uint32(dev&7)<<28 | uint32(ch&0xF)<<24 | uint32(sel)<<16 | uint32(payload)
}

// pixIdleWord carries all-ones in the top four bits; the transmitter
// inserts it so the companion can keep frame sync while the bus is quiet.
var pixIdleWord = pixMessage(PIX_DEVICE_IDLE, 0, 0, 0)

// PixSink receives transmitted words. The default sink discards them; the
// runner or a companion emulation attaches a real one.
type PixSink interface {
	TxWord(word uint32)
}

type pixNullSink struct{}

func (pixNullSink) TxWord(uint32) {}

type PixLink struct {
	fifo    chan uint32
	sink    PixSink
	running atomic.Bool
	quit    chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	vgaConfig uint16
	clkdiv    uint32 // engine divider in 16.8 fixed point
}

func NewPixLink(sink PixSink) *PixLink {
	if sink == nil {
		sink = pixNullSink{}
	}
	return &PixLink{
		fifo: make(chan uint32, PIX_FIFO_DEPTH),
		sink: sink,
	}
}

// Ready reports free space in the transmit FIFO. Capture-context producers
// check this and drop rather than block.
func (p *PixLink) Ready() bool {
	return len(p.fifo) < PIX_READY_MAX
}

// Send attempts to queue one message without blocking. Reports whether the
// message was accepted.
func (p *PixLink) Send(dev, ch, sel byte, payload uint16) bool {
	select {
	case p.fifo <- pixMessage(dev, ch, sel, payload):
		return true
	default:
		return false
	}
}

// SendBlocking queues one message, waiting for FIFO space. Only for
// low-rate configuration traffic from the task context. If the
// transmitter is torn down mid-wait the message is lost with the link.
func (p *PixLink) SendBlocking(dev, ch, sel byte, payload uint16) {
	w := pixMessage(dev, ch, sel, payload)
	for {
		select {
		case p.fifo <- w:
			return
		default:
			if !p.running.Load() {
				return
			}
			time.Sleep(10 * time.Microsecond)
		}
	}
}

// SendXRAM notifies the companion of one committed XRAM byte. Called from
// the capture loop after the byte is in XRAM, so the companion never hears
// about a byte newer than the one it can read back.
func (p *PixLink) SendXRAM(addr uint16, data byte) {
	// Dropped when saturated; the companion's shadow of XRAM covers the gap.
	p.Send(PIX_DEVICE_XRAM, 0, data, addr)
}

// SetVGA broadcasts a display configuration word to every companion
// device. Returns true; the value is remembered for the stop broadcast.
func (p *PixLink) SetVGA(config uint16) bool {
	p.mu.Lock()
	p.vgaConfig = config
	p.mu.Unlock()
	p.sendReset()
	return true
}

// sendReset fans the current config out to devices 1-6.
func (p *PixLink) sendReset() {
	p.mu.Lock()
	config := p.vgaConfig
	p.mu.Unlock()
	for dev := byte(1); dev < 7; dev++ {
		p.SendBlocking(dev, 0xF, 0xFF, config)
	}
}

// Stop is the cascade hook: it tells the companions to reset. Idempotent.
func (p *PixLink) Stop() {
	if p.running.Load() {
		p.sendReset()
	}
}

// Reclock stores the new shifter divider. The queue itself is unaffected;
// word pacing is the sink's concern in this model.
func (p *PixLink) Reclock(clkdiv uint32) {
	p.mu.Lock()
	p.clkdiv = clkdiv
	p.mu.Unlock()
}

// Start brings up the transmitter goroutine. Idempotent.
func (p *PixLink) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	go p.transmit(p.quit, p.done)
}

// Shutdown tears the transmitter down, e.g. around a reclock. Idempotent.
func (p *PixLink) Shutdown() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.quit)
	<-p.done
}

func (p *PixLink) transmit(quit chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-quit:
			return
		case w := <-p.fifo:
			p.sink.TxWord(w)
		default:
			// FIFO drained: one idle frame, then wait for traffic.
			p.sink.TxWord(pixIdleWord)
			select {
			case <-quit:
				return
			case w := <-p.fifo:
				p.sink.TxWord(w)
			}
		}
	}
}
