// com.go - UART bridge between the 6502 console registers and the host

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

/*
com.go - Console UART

The 6502 sees three window bytes: a flow register with TX-ready and
RX-ready bits, a transmit register, and a receive register that clears the
ready bit when read. The other side of the UART is whatever the host
attaches: the interactive runner wires a raw-mode terminal, tests wire
in-memory pipes.

The capture loop services the window side through the non-blocking
accessors below; two pump goroutines move bytes to and from the host
streams, and the task hook refills the single-byte RX latch.
*/

package main

import (
	"io"
	"sync"
	"sync/atomic"
)

const COM_TX_FIFO = 32

type Com struct {
	mu      sync.Mutex
	rxChar  int // latched receive byte, -1 when empty
	in      io.Reader
	out     io.Writer
	rx      chan byte
	tx      chan byte
	running atomic.Bool
	quit    chan struct{}
}

func NewCom(in io.Reader, out io.Writer) *Com {
	return &Com{
		rxChar: -1,
		in:     in,
		out:    out,
		rx:     make(chan byte, 1),
		tx:     make(chan byte, COM_TX_FIFO),
	}
}

// TakeRx removes the latched receive byte, or returns -1.
func (c *Com) TakeRx() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.rxChar
	c.rxChar = -1
	return ch
}

// TxWritable reports room in the transmit FIFO.
func (c *Com) TxWritable() bool {
	return len(c.tx) < cap(c.tx)
}

// TxWrite queues one byte for the host. Never blocks; the capture loop
// checks TxWritable first and the 6502 polls the flow register.
func (c *Com) TxWrite(data byte) {
	select {
	case c.tx <- data:
	default:
	}
}

// Task refills the RX latch from the host pump. Runs on the scheduler.
func (c *Com) Task() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rxChar >= 0 {
		return
	}
	select {
	case b := <-c.rx:
		c.rxChar = int(b)
	default:
	}
}

// Start spawns the host pumps. Idempotent.
func (c *Com) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.quit = make(chan struct{})
	if c.in != nil {
		go c.pumpIn(c.quit)
	}
	if c.out != nil {
		go c.pumpOut(c.quit)
	}
}

// Shutdown stops the pumps. Idempotent. The input pump may stay parked in
// a host read until the stream closes; it discards anything it reads after
// shutdown.
func (c *Com) Shutdown() {
	if c.running.CompareAndSwap(true, false) {
		close(c.quit)
	}
}

func (c *Com) pumpIn(quit chan struct{}) {
	var buf [1]byte
	for {
		n, err := c.in.Read(buf[:])
		if n > 0 {
			select {
			case c.rx <- buf[0]:
			case <-quit:
				return
			}
		}
		if err != nil {
			return
		}
		select {
		case <-quit:
			return
		default:
		}
	}
}

func (c *Com) pumpOut(quit chan struct{}) {
	for {
		select {
		case <-quit:
			// Flush whatever is queued before parking.
			for {
				select {
				case b := <-c.tx:
					c.out.Write([]byte{b})
				default:
					return
				}
			}
		case b := <-c.tx:
			c.out.Write([]byte{b})
		}
	}
}
