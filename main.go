// main.go - Interactive runner for the RIA Engine

/*
(c) 2024 - 2026 Picocomputer Project
https://github.com/picocomputer/ria-engine
License: GPLv3 or later
*/

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/urfave/cli.v2"
)

func boilerPlate() {
	fmt.Println("\nRIA Engine - 6502 interface adapter firmware core")
	fmt.Println("(c) 2024 - 2026 Picocomputer Project")
	fmt.Println("https://github.com/picocomputer/ria-engine")
	fmt.Println("License: GPLv3 or later")
}

func main() {
	app := &cli.App{
		Name:  "ria-engine",
		Usage: "Run a 6502 program against the RIA coprocessor engine",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "phi2",
				Aliases: []string{"p"},
				Usage:   "PHI2 clock in kHz (100-8000)",
				Value:   PHI2_DEFAULT_KHZ,
			},
			&cli.IntFlag{
				Name:    "resb",
				Aliases: []string{"r"},
				Usage:   "RESB hold time in ms (0 = auto)",
				Value:   0,
			},
			&cli.IntFlag{
				Name:    "load",
				Aliases: []string{"l"},
				Usage:   "load address for the program image",
				Value:   0x0200,
			},
			&cli.IntFlag{
				Name:    "entry",
				Aliases: []string{"e"},
				Usage:   "reset vector target (default: load address)",
				Value:   0,
			},
		},
		Action: runEngine,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runEngine(ctx *cli.Context) error {
	rom := ctx.Args().First()
	if rom == "" {
		cli.ShowAppHelp(ctx)
		return cli.Exit("", 86)
	}
	program, err := os.ReadFile(rom)
	if err != nil {
		return err
	}

	boilerPlate()

	host := NewConsoleHost()
	if err := host.Raw(); err != nil {
		return err
	}
	defer host.Restore()

	m, err := NewMachine(MachineConfig{
		Phi2Khz:    uint32(ctx.Int("phi2")),
		ResetMs:    uint8(ctx.Int("resb")),
		ConsoleIn:  os.Stdin,
		ConsoleOut: os.Stdout,
	})
	if err != nil {
		return err
	}
	m.Start()
	defer m.Shutdown()

	runner := NewCPURunner(m)
	runner.Start()
	defer runner.Stop()

	// Upload the program the way the host control plane does: through the
	// action controller, one buffer at a time, then verify.
	loadAddr := uint16(ctx.Int("load"))
	if err := uploadProgram(m, loadAddr, program); err != nil {
		return err
	}

	entry := uint16(ctx.Int("entry"))
	if entry == 0 {
		entry = loadAddr
	}
	m.mem.SetRegW(REG_RESET_VEC, entry)
	m.Run()

	// SIGINT maps to a console break; a second one exits.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	m.Break()
	select {
	case <-sig:
	case <-time.After(time.Second):
	}
	return nil
}

func uploadProgram(m *Machine, addr uint16, program []byte) error {
	for len(program) > 0 {
		n := len(program)
		if n > MBUF_SIZE {
			n = MBUF_SIZE
		}
		if err := m.action.StartWrite(addr, program[:n]); err != nil {
			return err
		}
		if err := awaitAction(m); err != nil {
			return err
		}
		if err := m.action.StartVerify(addr, program[:n]); err != nil {
			return err
		}
		if err := awaitAction(m); err != nil {
			return err
		}
		addr += uint16(n)
		program = program[n:]
	}
	return nil
}

func awaitAction(m *Machine) error {
	deadline := time.Now().Add(5 * time.Second)
	for m.action.Active() || m.Active() {
		if time.Now().After(deadline) {
			return fmt.Errorf("action did not complete")
		}
		time.Sleep(time.Millisecond)
	}
	switch r := m.action.Result(); r {
	case ACTION_RESULT_OK:
		return nil
	case ACTION_RESULT_TMOUT:
		return fmt.Errorf("watchdog timeout")
	default:
		return fmt.Errorf("verify failed at $%04X", r)
	}
}
