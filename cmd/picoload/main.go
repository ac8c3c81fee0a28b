// picoload: Copyright (C) 2026 Guillermo Perry
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"picoload/internal/flasher"
	"picoload/internal/picoboot/usb"
	"picoload/internal/reset"
	"picoload/internal/rpusb"
)

func main() {
	forceReset := flag.Bool("f", false, "reset an already-running RP device into BOOTSEL, then exit")
	verbose := flag.Bool("v", false, "print a summary table after a successful flash")
	flag.Parse()

	// Flags may also follow "load <FILE.uf2>", as in the usage line.
	args := flag.Args()
	if len(args) > 2 {
		_ = flag.CommandLine.Parse(args[2:])
		args = append(args[:2:2], flag.Args()...)
	}

	if *forceReset {
		if err := runReset(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if len(args) != 2 || args[0] != "load" {
		fmt.Fprintln(os.Stderr, "usage: picoload load <FILE.uf2> [-v]")
		fmt.Fprintln(os.Stderr, "       picoload -f")
		os.Exit(1)
	}

	if err := runLoad(args[1], *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runReset() error {
	found, err := reset.ToBootsel()
	if err != nil {
		return err
	}
	if !found {
		fmt.Println("nothing to reset")
	}
	return nil
}

func runLoad(path string, verbose bool) error {
	ctx := context.Background()

	fmt.Println("Phase 1: Looking for a device in BOOTSEL mode...")
	conn, err := usb.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("Found %s in BOOTSEL mode\n", conn.TargetID())

	fmt.Println("Phase 2: Claiming exclusive access and exiting XIP...")
	if err := flasher.Init(ctx, conn); err != nil {
		return err
	}

	fmt.Println("Phase 3: Flashing " + path + "...")
	start := time.Now()
	stats, err := flasher.FlashFile(ctx, conn, path, cliProgress{})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	fmt.Printf("Flash success! Wrote %s across %d pages in %s\n",
		humanize.Bytes(uint64(stats.TotalBytes)), stats.PagesWritten, elapsed.Round(time.Millisecond))

	if verbose {
		printSummary(stats, elapsed)
	}

	return nil
}

func printSummary(stats *flasher.Stats, elapsed time.Duration) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Target", "Pages Written", "Sectors Erased", "Bytes", "Elapsed"})
	t.AppendRow(table.Row{
		stats.Target.String(),
		stats.PagesWritten,
		stats.SectorsErased,
		humanize.Bytes(uint64(stats.TotalBytes)),
		elapsed.Round(time.Millisecond).String(),
	})
	t.Render()
}

// cliProgress prints a line for each erase, write and reboot step of the
// flash pipeline; the verify step prints nothing.
type cliProgress struct{}

func (cliProgress) Erasing(sectorBase uint32) {
	fmt.Printf("  erasing sector 0x%08x\n", sectorBase)
}

func (cliProgress) Writing(addr uint32, page, total int) {
	fmt.Printf("  writing page %d/%d at 0x%08x\n", page+1, total, addr)
}

func (cliProgress) Verifying(addr uint32) {
	// Intentionally silent: verification happens on every page and would
	// double the output volume for no extra signal.
}

func (cliProgress) Rebooting(target rpusb.TargetID) {
	fmt.Printf("  rebooting %s\n", target)
}
