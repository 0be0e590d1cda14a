// Command userboot drives the boot-time control flow spec.md §2 describes
// for process creation: create a job, create a process under it, load an
// ELF image into a fresh VMAR, and start the image's initial thread.
//
// It runs entirely on package simhal, a host-process stand-in for real
// hardware, the same way the teacher's own kernel/chentry.go is a small,
// single-purpose os.Args command rather than a flag-heavy CLI.
package main

import (
	"fmt"
	"log"
	"os"

	"elfload"
	"hal"
	"kobject"
	"simhal"
)

const (
	userMin      = 0x1000000
	userMax      = 0x40000000
	maxHandles   = 1024
	simPages     = 1 << 16 // 256MiB of simulated physical memory
	syscallEntry = "_syscall_entry"
)

// trampolineAddr stands in for the address of the architecture's assembly
// syscall stub. A real boot loader patches this in at link time; here it
// is just a recognizable sentinel value since no real CPU executes the
// thread this command starts.
const trampolineAddr = 0xffffff0000000000

func main() {
	if len(os.Args) != 2 {
		fmt.Printf("%s <elf-path>\n\nLoad and describe the initial thread state for <elf-path>.\n", os.Args[0])
		os.Exit(1)
	}

	image, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatal(err)
	}

	sim, err := simhal.New(simPages)
	if err != nil {
		log.Fatal(err)
	}
	defer sim.Close()

	cfg := hal.Config{
		UserMin:              userMin,
		UserMax:              userMax,
		MaxHandlesPerProcess: maxHandles,
	}

	root := kobject.Root()
	proc, eerr := root.CreateProcess("userboot", kobject.FlavorZircon, cfg, sim)
	if eerr != 0 {
		log.Fatalf("create process: %v", eerr)
	}
	thread, eerr := proc.CreateThread("initial-thread")
	if eerr != 0 {
		log.Fatalf("create thread: %v", eerr)
	}

	argv := []string{os.Args[1]}
	envp := []string{"PATH=/bin"}

	// diagOut collects context for any EINTERNAL elfload.Run returns; this
	// command is the kind of embedder spec.md §1 reserves the right to
	// log, so a failed load prints whatever it captured.
	diagOut := elfload.NewDiagnostics()
	res, eerr := elfload.Run(proc.RootVmar, image, argv, envp, syscallEntry, trampolineAddr, sim, sim, nil, diagOut)
	if eerr != 0 {
		for _, ev := range diagOut.Events {
			log.Print(ev)
		}
		log.Fatalf("load %s: %v", os.Args[1], eerr)
	}

	if serr := thread.Start(res.Entry, res.SP, 0, 0); serr != 0 {
		log.Fatalf("start thread: %v", serr)
	}

	fmt.Printf("process koid=%d thread koid=%d\n", proc.Koid(), thread.Koid())
	fmt.Printf("entry=%#x sp=%#x syscall-patch=%#x\n", res.Entry, res.SP, res.SyscallLoc)
	if res.HasInterp {
		fmt.Printf("interp=%s\n", res.Interp)
	}
}
