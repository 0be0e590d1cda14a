// Package elfload implements the seven-step ELF loader of spec.md §4.G:
// size the image, reserve a VMAR, stage each LOAD segment into its own
// VMO, patch the syscall-entry symbol, apply relocations, build the
// initial stack, and report where to start the thread.
//
// Grounded directly on the teacher's kernel/chentry.go, which already
// reaches for debug/elf and encoding/binary to patch an ELF's entry
// address; this package performs the same class of surgery (locating a
// symbol, rewriting a machine word) at a much larger scale, plus the
// program-header-driven staging chentry never needed.
package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"budget"
	"diag"
	"errs"
	"hal"
	"vmar"
	"vmo"
)

// Auxv type constants the loader always writes (spec.md §6).
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
)

const stackPages = 8

// / Result reports where the loaded image ended up and where to start
// / executing it.
type Result struct {
	BaseVmar   *vmar.Vmar
	StackVmar  *vmar.Vmar
	Entry      uintptr
	SP         uintptr
	Interp     string
	HasInterp  bool
	SyscallLoc uintptr // absolute address where the trampoline word was patched
}

type stagedSegment struct {
	obj   *vmo.Vmo
	vaddr uintptr // page-aligned
	pages int
}

// / Diagnostics accumulates best-effort context for the INTERNAL errors Run
// / can return, without logging anything itself -- spec.md §1 keeps logging
// / out of the core entirely. Events holds one formatted entry per distinct
// / failing call chain (via diag.DistinctCaller, so a loop that keeps
// / hitting the same broken invariant doesn't flood the slice); the
// / embedder decides whether any of it is worth printing.
type Diagnostics struct {
	dc     diag.DistinctCaller
	Events []string
}

// / NewDiagnostics returns a Diagnostics ready to pass to Run.
func NewDiagnostics() *Diagnostics {
	return &Diagnostics{dc: diag.DistinctCaller{Enabled: true}}
}

// record captures a stack trace for an EINTERNAL return and, when code is
// non-nil, a best-effort disassembly of what was found at pc -- useful
// when the failure is a symbol or relocation target that resolved to an
// address outside every staged segment, i.e. "corrupt symbol table
// pointing into non-code".
func (d *Diagnostics) record(reason string, code []byte, pc uint64) {
	if d == nil {
		return
	}
	first, _ := d.dc.Distinct()
	if !first {
		return
	}
	ev := reason + "\n" + diag.CaptureStack(2)
	if code != nil {
		ev += disasmAt(code, pc) + "\n"
	}
	d.Events = append(d.Events, ev)
}

// codeWindow returns a short slice of the raw image starting at a file
// offset equal to addr, for diagnostics only: addr is a virtual address,
// not a guaranteed file offset, but for the statically-linked low-address
// images this loader targets the two coincide often enough to be useful,
// and disasmAt degrades to a "<bad opcode>" string rather than panicking
// when they don't.
func codeWindow(image []byte, addr uint64) []byte {
	if addr >= uint64(len(image)) {
		return nil
	}
	end := addr + 16
	if end > uint64(len(image)) {
		end = uint64(len(image))
	}
	return image[addr:end]
}

// / Run executes all seven loading steps against parent, which must be a
// / process's root VMAR or a VMAR reserved for this purpose. syscallEntry
// / names the exported symbol the trampoline address is patched into
// / (e.g. "rcore_syscall_entry"); trampolineAddr is the address written
// / there. bud bounds the staging/relocation loops' iteration count,
// / returning NO_HEAP instead of spinning when the platform is resource
// / constrained (spec.md §5); a nil bud is unlimited. diagOut, if non-nil,
// / collects context for any EINTERNAL this call returns.
func Run(parent *vmar.Vmar, image []byte, argv, envp []string, syscallEntry string,
	trampolineAddr uintptr, platform hal.PmemReadWriter, frames hal.FrameAllocator,
	bud *budget.Pool, diagOut *Diagnostics) (*Result, errs.Err_t) {

	ef, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, errs.EINVAL
	}
	if ef.Class != elf.ELFCLASS64 {
		return nil, errs.ENOTSUPPORTED
	}

	// Step 1: size computation.
	var maxEnd uint64
	var loads []*elf.Prog
	var interp string
	hasInterp := false
	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			loads = append(loads, p)
			end := p.Vaddr + p.Memsz
			if end > maxEnd {
				maxEnd = end
			}
		case elf.PT_INTERP:
			data := make([]byte, p.Filesz)
			if _, rerr := p.ReadAt(data, 0); rerr == nil {
				interp = string(bytes.TrimRight(data, "\x00"))
				hasInterp = true
			}
		}
	}
	if len(loads) == 0 {
		return nil, errs.EINVAL
	}
	size := util_roundup(maxEnd, hal.PageSize)

	// Step 2: reserve VMAR.
	baseVmar, berr := parent.CreateChild(nil, uintptr(size))
	if berr != 0 {
		return nil, berr
	}
	base := baseVmar.Base()

	// Step 3: stage segments.
	var staged []stagedSegment
	for _, p := range loads {
		if !bud.Take(budget.SiteLoaderStage) {
			return nil, errs.ENOHEAP
		}
		pageOff := p.Vaddr % hal.PageSize
		pages := int(util_roundup(p.Memsz+pageOff, hal.PageSize) / hal.PageSize)

		obj := vmo.New(platform, frames, pages, false)
		filebuf := make([]byte, p.Filesz)
		if _, rerr := p.ReadAt(filebuf, 0); rerr != nil {
			diagOut.record(fmt.Sprintf("reading PT_LOAD segment at vaddr %#x: %v", p.Vaddr, rerr), nil, 0)
			return nil, errs.EINTERNAL
		}
		if werr := obj.Write(int64(pageOff), filebuf); werr != 0 {
			return nil, werr
		}

		alignedVaddr := (p.Vaddr / hal.PageSize) * hal.PageSize
		flags := vmar.Perms(p.Flags&elf.PF_R != 0, p.Flags&elf.PF_W != 0, p.Flags&elf.PF_X != 0)
		if _, merr := baseVmar.MapAt(uintptr(alignedVaddr), obj, 0, uintptr(pages)*hal.PageSize, flags); merr != 0 {
			return nil, merr
		}
		staged = append(staged, stagedSegment{obj: obj, vaddr: uintptr(alignedVaddr), pages: pages})
	}

	findSeg := func(vaddr uintptr) (stagedSegment, int64, bool) {
		for _, s := range staged {
			if vaddr >= s.vaddr && vaddr < s.vaddr+uintptr(s.pages)*hal.PageSize {
				return s, int64(vaddr - s.vaddr), true
			}
		}
		return stagedSegment{}, 0, false
	}

	// Step 4: resolve syscall-entry symbol, patch the trampoline address
	// directly into the VMO rather than through the mapping.
	syms, _ := ef.Symbols()
	if len(syms) == 0 {
		syms, _ = ef.DynamicSymbols()
	}
	var syscallLoc uintptr
	found := false
	for _, s := range syms {
		if s.Name == syscallEntry {
			seg, off, ok := findSeg(uintptr(s.Value))
			if !ok {
				diagOut.record(fmt.Sprintf("syscall entry symbol %q value %#x is not inside any staged segment", s.Name, s.Value),
					codeWindow(image, s.Value), s.Value)
				return nil, errs.EINTERNAL
			}
			word := make([]byte, 8)
			binary.LittleEndian.PutUint64(word, uint64(trampolineAddr))
			if werr := seg.obj.Write(off, word); werr != 0 {
				return nil, werr
			}
			syscallLoc = base + uintptr(s.Value)
			found = true
			break
		}
	}
	if !found {
		diagOut.record(fmt.Sprintf("syscall entry symbol %q not present in the image's symbol table", syscallEntry), nil, 0)
		return nil, errs.EINTERNAL
	}

	// Step 5: apply relocations.
	if rerr := applyRelocations(ef, base, findSeg, bud, diagOut, image); rerr != 0 {
		return nil, rerr
	}

	// Step 6: build the initial stack.
	stackVmar, serr := parent.CreateChild(nil, stackPages*hal.PageSize)
	if serr != 0 {
		return nil, serr
	}
	stackObj := vmo.New(platform, frames, stackPages, false)
	stackFlags := vmar.Perms(true, true, false)
	if _, merr := stackVmar.MapAt(0, stackObj, 0, stackPages*hal.PageSize, stackFlags); merr != 0 {
		return nil, merr
	}

	sp, buf, bufBase := buildStack(stackVmar.Base(), argv, envp, base, ef, hasInterp)
	if werr := stackObj.Write(0, buf); werr != 0 {
		return nil, werr
	}
	_ = bufBase

	return &Result{
		BaseVmar:   baseVmar,
		StackVmar:  stackVmar,
		Entry:      base + uintptr(ef.Entry),
		SP:         sp,
		Interp:     interp,
		HasInterp:  hasInterp,
		SyscallLoc: syscallLoc,
	}, 0
}

func applyRelocations(ef *elf.File, base uintptr, findSeg func(uintptr) (stagedSegment, int64, bool),
	bud *budget.Pool, diagOut *Diagnostics, image []byte) errs.Err_t {
	sec := ef.Section(".rela.dyn")
	if sec == nil {
		return 0
	}
	data, err := sec.Data()
	if err != nil {
		return errs.EINTERNAL
	}
	dynsyms, _ := ef.DynamicSymbols()

	const relaEntSize = 24 // Elf64_Rela: r_offset, r_info, r_addend, 8 bytes each
	for i := 0; i+relaEntSize <= len(data); i += relaEntSize {
		if !bud.Take(budget.SiteLoaderReloc) {
			return errs.ENOHEAP
		}
		rOffset := binary.LittleEndian.Uint64(data[i : i+8])
		rInfo := binary.LittleEndian.Uint64(data[i+8 : i+16])
		rAddend := int64(binary.LittleEndian.Uint64(data[i+16 : i+24]))

		rType := rInfo & 0xffffffff
		rSym := rInfo >> 32

		var value uint64
		switch rType {
		case 8: // R_X86_64_RELATIVE
			value = uint64(base) + uint64(rAddend)
		case 6, 7: // R_X86_64_GLOB_DAT, R_X86_64_JMP_SLOT
			if rSym == 0 || int(rSym) > len(dynsyms) {
				diagOut.record(fmt.Sprintf("relocation at offset %#x names out-of-range dynsym index %d", rOffset, rSym),
					codeWindow(image, rOffset), rOffset)
				return errs.EINTERNAL
			}
			sym := dynsyms[rSym-1]
			if sym.Section == elf.SHN_UNDEF {
				diagOut.record(fmt.Sprintf("relocation at offset %#x targets undefined symbol %q", rOffset, sym.Name),
					codeWindow(image, rOffset), rOffset)
				return errs.EINTERNAL
			}
			value = uint64(base) + sym.Value + uint64(rAddend)
		default:
			diagOut.record(fmt.Sprintf("relocation at offset %#x has unsupported type %d", rOffset, rType),
				codeWindow(image, rOffset), rOffset)
			return errs.EINTERNAL
		}

		seg, off, ok := findSeg(uintptr(rOffset))
		if !ok {
			diagOut.record(fmt.Sprintf("relocation at offset %#x is not inside any staged segment", rOffset),
				codeWindow(image, rOffset), rOffset)
			return errs.EINTERNAL
		}
		word := make([]byte, 8)
		binary.LittleEndian.PutUint64(word, value)
		if werr := seg.obj.Write(off, word); werr != 0 {
			return werr
		}
	}
	return 0
}

// buildStack lays out argc|argv[]|0|envp[]|0|auxv[]|(0,0), followed by
// the argv/envp string bytes, exactly as spec.md §6 describes, inside an
// stackPages*PAGE_SIZE kernel-side buffer addressed starting at
// stackBase. It returns the final SP (16-byte aligned) and the buffer to
// write into the stack VMO.
func buildStack(stackBase uintptr, argv, envp []string, imageBase uintptr, ef *elf.File, hasInterp bool) (uintptr, []byte, uintptr) {
	total := stackPages * hal.PageSize
	buf := make([]byte, total)

	// Place strings at the top of the buffer first, recording addresses.
	cursor := total
	writeStr := func(s string) uintptr {
		b := append([]byte(s), 0)
		cursor -= len(b)
		copy(buf[cursor:], b)
		return stackBase + uintptr(cursor)
	}

	argvAddrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = writeStr(argv[i])
	}
	envpAddrs := make([]uintptr, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpAddrs[i] = writeStr(envp[i])
	}

	var phdrAddr uint64
	for _, p := range ef.Progs {
		if p.Type == elf.PT_PHDR {
			phdrAddr = uint64(imageBase) + p.Vaddr
		}
	}

	const elf64PhdrSize = 56
	auxv := [][2]uint64{
		{atBase, uint64(imageBase)},
		{atPhdr, phdrAddr},
		{atPhent, elf64PhdrSize},
		{atPhnum, uint64(len(ef.Progs))},
		{atPagesz, hal.PageSize},
		{atNull, 0},
	}

	// Word-array region: argc, argv[], 0, envp[], 0, auxv pairs, laid out
	// ascending from a low cursor -- the literal layout spec.md §6 gives.
	nwords := 1 + len(argv) + 1 + len(envp) + 1 + len(auxv)*2
	arrBytes := nwords * 8
	cursor -= arrBytes
	cursor &^= 0xf // 16-byte align

	w := cursor
	putWord := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[w:w+8], v)
		w += 8
	}
	putWord(uint64(len(argv)))
	for _, a := range argvAddrs {
		putWord(uint64(a))
	}
	putWord(0)
	for _, e := range envpAddrs {
		putWord(uint64(e))
	}
	putWord(0)
	for _, pair := range auxv {
		putWord(pair[0])
		putWord(pair[1])
	}

	sp := stackBase + uintptr(cursor)
	return sp, buf, uintptr(cursor)
}

func util_roundup(v, b uint64) uint64 {
	return (v + b - 1) &^ (b - 1)
}

// disasmAt renders one instruction at pc for INTERNAL-error diagnostics
// (e.g. a corrupt symbol table pointing into non-code). Never called on
// the success path; wired so a caller can turn an EINTERNAL from Run into
// something actionable without this package importing a logger itself.
func disasmAt(code []byte, pc uint64) string {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return fmt.Sprintf("<bad opcode at %#x: %v>", pc, err)
	}
	return x86asm.GNUSyntax(inst, pc, nil)
}
