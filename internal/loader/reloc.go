package loader

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tobermory/objld/internal/arena"
	"github.com/tobermory/objld/internal/hostsym"
	"github.com/tobermory/objld/internal/objfile"
)

const (
	// A trampoline is a 6-byte indirect jump through the quadword stored
	// immediately after it: ff 25 00 00 00 00 <target>
	trampolineSize = 14

	gotSlotSize  = 8
	gotSlotAlign = 8
)

// relocator applies the relocation sections of one object to its placed
// image. Trampolines and GOT slots are synthesized in the arena, one per
// referent symbol.
type relocator struct {
	f       *objfile.File
	logger  *slog.Logger
	resolve hostsym.Resolver

	symbs []objfile.Sym
	addrs []uintptr
	arena *arena.Arena

	trampolines map[uint32]uintptr
	gotSlots    map[uint32]uintptr
}

func newRelocator(f *objfile.File, a *arena.Arena, symbs []objfile.Sym, addrs []uintptr, resolve hostsym.Resolver, logger *slog.Logger) *relocator {
	return &relocator{
		f:       f,
		logger:  logger,
		resolve: resolve,

		symbs: symbs,
		addrs: addrs,
		arena: a,

		trampolines: make(map[uint32]uintptr),
		gotSlots:    make(map[uint32]uintptr),
	}
}

// kindInfo describes one relocation kind for the current machine: the width
// of its patch site and how to apply it.
type kindInfo struct {
	width uint64
	apply func(r *relocator, site []byte, s uintptr, a int64, p uintptr, external bool, symb uint32) error
}

var kindsX86_64 = map[elf.R_X86_64]kindInfo{
	elf.R_X86_64_NONE:          {},
	elf.R_X86_64_64:            {width: 8, apply: applyAbs64},
	elf.R_X86_64_PC32:          {width: 4, apply: applyPC32},
	elf.R_X86_64_PLT32:         {width: 4, apply: applyPLT32},
	elf.R_X86_64_GOTPCREL:      {width: 4, apply: applyGOTPCRel},
	elf.R_X86_64_GOTPCRELX:     {width: 4, apply: applyGOTPCRel},
	elf.R_X86_64_REX_GOTPCRELX: {width: 4, apply: applyGOTPCRel},
}

var kinds386 = map[elf.R_386]kindInfo{
	elf.R_386_NONE: {},
	elf.R_386_32:   {width: 4, apply: applyAbs32},
	elf.R_386_PC32: {width: 4, apply: applyPC32},
	// A 32-bit displacement reaches the whole 32-bit address space, so
	// PLT32 needs no trampoline and reduces to PC32
	elf.R_386_PLT32: {width: 4, apply: applyPC32},
}

func kindTable(machine elf.Machine) func(typ uint32) (kindInfo, bool) {
	switch machine {
	case elf.EM_X86_64:
		return func(typ uint32) (kindInfo, bool) {
			info, ok := kindsX86_64[elf.R_X86_64(typ)]
			return info, ok
		}
	default:
		return func(typ uint32) (kindInfo, bool) {
			info, ok := kinds386[elf.R_386(typ)]
			return info, ok
		}
	}
}

// eachAllocatedRelocSection walks every REL/RELA section whose target section
// has the ALLOC flag. Relocations against non-allocated targets (debug info
// and friends) never affect the loaded image and are skipped.
func eachAllocatedRelocSection(f *objfile.File, logger *slog.Logger, fn func(target *objfile.Section, relocs []objfile.Reloc) error) error {
	for _, section := range f.Sections() {
		if !objfile.IsRelocSection(section) {
			continue
		}

		target, err := f.Section(int(section.Info))
		if err != nil {
			return fmt.Errorf("relocation section %q has bad target: %w", section.Name, err)
		}

		if !target.Alloc() {
			logger.Warn("skipping relocation section (references non-allocated target)",
				"section", section.Name,
				"targetSectionIndex", section.Info,
			)
			continue
		}

		relocs, err := f.Relocations(section)
		if err != nil {
			return err
		}

		if err := fn(target, relocs); err != nil {
			return fmt.Errorf("failed to process relocation section %q: %w", section.Name, err)
		}
	}

	return nil
}

// trampolineBudget is pass 1 of relocation: it resolves nothing and patches
// nothing, only computes an upper bound on the trampoline and GOT space the
// arena must hold beyond the placed sections, so the arena can be sized once
// and never move. The bound counts one trampoline per undefined symbol
// referenced through PLT32 and one slot per symbol referenced through a
// GOTPCREL kind, the same way pass 2 allocates them.
func trampolineBudget(f *objfile.File, symbs []objfile.Sym, logger *slog.Logger) (uint64, error) {
	table := kindTable(f.Machine())
	x86_64 := f.Machine() == elf.EM_X86_64

	pltSyms := make(map[uint32]struct{})
	gotSyms := make(map[uint32]struct{})

	err := eachAllocatedRelocSection(f, logger, func(_ *objfile.Section, relocs []objfile.Reloc) error {
		for _, rel := range relocs {
			if int(rel.Sym) >= len(symbs) {
				return fmt.Errorf("symbol index %d >= symbol table size %d: %w", rel.Sym, len(symbs), errBadSymbolIndex)
			}

			if _, ok := table(rel.Type); !ok {
				return fmt.Errorf("%w: %d", ErrUnknownRelocation, rel.Type)
			}

			if !x86_64 {
				continue
			}

			switch elf.R_X86_64(rel.Type) {
			case elf.R_X86_64_PLT32:
				if symbs[rel.Sym].Undefined() {
					pltSyms[rel.Sym] = struct{}{}
				}
			case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
				gotSyms[rel.Sym] = struct{}{}
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	budget := uint64(len(pltSyms))*trampolineSize +
		uint64(len(gotSyms))*(gotSlotSize+gotSlotAlign-1)

	logger.Debug("sized trampoline space",
		"trampolines", len(pltSyms),
		"gotSlots", len(gotSyms),
		"budget", budget,
	)

	return budget, nil
}

// run is pass 2: resolve every relocation and patch its site.
func (r *relocator) run() error {
	table := kindTable(r.f.Machine())

	return eachAllocatedRelocSection(r.f, r.logger, func(target *objfile.Section, relocs []objfile.Reloc) error {
		for i, rel := range relocs {
			if int(rel.Sym) >= len(r.symbs) {
				return fmt.Errorf("symbol index %d >= symbol table size %d: %w", rel.Sym, len(r.symbs), errBadSymbolIndex)
			}

			info, ok := table(rel.Type)
			if !ok {
				return fmt.Errorf("%w: %d", ErrUnknownRelocation, rel.Type)
			}

			if info.width == 0 {
				continue
			}

			if rel.Off > target.Size || rel.Off+info.width > target.Size {
				return fmt.Errorf("entry %d at offset %#x: %w", i, rel.Off, errRelocationOutOfBounds)
			}

			site := r.addrs[target.Index] + uintptr(rel.Off)

			patch, err := r.arena.Bytes(site, info.width)
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}

			s, external, err := r.resolveSymbol(rel.Sym)
			if err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}

			r.logger.Debug("relocating entry",
				"type", rel.Type,
				"symbIndex", rel.Sym,
				"symbValue", fmt.Sprintf("0x%02x", s),
				"addend", fmt.Sprintf("0x%02x", rel.Addend),
				"site", fmt.Sprintf("0x%02x", site),
			)

			if err := info.apply(r, patch, s, rel.Addend, site, external, rel.Sym); err != nil {
				return fmt.Errorf("entry %d: %w", i, err)
			}
		}

		return nil
	})
}

// resolveSymbol computes S for the referent symbol: the base of its defining
// section for SECTION and defined NOTYPE symbols, the rewritten value for
// FUNC/OBJECT, or the host resolver's answer for anything undefined. The
// second return reports host resolution, which is what makes a PLT32 target
// potentially unreachable.
func (r *relocator) resolveSymbol(index uint32) (uintptr, bool, error) {
	symb := &r.symbs[index]

	if symb.Undefined() && symb.Type() != elf.STT_SECTION {
		addr, ok := r.resolve(symb.Name)
		if !ok {
			return 0, false, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, symb.Name)
		}

		return addr, true, nil
	}

	switch symb.Type() {
	case elf.STT_SECTION:
		if int(symb.Section) >= len(r.addrs) {
			return 0, false, fmt.Errorf("section symbol %d: %w", symb.Section, errBadSectionIndex)
		}

		return r.addrs[symb.Section], false, nil

	case elf.STT_FUNC, elf.STT_OBJECT:
		// Value was rewritten to the final absolute address when the
		// symbol index was built
		return uintptr(symb.Value), false, nil

	case elf.STT_NOTYPE:
		if int(symb.Section) >= len(r.addrs) {
			return 0, false, fmt.Errorf("symbol %q in section %d: %w", symb.Name, symb.Section, errBadSectionIndex)
		}

		return r.addrs[symb.Section], false, nil

	default:
		return 0, false, fmt.Errorf("%w: %d (symbol %q)", ErrUnsupportedSymbolType, symb.Type(), symb.Name)
	}
}

// trampolineFor returns the arena address of the indirect-jump trampoline for
// the given symbol, synthesizing it on first use.
func (r *relocator) trampolineFor(symb uint32, target uintptr) (uintptr, error) {
	if addr, ok := r.trampolines[symb]; ok {
		return addr, nil
	}

	addr, err := r.arena.Alloc(trampolineSize)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate trampoline: %w", err)
	}

	code, err := r.arena.Bytes(addr, trampolineSize)
	if err != nil {
		return 0, err
	}

	// jmp *0(%rip), then the absolute destination it loads
	code[0] = 0xff
	code[1] = 0x25
	binary.LittleEndian.PutUint32(code[2:6], 0)
	binary.LittleEndian.PutUint64(code[6:14], uint64(target))

	r.logger.Debug("synthesized trampoline",
		"symbol", r.symbs[symb].Name,
		"trampoline", fmt.Sprintf("0x%02x", addr),
		"target", fmt.Sprintf("0x%02x", target),
	)

	r.trampolines[symb] = addr

	return addr, nil
}

// gotSlotFor returns the arena address of the 8-byte slot holding the
// symbol's absolute address, allocating it on first use.
func (r *relocator) gotSlotFor(symb uint32, target uintptr) (uintptr, error) {
	if addr, ok := r.gotSlots[symb]; ok {
		return addr, nil
	}

	r.arena.AlignTo(gotSlotAlign)

	addr, err := r.arena.Alloc(gotSlotSize)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate GOT slot: %w", err)
	}

	slot, err := r.arena.Bytes(addr, gotSlotSize)
	if err != nil {
		return 0, err
	}

	binary.LittleEndian.PutUint64(slot, uint64(target))

	r.logger.Debug("allocated GOT slot",
		"symbol", r.symbs[symb].Name,
		"slot", fmt.Sprintf("0x%02x", addr),
		"target", fmt.Sprintf("0x%02x", target),
	)

	r.gotSlots[symb] = addr

	return addr, nil
}

func applyAbs64(_ *relocator, site []byte, s uintptr, a int64, _ uintptr, _ bool, _ uint32) error {
	value := int64(binary.LittleEndian.Uint64(site))
	value += int64(s) + a
	binary.LittleEndian.PutUint64(site, uint64(value))

	return nil
}

func applyAbs32(_ *relocator, site []byte, s uintptr, a int64, _ uintptr, _ bool, _ uint32) error {
	value := int32(binary.LittleEndian.Uint32(site))
	value += int32(uint32(s)) + int32(a&0xFFFFFFFF)
	binary.LittleEndian.PutUint32(site, uint32(value))

	return nil
}

func applyPC32(_ *relocator, site []byte, s uintptr, a int64, p uintptr, _ bool, _ uint32) error {
	value := int32(binary.LittleEndian.Uint32(site))
	value += int32((int64(s) + a - int64(p)) & 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(site, uint32(value))

	return nil
}

// applyPLT32 patches a call through a procedure-linkage-table slot. Targets
// inside the image are always within displacement range and get a direct
// PC32 patch; host-resolved targets may be further than ±2 GiB from the
// arena, so the call is pointed at an arena-resident trampoline instead.
func applyPLT32(r *relocator, site []byte, s uintptr, a int64, p uintptr, external bool, symb uint32) error {
	if external {
		trampoline, err := r.trampolineFor(symb, s)
		if err != nil {
			return err
		}

		s = trampoline
	}

	return applyPC32(r, site, s, a, p, external, symb)
}

// applyGOTPCRel patches a PC-relative load of a GOT entry: the instruction
// dereferences memory, so a slot holding the symbol's absolute address is
// materialized in the arena and the displacement points at the slot.
func applyGOTPCRel(r *relocator, site []byte, s uintptr, a int64, p uintptr, external bool, symb uint32) error {
	slot, err := r.gotSlotFor(symb, s)
	if err != nil {
		return err
	}

	return applyPC32(r, site, slot, a, p, external, symb)
}
