package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"

	"github.com/tobermory/objld/internal/align"
	"github.com/tobermory/objld/internal/arena"
	"github.com/tobermory/objld/internal/objfile"
)

// placement is the layout of one object inside its arena: an arena-relative
// base offset per placed section, offsets for COMMON symbols, and the total
// size of the placed image (excluding trampoline space).
type placement struct {
	offsets []uint64
	placed  []bool

	// COMMON symbol index -> arena-relative offset
	commons map[uint32]uint64

	size uint64
}

// planPlacement walks sections in file index order and assigns every ALLOC
// section an offset, aligned to at least minAlign and to the section's own
// declared alignment if larger. COMMON symbols are placed in a tail after
// the sections, aligned to their declared alignment (st_value).
func planPlacement(f *objfile.File, symbs []objfile.Sym, minAlign uint64, logger *slog.Logger) *placement {
	sections := f.Sections()

	p := &placement{
		offsets: make([]uint64, len(sections)),
		placed:  make([]bool, len(sections)),
		commons: make(map[uint32]uint64),
	}

	cursor := uint64(0)

	for _, section := range sections {
		if !section.Alloc() {
			continue
		}

		alignment := minAlign
		if section.Addralign > alignment {
			alignment = section.Addralign
		}

		cursor = align.Address(cursor, alignment)
		p.offsets[section.Index] = cursor
		p.placed[section.Index] = true

		logger.Debug("placing section",
			"section", section.Name,
			"offset", fmt.Sprintf("0x%02x", cursor),
			"size", fmt.Sprintf("0x%02x", section.Size),
		)

		cursor += section.Size
	}

	for i := 1; i < len(symbs); i++ {
		symb := &symbs[i]
		if symb.Section != elf.SHN_COMMON {
			continue
		}

		// For COMMON symbols st_value carries the required alignment
		alignment := symb.Value
		if alignment == 0 {
			alignment = 8
		}

		cursor = align.Address(cursor, alignment)
		p.commons[uint32(i)] = cursor

		logger.Debug("placing COMMON symbol",
			"symbol", symb.Name,
			"offset", fmt.Sprintf("0x%02x", cursor),
			"size", fmt.Sprintf("0x%02x", symb.Size),
		)

		cursor += symb.Size
	}

	p.size = cursor

	return p
}

// commit reserves the whole planned image at the arena's cursor and copies
// PROGBITS payloads in. NOBITS and COMMON ranges are left as the arena's
// initial zeros. Returns the image base and the per-section absolute base
// addresses.
func (p *placement) commit(f *objfile.File, a *arena.Arena, logger *slog.Logger) (uintptr, []uintptr, error) {
	base, err := a.Alloc(p.size)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to reserve placed image: %w", err)
	}

	addrs := make([]uintptr, len(p.offsets))

	for _, section := range f.Sections() {
		if !p.placed[section.Index] {
			continue
		}

		addr := base + uintptr(p.offsets[section.Index])
		addrs[section.Index] = addr

		if section.Type != elf.SHT_PROGBITS || section.Size == 0 {
			continue
		}

		dst, err := a.Bytes(addr, section.Size)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to address placed section %q: %w", section.Name, err)
		}

		copy(dst, section.Data())
	}

	return base, addrs, nil
}

// SectionPlan describes where one ALLOC section would land relative to the
// start of the image. Produced by PlanSections for inspection tooling; the
// arithmetic is the same placement Open performs.
type SectionPlan struct {
	Index  int
	Name   string
	Type   elf.SectionType
	Flags  elf.SectionFlag
	Size   uint64
	Align  uint64
	Offset uint64
}

// PlanSections dry-runs placement for the object and returns the plan for
// every ALLOC section plus the total image size.
func PlanSections(f *objfile.File, minAlign uint64) ([]SectionPlan, uint64) {
	if minAlign < DefaultAlign {
		minAlign = DefaultAlign
	}

	symbs := f.Symbols()
	p := planPlacement(f, symbs, minAlign, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var plans []SectionPlan
	for _, section := range f.Sections() {
		if !p.placed[section.Index] {
			continue
		}

		plans = append(plans, SectionPlan{
			Index:  section.Index,
			Name:   section.Name,
			Type:   section.Type,
			Flags:  section.Flags,
			Size:   section.Size,
			Align:  section.Addralign,
			Offset: p.offsets[section.Index],
		})
	}

	return plans, p.size
}
