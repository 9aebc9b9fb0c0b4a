package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

// Reloc is one relocation entry, normalized across REL/RELA and word widths.
// For REL entries the addend is 0; the implicit addend lives at the patch
// site.
type Reloc struct {
	// Offset of the patch site relative to the start of the target section
	Off uint64

	// Index of the referent symbol in the symbol table
	Sym uint32

	// Architecture-specific relocation kind
	Type uint32

	Addend int64
}

// IsRelocSection reports whether the section holds REL or RELA entries.
func IsRelocSection(s *Section) bool {
	return s.Type == elf.SHT_REL || s.Type == elf.SHT_RELA
}

// Relocations decodes all entries of a REL or RELA section.
func (f *File) Relocations(s *Section) ([]Reloc, error) {
	if !IsRelocSection(s) {
		return nil, fmt.Errorf("%w: section %q is %s", errMalformedRelocs, s.Name, s.Type)
	}

	entsize := s.Entsize
	if entsize == 0 {
		return nil, fmt.Errorf("%w: section %q has zero entry size", errMalformedRelocs, s.Name)
	}

	numEntries := s.Size / entsize
	hasAddend := s.Type == elf.SHT_RELA

	reader := bytes.NewReader(s.data)
	relocs := make([]Reloc, 0, numEntries)

	for i := 0; i < int(numEntries); i++ {
		var rel Reloc
		var err error

		if f.class == elf.ELFCLASS64 {
			rel, err = readRelocEntry64(reader, hasAddend)
		} else {
			rel, err = readRelocEntry32(reader, hasAddend)
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read relocation entry at index %d in %s: %w", i, s.Name, err)
		}

		relocs = append(relocs, rel)
	}

	return relocs, nil
}

func readRelocEntry64(r io.Reader, hasAddend bool) (Reloc, error) {
	opts := &struc.Options{Order: binary.LittleEndian}

	if hasAddend {
		var rel elf.Rela64
		if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
			return Reloc{}, fmt.Errorf("failed to unpack Rela64 entry: %w", err)
		}

		return Reloc{
			Off:    rel.Off,
			Sym:    elf.R_SYM64(rel.Info),
			Type:   elf.R_TYPE64(rel.Info),
			Addend: rel.Addend,
		}, nil
	}

	var rel elf.Rel64
	if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
		return Reloc{}, fmt.Errorf("failed to unpack Rel64 entry: %w", err)
	}

	return Reloc{
		Off:  rel.Off,
		Sym:  elf.R_SYM64(rel.Info),
		Type: elf.R_TYPE64(rel.Info),
	}, nil
}

func readRelocEntry32(r io.Reader, hasAddend bool) (Reloc, error) {
	opts := &struc.Options{Order: binary.LittleEndian}

	if hasAddend {
		var rel elf.Rela32
		if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
			return Reloc{}, fmt.Errorf("failed to unpack Rela32 entry: %w", err)
		}

		return Reloc{
			Off:    uint64(rel.Off),
			Sym:    uint32(elf.R_SYM32(rel.Info)),
			Type:   uint32(elf.R_TYPE32(rel.Info)),
			Addend: int64(rel.Addend),
		}, nil
	}

	var rel elf.Rel32
	if err := struc.UnpackWithOptions(r, &rel, opts); err != nil {
		return Reloc{}, fmt.Errorf("failed to unpack Rel32 entry: %w", err)
	}

	return Reloc{
		Off:  uint64(rel.Off),
		Sym:  uint32(elf.R_SYM32(rel.Info)),
		Type: uint32(elf.R_TYPE32(rel.Info)),
	}, nil
}
