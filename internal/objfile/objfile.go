// Package objfile provides typed, bounds-checked views over the bytes of a
// relocatable ELF object: header, section table, section payloads, symbol
// table and relocation entries. It parses only; nothing here mutates the
// input buffer or allocates memory for the loaded image.
package objfile

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
)

var (
	ErrNotELF             = errors.New("not an ELF file (bad magic)")
	ErrNotRelocatable     = errors.New("not a relocatable (ET_REL) object")
	errUnsupportedMachine = errors.New("unsupported ELF machine/class combination")
	errUnsupportedData    = errors.New("unsupported ELF data encoding")
	errSectionBounds      = errors.New("section data exceeds file bounds")
	errSectionIndex       = errors.New("section index out of range")
	errNoSymbolTable      = errors.New("object has no symbol table")
	errMalformedRelocs    = errors.New("malformed relocation section")
	errSymbolTableFailure = errors.New("could not read symbol table")
)

// Section is a section header together with its raw payload. The payload is
// a sub-slice of the input buffer; it is nil for NOBITS sections.
type Section struct {
	elf.SectionHeader

	// Index of the section as it appears in the ELF file
	Index int

	data []byte
}

// Data returns the section's raw bytes as they appear in the file. NOBITS
// sections return nil.
func (s *Section) Data() []byte {
	return s.data
}

// Alloc reports whether the section occupies memory in the loaded image.
func (s *Section) Alloc() bool {
	return s.Flags&elf.SHF_ALLOC != 0
}

// File is a parsed view of one relocatable object. The underlying buffer is
// retained only for the lifetime of the File; loading copies everything it
// needs out of it.
type File struct {
	data     []byte
	machine  elf.Machine
	class    elf.Class
	order    elf.Data
	sections []*Section
	symbols  []Sym
}

// New parses and validates the given buffer as a little-endian relocatable
// ELF object for x86-64 (ELFCLASS64) or 386 (ELFCLASS32), whatever the host
// architecture is. Malformed input yields an error, never a panic.
func New(data []byte) (*File, error) {
	if len(data) < len(elf.ELFMAG) || string(data[:len(elf.ELFMAG)]) != elf.ELFMAG {
		return nil, ErrNotELF
	}

	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read ELF file: %w", err)
	}

	if ef.Type != elf.ET_REL {
		return nil, fmt.Errorf("%w: type is %s", ErrNotRelocatable, ef.Type)
	}

	if ef.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %s", errUnsupportedData, ef.Data)
	}

	switch {
	case ef.Machine == elf.EM_X86_64 && ef.Class == elf.ELFCLASS64:
	case ef.Machine == elf.EM_386 && ef.Class == elf.ELFCLASS32:
	default:
		return nil, fmt.Errorf("%w: machine %s class %s", errUnsupportedMachine, ef.Machine, ef.Class)
	}

	f := &File{
		data:    data,
		machine: ef.Machine,
		class:   ef.Class,
		order:   ef.Data,
	}

	f.sections = make([]*Section, 0, len(ef.Sections))
	for index, section := range ef.Sections {
		view := &Section{SectionHeader: section.SectionHeader, Index: index}

		if section.Type != elf.SHT_NOBITS && section.FileSize > 0 {
			end := section.Offset + section.FileSize
			if section.Offset > uint64(len(data)) || end > uint64(len(data)) || end < section.Offset {
				return nil, fmt.Errorf("%w: section %q offset %#x size %#x",
					errSectionBounds, section.Name, section.Offset, section.FileSize)
			}

			view.data = data[section.Offset:end]
		}

		f.sections = append(f.sections, view)
	}

	if err := f.readSymbols(ef); err != nil {
		return nil, err
	}

	return f, nil
}

// Machine returns the object's ELF machine type.
func (f *File) Machine() elf.Machine {
	return f.machine
}

// Class returns the object's word width class.
func (f *File) Class() elf.Class {
	return f.class
}

// Sections returns the section views in file index order.
func (f *File) Sections() []*Section {
	return f.sections
}

// Section returns the section with the given file index.
func (f *File) Section(index int) (*Section, error) {
	if index < 0 || index >= len(f.sections) {
		return nil, fmt.Errorf("%w: %d of %d", errSectionIndex, index, len(f.sections))
	}

	return f.sections[index], nil
}
