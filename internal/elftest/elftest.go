// Package elftest synthesizes tiny relocatable ELF objects in memory so the
// loader's tests do not depend on a C toolchain. Only the 64-bit x86-64
// little-endian layout is produced, which is what the test suite loads.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/tobermory/objld/internal/align"
)

const (
	headerSize        = 64
	sectionHeaderSize = 64
	symbolSize        = 24
	relaSize          = 24
	relSize           = 16
)

// Section describes one section to synthesize. Data is the payload for
// everything except NOBITS sections, which use Size instead.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addralign uint64
	Data      []byte
	Size      uint64
}

// Rela is one relocation entry to place in a synthesized REL/RELA section.
// REL sections drop the addend.
type Rela struct {
	Off    uint64
	Sym    uint32
	Type   uint32
	Addend int64
}

type secdef struct {
	Section

	entsize uint64
	link    func() uint32
	info    uint32
	data    []byte
}

type symdef struct {
	name  string
	info  byte
	shndx elf.SectionIndex
	value uint64
	size  uint64
}

type relocdef struct {
	target  int
	addends bool
	entries []Rela
}

// Builder accumulates sections, symbols and relocations and serializes them
// as a relocatable object.
type Builder struct {
	typ      elf.Type
	sections []*secdef
	symbols  []symdef
	relocs   []*relocdef
}

// NewBuilder returns a builder for an empty ET_REL x86-64 object.
func NewBuilder() *Builder {
	return &Builder{
		typ: elf.ET_REL,
		// Index 0 is the null section
		sections: []*secdef{{}},
		// Index 0 is the null symbol
		symbols: []symdef{{}},
	}
}

// SetType overrides the ELF file type, for tests that need a non-ET_REL
// header.
func (b *Builder) SetType(typ elf.Type) {
	b.typ = typ
}

// AddSection appends a section and returns its file index.
func (b *Builder) AddSection(s Section) int {
	def := &secdef{Section: s, data: s.Data}
	if s.Type != elf.SHT_NOBITS {
		def.Size = uint64(len(s.Data))
	}

	b.sections = append(b.sections, def)

	return len(b.sections) - 1
}

// AddSymbol appends a symbol record and returns its symbol table index.
func (b *Builder) AddSymbol(name string, typ elf.SymType, bind elf.SymBind, shndx elf.SectionIndex, value, size uint64) uint32 {
	b.symbols = append(b.symbols, symdef{
		name:  name,
		info:  byte(bind)<<4 | byte(typ),
		shndx: shndx,
		value: value,
		size:  size,
	})

	return uint32(len(b.symbols) - 1)
}

// AddRela attaches a RELA section targeting the given section index.
func (b *Builder) AddRela(target int, entries ...Rela) {
	b.relocs = append(b.relocs, &relocdef{target: target, addends: true, entries: entries})
}

// AddRel attaches a REL section targeting the given section index. Addends
// in the entries are ignored; REL addends live at the patch site.
func (b *Builder) AddRel(target int, entries ...Rela) {
	b.relocs = append(b.relocs, &relocdef{target: target, entries: entries})
}

type strtab struct {
	buf     bytes.Buffer
	offsets map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{offsets: make(map[string]uint32)}
	t.buf.WriteByte(0)

	return t
}

func (t *strtab) add(s string) uint32 {
	if s == "" {
		return 0
	}

	if off, ok := t.offsets[s]; ok {
		return off
	}

	off := uint32(t.buf.Len())
	t.offsets[s] = off
	t.buf.WriteString(s)
	t.buf.WriteByte(0)

	return off
}

type header64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type sectionHeader64 struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Off       uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

type sym64 struct {
	Name  uint32
	Info  byte
	Other byte
	Shndx uint16
	Value uint64
	Size  uint64
}

// Bytes serializes the object: header, section payloads, then the section
// header table.
func (b *Builder) Bytes() []byte {
	sections := make([]*secdef, len(b.sections))
	copy(sections, b.sections)

	symtabIndex := func() uint32 {
		return uint32(len(b.sections) + len(b.relocs))
	}

	for _, reloc := range b.relocs {
		def := &secdef{
			Section: Section{
				Name:      ".rel" + b.sections[reloc.target].Name,
				Type:      elf.SHT_REL,
				Addralign: 8,
			},
			entsize: relSize,
			link:    symtabIndex,
			info:    uint32(reloc.target),
		}

		if reloc.addends {
			def.Name = ".rela" + b.sections[reloc.target].Name
			def.Type = elf.SHT_RELA
			def.entsize = relaSize
		}

		payload := &bytes.Buffer{}
		for _, entry := range reloc.entries {
			info := uint64(entry.Sym)<<32 | uint64(entry.Type)
			_ = binary.Write(payload, binary.LittleEndian, entry.Off)
			_ = binary.Write(payload, binary.LittleEndian, info)

			if reloc.addends {
				_ = binary.Write(payload, binary.LittleEndian, entry.Addend)
			}
		}

		def.data = payload.Bytes()
		def.Size = uint64(len(def.data))

		sections = append(sections, def)
	}

	names := newStrtab()
	symtabPayload := &bytes.Buffer{}
	for _, symbol := range b.symbols {
		_ = binary.Write(symtabPayload, binary.LittleEndian, sym64{
			Name:  names.add(symbol.name),
			Info:  symbol.info,
			Shndx: uint16(symbol.shndx),
			Value: symbol.value,
			Size:  symbol.size,
		})
	}

	strtabIndex := symtabIndex() + 1

	symtab := &secdef{
		Section: Section{Name: ".symtab", Type: elf.SHT_SYMTAB, Addralign: 8},
		entsize: symbolSize,
		link:    func() uint32 { return strtabIndex },
		// One local symbol: the null entry
		info: 1,
		data: symtabPayload.Bytes(),
	}
	symtab.Size = uint64(len(symtab.data))
	sections = append(sections, symtab)

	strtabSection := &secdef{
		Section: Section{Name: ".strtab", Type: elf.SHT_STRTAB, Addralign: 1},
		data:    names.buf.Bytes(),
	}
	strtabSection.Size = uint64(len(strtabSection.data))
	sections = append(sections, strtabSection)

	shstrtab := newStrtab()
	for _, section := range sections {
		shstrtab.add(section.Name)
	}
	shstrtab.add(".shstrtab")

	shstrtabSection := &secdef{
		Section: Section{Name: ".shstrtab", Type: elf.SHT_STRTAB, Addralign: 1},
		data:    shstrtab.buf.Bytes(),
	}
	shstrtabSection.Size = uint64(len(shstrtabSection.data))
	sections = append(sections, shstrtabSection)

	// Lay out payloads after the header
	cursor := uint64(headerSize)
	offsets := make([]uint64, len(sections))

	for i, section := range sections {
		if i == 0 || section.Type == elf.SHT_NOBITS || len(section.data) == 0 {
			continue
		}

		cursor = align.Address(cursor, 8)
		offsets[i] = cursor
		cursor += uint64(len(section.data))
	}

	shoff := align.Address(cursor, 8)

	out := &bytes.Buffer{}

	header := header64{
		Type:      uint16(b.typ),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Shentsize: sectionHeaderSize,
		Shnum:     uint16(len(sections)),
		Shstrndx:  uint16(len(sections) - 1),
	}
	copy(header.Ident[:], elf.ELFMAG)
	header.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	header.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	header.Ident[elf.EI_VERSION] = 1

	_ = binary.Write(out, binary.LittleEndian, header)

	for i, section := range sections {
		if offsets[i] == 0 {
			continue
		}

		out.Write(make([]byte, int(offsets[i])-out.Len()))
		out.Write(section.data)
	}

	out.Write(make([]byte, int(shoff)-out.Len()))

	for i, section := range sections {
		link := uint32(0)
		if section.link != nil {
			link = section.link()
		}

		_ = binary.Write(out, binary.LittleEndian, sectionHeader64{
			Name:      shstrtab.add(section.Name),
			Type:      uint32(section.Type),
			Flags:     uint64(section.Flags),
			Off:       offsets[i],
			Size:      section.Size,
			Link:      link,
			Info:      section.info,
			Addralign: section.Addralign,
			Entsize:   section.entsize,
		})
	}

	return out.Bytes()
}
