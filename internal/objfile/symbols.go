package objfile

import (
	"debug/elf"
	"fmt"
)

// Sym is a single symbol record, identical in meaning for 32- and 64-bit
// objects. Index 0 of the table is the null symbol, as in the file itself.
type Sym struct {
	Name    string
	Info    byte
	Section elf.SectionIndex
	Value   uint64
	Size    uint64
}

// Type returns the symbol's type field (FUNC, OBJECT, SECTION, NOTYPE, ...).
func (s *Sym) Type() elf.SymType {
	return elf.ST_TYPE(s.Info)
}

// Bind returns the symbol's binding (LOCAL, GLOBAL, WEAK).
func (s *Sym) Bind() elf.SymBind {
	return elf.ST_BIND(s.Info)
}

// Undefined reports whether the symbol has no defining section.
func (s *Sym) Undefined() bool {
	return s.Section == elf.SHN_UNDEF
}

func (f *File) readSymbols(ef *elf.File) error {
	if ef.SectionByType(elf.SHT_SYMTAB) == nil {
		return errNoSymbolTable
	}

	symbs, err := ef.Symbols()
	if err != nil {
		return fmt.Errorf("%w: %w", errSymbolTableFailure, err)
	}

	// Add in the undefined symbol: [elf.File.Symbols] omits it, but
	// relocation entries index the table with it present.
	f.symbols = make([]Sym, 1, len(symbs)+1)

	for _, symb := range symbs {
		f.symbols = append(f.symbols, Sym{
			Name:    symb.Name,
			Info:    symb.Info,
			Section: symb.Section,
			Value:   symb.Value,
			Size:    symb.Size,
		})
	}

	return nil
}

// Symbols returns a fresh copy of the symbol table, numbered as in the file.
// Callers are free to rewrite entries of their copy.
func (f *File) Symbols() []Sym {
	out := make([]Sym, len(f.symbols))
	copy(out, f.symbols)

	return out
}
