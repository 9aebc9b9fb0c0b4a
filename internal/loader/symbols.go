package loader

import (
	"debug/elf"
	"fmt"
	"log/slog"

	"github.com/tobermory/objld/internal/objfile"
)

type indexEntry struct {
	name string
	addr uintptr
	size uint64
}

// buildSymbolIndex computes the absolute address of every defined FUNC and
// OBJECT symbol, rewrites the in-memory symbol record's value with it (so the
// relocator consumes final addresses uniformly), and returns the name->address
// index the handle serves lookups from.
func buildSymbolIndex(symbs []objfile.Sym, addrs []uintptr, p *placement, base uintptr, logger *slog.Logger) ([]indexEntry, error) {
	var index []indexEntry

	for i := 1; i < len(symbs); i++ {
		symb := &symbs[i]

		if typ := symb.Type(); typ != elf.STT_FUNC && typ != elf.STT_OBJECT {
			continue
		}

		var addr uintptr

		switch symb.Section {
		case elf.SHN_UNDEF:
			// Resolved against the host during relocation, not indexed
			continue
		case elf.SHN_COMMON:
			offset, ok := p.commons[uint32(i)]
			if !ok {
				return nil, fmt.Errorf("COMMON symbol %q was never placed: %w", symb.Name, errBadSymbolIndex)
			}

			addr = base + uintptr(offset)
		case elf.SHN_ABS:
			// Absolute symbols already carry their final value
			addr = uintptr(symb.Value)
		default:
			if int(symb.Section) >= len(addrs) {
				return nil, fmt.Errorf("symbol %q defined in section %d: %w", symb.Name, symb.Section, errBadSectionIndex)
			}

			if addrs[symb.Section] == 0 {
				// Defined in a section that was not placed (non-ALLOC);
				// nothing can call it, so it has no loaded address
				continue
			}

			addr = addrs[symb.Section] + uintptr(symb.Value)
		}

		logger.Debug("indexing symbol",
			"symbol", symb.Name,
			"from", fmt.Sprintf("0x%02x", symb.Value),
			"to", fmt.Sprintf("0x%02x", addr),
		)

		symb.Value = uint64(addr)

		if symb.Name != "" {
			index = append(index, indexEntry{name: symb.Name, addr: addr, size: symb.Size})
		}
	}

	return index, nil
}
