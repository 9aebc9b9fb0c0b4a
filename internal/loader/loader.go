// Package loader places a relocatable ELF object into executable memory,
// resolves its relocations, and serves name-to-address lookups over the
// result. One Handle owns one arena; closing the handle releases everything
// the load allocated.
package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/tobermory/objld/internal/arena"
	"github.com/tobermory/objld/internal/hostsym"
	"github.com/tobermory/objld/internal/objfile"
)

// DefaultAlign is the minimum alignment of every placed section.
const DefaultAlign = 16

// Options tunes one load. The zero value is usable: a discarding logger, the
// process resolver, and the default alignment.
type Options struct {
	Logger *slog.Logger

	// Resolver answers undefined symbol references. Defaults to the
	// host process's mapped images.
	Resolver hostsym.Resolver

	// MinAlign is the smallest alignment applied to placed sections;
	// values below DefaultAlign are raised to it.
	MinAlign uint64
}

func (o *Options) withDefaults() Options {
	opts := *o

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if opts.Resolver == nil {
		opts.Resolver = hostsym.Process()
	}

	if opts.MinAlign < DefaultAlign {
		opts.MinAlign = DefaultAlign
	}

	return opts
}

// Symbol is one entry of a handle's symbol index.
type Symbol struct {
	Name string
	Addr uintptr
	Size uint64
}

// Handle is one loaded object: its arena and its symbol index. The input
// buffer is not retained.
type Handle struct {
	logger *slog.Logger
	arena  *arena.Arena
	index  []indexEntry
}

// Open loads the relocatable object at path. On failure all partially
// acquired resources are released, the error is returned, and its text is
// recorded for LastError.
func Open(path string, opts Options) (*Handle, error) {
	handle, err := open(path, opts)
	if err != nil {
		setLastError(err)
		return nil, err
	}

	return handle, nil
}

func open(path string, opts Options) (*Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read object file: %w", err)
	}

	return load(data, opts)
}

// Load is Open for callers that already hold the object bytes. The buffer is
// only read during the call.
func Load(data []byte, opts Options) (*Handle, error) {
	handle, err := load(data, opts)
	if err != nil {
		setLastError(err)
		return nil, err
	}

	return handle, nil
}

func load(data []byte, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	logger := opts.Logger

	f, err := objfile.New(data)
	if err != nil {
		return nil, err
	}

	if err := checkHostArch(f); err != nil {
		return nil, err
	}

	symbs := f.Symbols()

	plan := planPlacement(f, symbs, opts.MinAlign, logger)

	budget, err := trampolineBudget(f, symbs, logger)
	if err != nil {
		return nil, err
	}

	a, err := arena.New(plan.size + budget)
	if err != nil {
		return nil, err
	}

	// Any failure past this point must release the mapping
	loaded := false
	defer func() {
		if !loaded {
			_ = a.Close()
		}
	}()

	base, addrs, err := plan.commit(f, a, logger)
	if err != nil {
		return nil, err
	}

	index, err := buildSymbolIndex(symbs, addrs, plan, base, logger)
	if err != nil {
		return nil, err
	}

	if err := newRelocator(f, a, symbs, addrs, opts.Resolver, logger).run(); err != nil {
		return nil, err
	}

	logger.Debug("loaded object",
		"base", fmt.Sprintf("0x%02x", base),
		"size", a.Size(),
		"symbols", len(index),
	)

	loaded = true

	return &Handle{logger: logger, arena: a, index: index}, nil
}

// checkHostArch refuses to place code this process cannot execute; parsing
// and placement planning for foreign objects stay available through the
// objfile and PlanSections surfaces.
func checkHostArch(f *objfile.File) error {
	switch runtime.GOARCH {
	case "amd64":
		if f.Machine() == elf.EM_X86_64 {
			return nil
		}
	case "386":
		if f.Machine() == elf.EM_386 {
			return nil
		}
	}

	return fmt.Errorf("%w: object is %s, host is %s", ErrMachineMismatch, f.Machine(), runtime.GOARCH)
}

// Lookup returns the absolute address of the named FUNC or OBJECT symbol, or
// 0 if the handle indexes no such name. Matching is exact and case-sensitive.
func (h *Handle) Lookup(name string) uintptr {
	for i := range h.index {
		if h.index[i].name == name {
			return h.index[i].addr
		}
	}

	return 0
}

// Symbols returns a copy of the handle's symbol index.
func (h *Handle) Symbols() []Symbol {
	out := make([]Symbol, 0, len(h.index))
	for _, entry := range h.index {
		out = append(out, Symbol{Name: entry.name, Addr: entry.addr, Size: entry.size})
	}

	return out
}

// Read copies size bytes of loaded memory starting at addr. The range must
// lie inside the handle's arena.
func (h *Handle) Read(addr uintptr, size uint64) ([]byte, error) {
	view, err := h.arena.Bytes(addr, size)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(view))
	copy(out, view)

	return out, nil
}

// Contains reports whether addr points into the handle's arena.
func (h *Handle) Contains(addr uintptr) bool {
	return h.arena.Contains(addr)
}

// Close releases the arena and the symbol index. Addresses previously
// returned by Lookup are invalid afterwards; calling through them is the
// caller's contract to avoid.
func (h *Handle) Close() error {
	h.index = nil

	return h.arena.Close()
}
