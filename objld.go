// Package objld is a runtime loader for relocatable ELF objects: it maps the
// allocated sections of a single unlinked object into executable memory,
// resolves internal cross-references and references to symbols already
// present in the host process, and returns addresses of named functions and
// data that the caller may invoke directly.
//
// The surface is dlopen-shaped: Open, Lookup, Close, LastError.
package objld

import (
	"log/slog"

	"github.com/tobermory/objld/internal/hostsym"
	"github.com/tobermory/objld/internal/loader"
)

// Handle is one loaded object. All addresses returned by Lookup point into
// the handle's executable arena and die with Close.
type Handle struct {
	h *loader.Handle
}

// Option tunes a single Open call.
type Option func(*loader.Options)

// WithResolver substitutes the host symbol resolver consulted for undefined
// references. The default resolves against the ELF images mapped into this
// process.
func WithResolver(resolve func(name string) (uintptr, bool)) Option {
	return func(opts *loader.Options) {
		opts.Resolver = hostsym.Resolver(resolve)
	}
}

// WithLogger routes the loader's diagnostics to the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *loader.Options) {
		opts.Logger = logger
	}
}

// Open loads the relocatable object at path. The flags argument is reserved
// and currently ignored. On failure the returned error's text is also
// available from LastError.
func Open(path string, flags int, options ...Option) (*Handle, error) {
	_ = flags

	opts := loader.Options{}
	for _, option := range options {
		option(&opts)
	}

	h, err := loader.Open(path, opts)
	if err != nil {
		return nil, err
	}

	return &Handle{h: h}, nil
}

// Lookup returns the address of the named function or object inside the
// loaded module, or 0 when the name is not present. The address may be
// invoked (functions) or read and written (objects) until Close.
func (h *Handle) Lookup(name string) uintptr {
	return h.h.Lookup(name)
}

// Close releases the module's memory and symbol index as a unit.
func (h *Handle) Close() error {
	return h.h.Close()
}

// LastError returns the text of the most recent load failure. It is
// process-wide, overwritten on every failure, and not safe under concurrent
// loads; it exists for human diagnostics alongside returned errors.
func LastError() string {
	return loader.LastError()
}
