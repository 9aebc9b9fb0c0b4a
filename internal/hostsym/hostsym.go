// Package hostsym resolves symbol names against code already present in the
// host process. The loader consults a Resolver for every undefined reference
// in an object; the default implementation walks the process's mapped ELF
// images, but tests and tools can substitute a static table.
package hostsym

// Resolver maps a symbol name to an address inside the host process. The
// second return value is false when the name is unknown.
type Resolver func(name string) (uintptr, bool)

// Table wraps a static name-to-address map as a Resolver.
func Table(symbols map[string]uintptr) Resolver {
	return func(name string) (uintptr, bool) {
		addr, ok := symbols[name]
		return addr, ok
	}
}

// Chain composes resolvers first-hit-wins.
func Chain(resolvers ...Resolver) Resolver {
	return func(name string) (uintptr, bool) {
		for _, resolve := range resolvers {
			if addr, ok := resolve(name); ok {
				return addr, true
			}
		}

		return 0, false
	}
}
