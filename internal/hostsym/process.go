//go:build linux

package hostsym

import (
	"bufio"
	"debug/elf"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// mappedImage is one ELF image mapped into the process: the path it was
// mapped from and the lowest address of its mappings.
type mappedImage struct {
	path string
	base uintptr
}

// Process returns a Resolver over the dynamic symbol tables of every ELF
// image currently mapped into this process, the way the dynamic linker's
// global scope would resolve the name. The symbol table is built lazily on
// first use and memoized; symbols from images mapped later are not seen.
func Process() Resolver {
	var symbols map[string]uintptr

	return func(name string) (uintptr, bool) {
		if symbols == nil {
			symbols = processSymbolTable()
		}

		addr, ok := symbols[name]
		return addr, ok
	}
}

func processSymbolTable() map[string]uintptr {
	symbols := make(map[string]uintptr)

	images, err := mappedImages()
	if err != nil {
		slog.Warn("could not enumerate mapped images; host resolution will find nothing",
			"error", err,
		)

		return symbols
	}

	for _, image := range images {
		if err := addImageSymbols(symbols, image); err != nil {
			slog.Debug("skipping mapped image",
				"path", image.path,
				"error", err,
			)
		}
	}

	return symbols
}

// mappedImages parses /proc/self/maps and returns each distinct file-backed
// mapping with its lowest mapped address, in map order. The main executable
// comes first, so its symbols win over later libraries.
func mappedImages() ([]*mappedImage, error) {
	maps, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("failed to open /proc/self/maps: %w", err)
	}
	defer maps.Close()

	var images []*mappedImage
	seen := make(map[string]*mappedImage)

	scanner := bufio.NewScanner(maps)
	for scanner.Scan() {
		// Lines look like:
		// 7f01c2a00000-7f01c2a28000 r--p 00000000 103:02 1234  /usr/lib/libc.so.6
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}

		path := fields[5]
		if !strings.HasPrefix(path, "/") {
			continue
		}

		start, _, ok := strings.Cut(fields[0], "-")
		if !ok {
			continue
		}

		base, err := strconv.ParseUint(start, 16, 64)
		if err != nil {
			continue
		}

		if image, ok := seen[path]; ok {
			if uintptr(base) < image.base {
				image.base = uintptr(base)
			}

			continue
		}

		image := &mappedImage{path: path, base: uintptr(base)}
		seen[path] = image
		images = append(images, image)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan /proc/self/maps: %w", err)
	}

	return images, nil
}

func addImageSymbols(symbols map[string]uintptr, image *mappedImage) error {
	f, err := elf.Open(image.path)
	if err != nil {
		return fmt.Errorf("failed to open mapped file as ELF: %w", err)
	}
	defer f.Close()

	// Position-independent images are biased by their lowest mapping
	// address; fixed executables already carry absolute addresses.
	bias := image.base
	if f.Type == elf.ET_EXEC {
		bias = 0
	}

	dynSyms, err := f.DynamicSymbols()
	if err != nil {
		return fmt.Errorf("failed to read dynamic symbols: %w", err)
	}

	for _, sym := range dynSyms {
		if sym.Name == "" || sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}

		if bind := elf.ST_BIND(sym.Info); bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}

		addr := bias + uintptr(sym.Value)
		if _, ok := symbols[sym.Name]; !ok {
			symbols[sym.Name] = addr
		}

		// Publish versioned names ("memcpy@GLIBC_2.14") under the bare
		// name as well, first definition wins.
		if at := strings.IndexByte(sym.Name, '@'); at > 0 {
			base := sym.Name[:at]
			if _, ok := symbols[base]; !ok {
				symbols[base] = addr
			}
		}
	}

	return nil
}
