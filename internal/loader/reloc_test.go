//go:build linux && amd64

package loader

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tobermory/objld/internal/elftest"
	"github.com/tobermory/objld/internal/objfile"
)

// readDisp32 reads the 32-bit displacement patched at site inside the handle.
func readDisp32(t *testing.T, h *Handle, site uintptr) int32 {
	t.Helper()

	raw, err := h.Read(site, 4)
	require.NoError(t, err)

	return int32(binary.LittleEndian.Uint32(raw))
}

func TestAbsolute64Relocation(t *testing.T) {
	b := elftest.NewBuilder()

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      add1Code,
	})
	data := b.AddSection(elftest.Section{
		Name:      ".data",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_WRITE,
		Addralign: 8,
		Data:      make([]byte, 16),
	})

	fn := b.AddSymbol("fn", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 4)
	b.AddSymbol("fnptr", elf.STT_OBJECT, elf.STB_GLOBAL, elf.SectionIndex(data), 0, 8)

	b.AddRela(data, elftest.Rela{Off: 0, Sym: fn, Type: uint32(elf.R_X86_64_64), Addend: 5})

	h, err := Load(b.Bytes(), testOptions(nil))
	require.NoError(t, err)
	defer h.Close()

	fnAddr := h.Lookup("fn")
	slot, err := h.Read(h.Lookup("fnptr"), 8)
	require.NoError(t, err)

	assert.Equal(t, uint64(fnAddr)+5, binary.LittleEndian.Uint64(slot))
}

func TestAbsolute64RelocationWithImplicitAddend(t *testing.T) {
	b := elftest.NewBuilder()

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      add1Code,
	})

	// REL entries carry their addend at the patch site
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:8], 7)

	data := b.AddSection(elftest.Section{
		Name:      ".data",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_WRITE,
		Addralign: 8,
		Data:      payload,
	})

	fn := b.AddSymbol("fn", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 4)
	b.AddSymbol("fnptr", elf.STT_OBJECT, elf.STB_GLOBAL, elf.SectionIndex(data), 0, 8)

	b.AddRel(data, elftest.Rela{Off: 0, Sym: fn, Type: uint32(elf.R_X86_64_64)})

	h, err := Load(b.Bytes(), testOptions(nil))
	require.NoError(t, err)
	defer h.Close()

	slot, err := h.Read(h.Lookup("fnptr"), 8)
	require.NoError(t, err)

	assert.Equal(t, uint64(h.Lookup("fn"))+7, binary.LittleEndian.Uint64(slot))
}

func TestPCRelative32CallBetweenFunctions(t *testing.T) {
	b := elftest.NewBuilder()

	// caller at 0 (call rel32 at offset 3), callee at 8
	code := make([]byte, 16)
	code[2] = 0xe8

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      code,
	})

	b.AddSymbol("caller", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 8)
	callee := b.AddSymbol("callee", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 8, 8)

	b.AddRela(text, elftest.Rela{Off: 3, Sym: callee, Type: uint32(elf.R_X86_64_PC32), Addend: -4})

	h, err := Load(b.Bytes(), testOptions(nil))
	require.NoError(t, err)
	defer h.Close()

	site := h.Lookup("caller") + 3
	disp := readDisp32(t, h, site)

	// Displacement plus patch-site address must equal S + A
	assert.Equal(t, int64(h.Lookup("callee"))-4, int64(site)+int64(disp))
}

func TestPLT32HostCallSynthesizesTrampoline(t *testing.T) {
	const hostAddr = uintptr(0x7fff_dead_1000)

	b := elftest.NewBuilder()

	code := make([]byte, 16)
	code[0] = 0xe8

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      code,
	})

	b.AddSymbol("caller", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 16)
	strlenSym := b.AddSymbol("strlen", elf.STT_NOTYPE, elf.STB_GLOBAL, elf.SHN_UNDEF, 0, 0)

	b.AddRela(text,
		elftest.Rela{Off: 1, Sym: strlenSym, Type: uint32(elf.R_X86_64_PLT32), Addend: -4},
		elftest.Rela{Off: 9, Sym: strlenSym, Type: uint32(elf.R_X86_64_PLT32), Addend: -4},
	)

	h, err := Load(b.Bytes(), testOptions(map[string]uintptr{"strlen": hostAddr}))
	require.NoError(t, err)
	defer h.Close()

	caller := h.Lookup("caller")

	// Recover the trampoline address from the patched displacement:
	// disp = trampoline + A - P, so trampoline = P + disp - A
	site := caller + 1
	disp := readDisp32(t, h, site)
	trampoline := uintptr(int64(site) + int64(disp) + 4)

	require.True(t, h.Contains(trampoline), "trampoline must live in the arena")

	stub, err := h.Read(trampoline, trampolineSize)
	require.NoError(t, err)

	// jmp *0(%rip) followed by the absolute host address
	assert.Equal(t, byte(0xff), stub[0])
	assert.Equal(t, byte(0x25), stub[1])
	assert.Zero(t, binary.LittleEndian.Uint32(stub[2:6]))
	assert.Equal(t, uint64(hostAddr), binary.LittleEndian.Uint64(stub[6:14]))

	// Both call sites share one trampoline
	second := caller + 9
	secondDisp := readDisp32(t, h, second)
	assert.Equal(t, trampoline, uintptr(int64(second)+int64(secondDisp)+4))
}

func TestPLT32InternalCallNeedsNoTrampoline(t *testing.T) {
	b := elftest.NewBuilder()

	code := make([]byte, 16)
	code[0] = 0xe8

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      code,
	})

	b.AddSymbol("caller", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 8)
	helper := b.AddSymbol("helper", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 8, 8)

	b.AddRela(text, elftest.Rela{Off: 1, Sym: helper, Type: uint32(elf.R_X86_64_PLT32), Addend: -4})

	h, err := Load(b.Bytes(), testOptions(nil))
	require.NoError(t, err)
	defer h.Close()

	site := h.Lookup("caller") + 1
	disp := readDisp32(t, h, site)

	// The displacement points straight at the callee
	assert.Equal(t, h.Lookup("helper"), uintptr(int64(site)+int64(disp)+4))
}

func TestGOTPCRelAllocatesSlot(t *testing.T) {
	const hostVar = uintptr(0x7fee_0000_4000)

	b := elftest.NewBuilder()

	// mov sym@GOTPCREL(%rip),%rax has its displacement at offset 3
	code := make([]byte, 16)
	code[0], code[1], code[2] = 0x48, 0x8b, 0x05

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      code,
	})

	b.AddSymbol("reader", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 16)
	external := b.AddSymbol("environ", elf.STT_NOTYPE, elf.STB_GLOBAL, elf.SHN_UNDEF, 0, 0)

	b.AddRela(text,
		elftest.Rela{Off: 3, Sym: external, Type: uint32(elf.R_X86_64_REX_GOTPCRELX), Addend: -4},
		elftest.Rela{Off: 10, Sym: external, Type: uint32(elf.R_X86_64_GOTPCREL), Addend: -4},
	)

	h, err := Load(b.Bytes(), testOptions(map[string]uintptr{"environ": hostVar}))
	require.NoError(t, err)
	defer h.Close()

	site := h.Lookup("reader") + 3
	disp := readDisp32(t, h, site)
	slot := uintptr(int64(site) + int64(disp) + 4)

	require.True(t, h.Contains(slot), "GOT slot must live in the arena")
	assert.Zero(t, slot%8)

	value, err := h.Read(slot, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(hostVar), binary.LittleEndian.Uint64(value))

	// One slot per symbol, shared by every referencing site
	second := h.Lookup("reader") + 10
	secondDisp := readDisp32(t, h, second)
	assert.Equal(t, slot, uintptr(int64(second)+int64(secondDisp)+4))
}

func TestGOTPCRelForDefinedSymbol(t *testing.T) {
	b := elftest.NewBuilder()

	code := make([]byte, 8)
	code[0], code[1], code[2] = 0x48, 0x8b, 0x05

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      code,
	})
	data := b.AddSection(elftest.Section{
		Name:      ".data",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_WRITE,
		Addralign: 8,
		Data:      make([]byte, 8),
	})

	b.AddSymbol("reader", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 8)
	gvar := b.AddSymbol("gvar", elf.STT_OBJECT, elf.STB_GLOBAL, elf.SectionIndex(data), 0, 8)

	b.AddRela(text, elftest.Rela{Off: 3, Sym: gvar, Type: uint32(elf.R_X86_64_GOTPCREL), Addend: -4})

	h, err := Load(b.Bytes(), testOptions(nil))
	require.NoError(t, err)
	defer h.Close()

	site := h.Lookup("reader") + 3
	disp := readDisp32(t, h, site)
	slot := uintptr(int64(site) + int64(disp) + 4)

	require.True(t, h.Contains(slot))

	value, err := h.Read(slot, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(h.Lookup("gvar")), binary.LittleEndian.Uint64(value))
}

func TestSectionSymbolRelocation(t *testing.T) {
	b := elftest.NewBuilder()

	rodata := b.AddSection(elftest.Section{
		Name:      ".rodata",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC,
		Addralign: 8,
		Data:      []byte("hello\x00\x00\x00"),
	})
	data := b.AddSection(elftest.Section{
		Name:      ".data",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_WRITE,
		Addralign: 8,
		Data:      make([]byte, 8),
	})

	section := b.AddSymbol("", elf.STT_SECTION, elf.STB_LOCAL, elf.SectionIndex(rodata), 0, 0)
	b.AddSymbol("msgptr", elf.STT_OBJECT, elf.STB_GLOBAL, elf.SectionIndex(data), 0, 8)

	b.AddRela(data, elftest.Rela{Off: 0, Sym: section, Type: uint32(elf.R_X86_64_64), Addend: 2})

	h, err := Load(b.Bytes(), testOptions(nil))
	require.NoError(t, err)
	defer h.Close()

	slot, err := h.Read(h.Lookup("msgptr"), 8)
	require.NoError(t, err)

	target := uintptr(binary.LittleEndian.Uint64(slot))
	require.True(t, h.Contains(target))

	// S is the section base; the addend selects "llo..."
	str, err := h.Read(target, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("llo"), str)
}

func TestTrampolineBudgetCoversPass2(t *testing.T) {
	b := elftest.NewBuilder()

	text := b.AddSection(elftest.Section{
		Name:      ".text",
		Type:      elf.SHT_PROGBITS,
		Flags:     elf.SHF_ALLOC | elf.SHF_EXECINSTR,
		Addralign: 16,
		Data:      make([]byte, 64),
	})

	b.AddSymbol("caller", elf.STT_FUNC, elf.STB_GLOBAL, elf.SectionIndex(text), 0, 64)
	a := b.AddSymbol("ext_a", elf.STT_NOTYPE, elf.STB_GLOBAL, elf.SHN_UNDEF, 0, 0)
	c := b.AddSymbol("ext_b", elf.STT_NOTYPE, elf.STB_GLOBAL, elf.SHN_UNDEF, 0, 0)

	b.AddRela(text,
		elftest.Rela{Off: 1, Sym: a, Type: uint32(elf.R_X86_64_PLT32), Addend: -4},
		elftest.Rela{Off: 9, Sym: a, Type: uint32(elf.R_X86_64_PLT32), Addend: -4},
		elftest.Rela{Off: 17, Sym: c, Type: uint32(elf.R_X86_64_PLT32), Addend: -4},
		elftest.Rela{Off: 25, Sym: a, Type: uint32(elf.R_X86_64_GOTPCREL), Addend: -4},
		elftest.Rela{Off: 33, Sym: c, Type: uint32(elf.R_X86_64_GOTPCREL), Addend: -4},
	)

	f, err := objfile.New(b.Bytes())
	require.NoError(t, err)

	budget, err := trampolineBudget(f, f.Symbols(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	// Two unique trampolines, two unique slots; repeats cost nothing
	assert.Equal(t, uint64(2*trampolineSize+2*(gotSlotSize+gotSlotAlign-1)), budget)

	// And the budget is sufficient: the full load succeeds
	h, err := Load(b.Bytes(), testOptions(map[string]uintptr{
		"ext_a": 0x7f00_0000_1000,
		"ext_b": 0x7f00_0000_2000,
	}))
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestApplyAbs64(t *testing.T) {
	site := make([]byte, 8)
	binary.LittleEndian.PutUint64(site, 3)

	require.NoError(t, applyAbs64(nil, site, 0x1000, 5, 0, false, 0))
	assert.Equal(t, uint64(0x1008), binary.LittleEndian.Uint64(site))
}

func TestApplyAbs32(t *testing.T) {
	site := make([]byte, 4)
	binary.LittleEndian.PutUint32(site, 7)

	require.NoError(t, applyAbs32(nil, site, 0x2000, 1, 0, false, 0))
	assert.Equal(t, uint32(0x2008), binary.LittleEndian.Uint32(site))
}

func TestApplyPC32(t *testing.T) {
	site := make([]byte, 4)

	require.NoError(t, applyPC32(nil, site, 0x5000, -4, 0x4000, false, 0))
	assert.Equal(t, int32(0x1000-4), int32(binary.LittleEndian.Uint32(site)))

	// Negative displacements survive the 32-bit truncation
	site = make([]byte, 4)
	require.NoError(t, applyPC32(nil, site, 0x4000, -4, 0x5000, false, 0))
	assert.Equal(t, int32(-0x1000-4), int32(binary.LittleEndian.Uint32(site)))
}
