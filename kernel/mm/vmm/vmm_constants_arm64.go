package vmm

import "math"

const (
	// pageLevels is the number of page-table levels walked for a 4KiB
	// granule, 48-bit VA AArch64 configuration: L4 (top) down to L1 (leaf).
	pageLevels = 4

	// ptePhysPageMask extracts bits [12:48) of a page-table entry, the
	// range AArch64 reserves for the output address field of a table or
	// page descriptor under the 4KiB granule.
	ptePhysPageMask = uintptr(0x0000fffffffff000)

	// tempMappingAddr is a reserved page in the kernel half used for
	// temporary physical-frame mappings (e.g. to access an inactive PDT
	// or to resolve a COW fault). Table indices for this address are
	// 510, 511, 511, 511 (L4 down to L1), clear of the recursive L4 slot 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)
)

var (
	// pdtVirtualAddr exploits the recursive self-mapping installed at
	// slot 511 of the active L4 table: setting every page-level index to
	// 511 makes the MMU walk land back on the L4 table itself, giving us
	// a virtual address through which the currently active L4 can be
	// read and written like any other page table.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits is the number of VA bits consumed by each level; the
	// 4KiB granule uses 9 bits (512 entries) per level at every level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts is the bit offset of each level's index field
	// within a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

// PageTableEntryFlag describes a flag applied to a page table entry. Bit
// positions follow the AArch64 VMSAv8-64 descriptor layout for the bits this
// kernel relies on (§6 of the original_source page-table reference); COW
// lives in bit 53, one of the bits the MMU itself ignores and leaves free
// for privileged software to repurpose.
const (
	// FlagPresent marks the entry valid (descriptor bit 0).
	FlagPresent PageTableEntryFlag = 1 << 0

	// FlagHugePage marks an L2 entry as a 2MiB block descriptor rather
	// than a pointer to an L1 table (descriptor bit 1 clear at L2; at L1
	// every present entry is always a page descriptor).
	FlagHugePage PageTableEntryFlag = 1 << 1

	// FlagUserAccessible permits EL0 access (AP[1], bit 6).
	FlagUserAccessible PageTableEntryFlag = 1 << 6

	// FlagRW marks the page writable. The architecture's AP[2] bit is
	// "read-only when set"; this kernel stores the flag in its natural
	// sense and the page-table encoder inverts it when writing AP[2].
	FlagRW PageTableEntryFlag = 1 << 7

	// FlagOuterShareable / FlagInnerShareable set the shareability
	// attribute field (bits 8-9).
	FlagOuterShareable PageTableEntryFlag = 0b10 << 8
	FlagInnerShareable PageTableEntryFlag = 0b11 << 8

	// FlagAccessed mirrors AF (bit 10), set the first time the page is
	// accessed.
	FlagAccessed PageTableEntryFlag = 1 << 10

	// FlagCopyOnWrite is a software-defined flag (bit 53) used to
	// implement copy-on-write. It is always paired with a cleared FlagRW.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 53

	// FlagNoExecute maps to UXN (bit 54), denying EL0 instruction fetch.
	FlagNoExecute PageTableEntryFlag = 1 << 54
)
