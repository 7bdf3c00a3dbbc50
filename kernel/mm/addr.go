package mm

// KernelHalfBase is the first virtual address of the kernel half of the
// address space. Every kernel mapping (image, heap, per-task kernel
// stacks, MMIO) lives at or above this address; every user mapping lives
// below it. Keeping this as a single named constant lets callers tell the
// two address kinds apart without a distinct Go type for each, the same
// approach the reference kernel takes to keep Frame/Page as bare uintptr
// wrappers rather than richer structs.
const KernelHalfBase = uintptr(0xffff000000000000)

// IsKernelAddress reports whether virtAddr falls in the kernel half.
func IsKernelAddress(virtAddr uintptr) bool {
	return virtAddr >= KernelHalfBase
}

// IsUserAddress reports whether virtAddr falls in the user half.
func IsUserAddress(virtAddr uintptr) bool {
	return virtAddr < KernelHalfBase
}
