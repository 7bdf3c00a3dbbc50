package vmm

// VMAKind classifies the purpose of a VMA, matching the three user-half
// region types a task ever gets: its loaded code, its heap, and its stack.
type VMAKind uint8

const (
	VMACode VMAKind = iota
	VMAHeap
	VMAStack
)

// VMA describes a bounded, named user-half address range that is
// legitimately backed even though it may not yet have any page mapped
// into it. The page-fault handler consults the owning task's VMA list to
// decide whether an unmapped address should be demand-filled or killed.
type VMA struct {
	Start, End uintptr
	Kind       VMAKind
	Writable   bool
}

// Contains reports whether addr falls within v's range.
func (v VMA) Contains(addr uintptr) bool {
	return addr >= v.Start && addr < v.End
}

// VMASet is the ordered, non-overlapping list of VMAs for one address
// space.
type VMASet []VMA

// Find returns the VMA containing addr, if any.
func (set VMASet) Find(addr uintptr) (VMA, bool) {
	for _, v := range set {
		if v.Contains(addr) {
			return v, true
		}
	}
	return VMA{}, false
}

// currentVMAsFn is registered by kernel/task during its Init, keeping this
// package from importing the task package (which itself depends on vmm to
// set up address spaces). Mirrors the hal.Register* / mm.SetFrameAllocator
// registration pattern used elsewhere in this codebase.
var currentVMAsFn func() VMASet

// RegisterVMAProvider installs the function the page-fault handler calls
// to fetch the currently running task's VMA list.
func RegisterVMAProvider(fn func() VMASet) { currentVMAsFn = fn }

func currentVMAs() VMASet {
	if currentVMAsFn == nil {
		return nil
	}
	return currentVMAsFn()
}
