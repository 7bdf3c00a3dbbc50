package goruntime

import (
	_ "unsafe" // required for go:linkname
)

// These bind the unexported runtime entry points bootstrap.go's
// sysReserve/sysMap/sysAlloc and Init stand in for, the same way the
// reference kernel's bootstrap_go18+.go does for its own Go toolchain
// version.

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)
