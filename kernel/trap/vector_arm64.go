package trap

// installVectorTable writes the 4 KiB-aligned vectors table's address into
// VBAR_EL1. Implemented in vector_arm64.s.
func installVectorTable()

// EnterUserMode loads frame's register state and erets into it. It never
// returns to its caller. Used by kernel/task to perform a brand-new task's
// very first transition into EL0, reusing the exact restore sequence an
// ordinary trap return goes through.
func EnterUserMode(frame *ExceptionFrame)
