package primitives

import (
	"runtime"
)

// ZeroBytes wipes a byte slice from memory.
//
// The loop structure prevents the compiler from optimizing the overwrite
// away, and runtime.KeepAlive keeps the backing array live until the loop
// completes. In a garbage-collected runtime this is best-effort: copies
// made by the runtime or allocator reuse are outside our control.
func ZeroBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	for i := range data {
		data[i] = 0
	}

	runtime.KeepAlive(data)
}

// ZeroKey wipes a 32-byte key array.
func ZeroKey(key *[KeySize]byte) {
	if key == nil {
		return
	}

	for i := range key {
		key[i] = 0
	}

	runtime.KeepAlive(key)
}

// ZeroAll wipes multiple byte slices.
func ZeroAll(buffers ...[]byte) {
	for _, b := range buffers {
		ZeroBytes(b)
	}
}

// IsZeroed reports whether every byte of data is zero. Test helper; do not
// branch on this in secret-handling paths.
func IsZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
