package lockcache

import "os"

// Handle is an open file descriptor paired with the path it was opened for
// and whether it currently holds a shared (vs. exclusive) advisory lock.
// It is the "open handle" of the cache's data model: created by
// CreateAndLock/ReadLock, destroyed by Unlock.
type Handle struct {
	f      *os.File
	path   string
	shared bool
}

// File returns the underlying descriptor. Callers write/read through it
// directly; the cache does not buffer or interpret entry contents.
func (h *Handle) File() *os.File { return h.f }

// Path returns the path this handle was opened for.
func (h *Handle) Path() string { return h.path }

// Shared reports whether the handle currently holds a shared lock (true
// after a successful ReadLock or a Downgrade of an exclusive handle).
func (h *Handle) Shared() bool { return h.shared }
