package cryfs

import "syscall"

// POSIX errno values the node layer returns for filesystem errors.
// Named locally, rather than referencing syscall.* at every call site,
// so device.go reads with short, unqualified names.
const (
	enoent    = syscall.ENOENT
	eexist    = syscall.EEXIST
	eisdir    = syscall.EISDIR
	enotdir   = syscall.ENOTDIR
	enotempty = syscall.ENOTEMPTY
	eacces    = syscall.EACCES
	enospc    = syscall.ENOSPC
)
