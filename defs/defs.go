// Package defs holds error codes, file-open flags, and other small
// constants shared across kernel packages.
package defs

// Err_t is a negative-valued system-call error code. Zero means success.
type Err_t int

// Negative error codes surfaced to system calls. Kernel-internal invariant
// violations never produce one of these -- they panic instead.
const (
	EPERM         Err_t = 1
	ENOENT        Err_t = 2
	EBADF         Err_t = 9
	ENOMEM        Err_t = 12
	EFAULT        Err_t = 14
	EEXIST        Err_t = 17
	ENOTDIR       Err_t = 20
	EISDIR        Err_t = 21
	EINVAL        Err_t = 22
	ENOSPC        Err_t = 28
	ENAMETOOLONG  Err_t = 36
	ENOHEAP       Err_t = 37
)

// Tid_t identifies a thread/process for fault-reporting purposes.
type Tid_t int

// File-open flags, mirroring the POSIX subset the spec's ABI recognizes.
const (
	O_RDONLY int = 0
	O_WRONLY int = 1
	O_RDWR   int = 2
	O_CREAT  int = 0x200
	O_TRUNC  int = 0x400
)

// Seek whence values.
const (
	SEEK_SET int = 0
	SEEK_CUR int = 1
	SEEK_END int = 2
)

// On-disk inode types.
const (
	T_FREE short = 0
	T_DIR  short = 1
	T_FILE short = 2
	T_DEV  short = 3
)

type short = int16

// Device identifiers. Only the raw-disk and console ids are load-bearing
// for the core; the rest mirror the teacher's numbering for continuity.
const (
	D_CONSOLE int = 1
	D_RAWDISK int = 5
)
