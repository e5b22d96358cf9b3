// Package vfserrno defines the explicit status codes the VFS core uses to
// report the outcome of every procedure. Modules set a Status on a request
// before calling complete; the core never infers one from a Go error value.
package vfserrno

// Status is the VFS-wide completion code for a request. It deliberately
// overlaps POSIX errno names so a façade can map it 1:1, but it is its own
// closed enum rather than a re-export of syscall.Errno (spec.md §9 flags the
// source's overlap as unresolved; this type resolves it).
type Status int32

const (
	// Unset is the zero value. A request must never complete with this
	// status still set (spec.md §3.5, §4.5, §8 property 10).
	Unset Status = iota
	OK
	ENOENT
	EEXIST
	EPERM
	EACCES
	EINVAL
	EIO
	ENOTSUP
	ESTALE
	ENAMETOOLONG
	ENOTEMPTY
	EBADF
	EMFILE
	ENOMEM
	ENOSYS
	ENOTDIR
	EISDIR
	EXDEV
	ELOOP
	ENOSPC
)

var names = map[Status]string{
	Unset:        "UNSET",
	OK:           "OK",
	ENOENT:       "ENOENT",
	EEXIST:       "EEXIST",
	EPERM:        "EPERM",
	EACCES:       "EACCES",
	EINVAL:       "EINVAL",
	EIO:          "EIO",
	ENOTSUP:      "ENOTSUP",
	ESTALE:       "ESTALE",
	ENAMETOOLONG: "ENAMETOOLONG",
	ENOTEMPTY:    "ENOTEMPTY",
	EBADF:        "EBADF",
	EMFILE:       "EMFILE",
	ENOMEM:       "ENOMEM",
	ENOSYS:       "ENOSYS",
	ENOTDIR:      "ENOTDIR",
	EISDIR:       "EISDIR",
	EXDEV:        "EXDEV",
	ELOOP:        "ELOOP",
	ENOSPC:       "ENOSPC",
}

// String implements fmt.Stringer so logs never print a bare integer.
func (s Status) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return "EUNKNOWN"
}

// Error lets a Status be used wherever Go code wants an error, e.g. as the
// return value of a synchronous helper built on top of the async procedure
// layer. Every Status, OK included, is a non-nil error when used this way;
// Err is the conversion that maps OK to nil.
func (s Status) Error() string {
	return s.String()
}

// Err returns nil for OK and s otherwise, so callers can write
// `if err := st.Err(); err != nil { ... }`.
func (s Status) Err() error {
	if s == OK {
		return nil
	}
	return s
}
